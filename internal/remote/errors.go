package remote

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

var (
	ErrAuth              = errors.New("remote: authentication failed")
	ErrConnect           = errors.New("remote: connect failed")
	ErrSession           = errors.New("remote: session failed")
	ErrClosed            = errors.New("remote: session closed")
	ErrRemoteFileMissing = errors.New("remote: remote file missing")
)

// isBrokenConn reports whether err means the transport itself is gone,
// as opposed to a command or file-level failure.
func isBrokenConn(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, sftp.ErrSSHFxConnectionLost) {
		return true
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"broken pipe",
		"connection reset",
		"use of closed network connection",
		"connection lost",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// startedError marks a failure that happened after a command began executing.
// Such failures are never replayed.
type startedError struct {
	err error
}

func (e startedError) Error() string { return e.err.Error() }
func (e startedError) Unwrap() error { return e.err }
