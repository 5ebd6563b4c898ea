package remote

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// TailOptions selects where a tail stream starts. Offset wins over FromStart, which wins over Lines.
// The zero value starts at the current end of file.
type TailOptions struct {
	FromStart bool
	Lines     int
	Offset    int64
}

// TailCommand renders the follow command for path. -F keeps waiting for a file that does not exist yet.
func TailCommand(path string, opts TailOptions) string {
	var start []string
	switch {
	case opts.Offset > 0:
		start = []string{"-c", "+" + strconv.FormatInt(opts.Offset+1, 10)}
	case opts.FromStart:
		start = []string{"-n", "+1"}
	case opts.Lines > 0:
		start = []string{"-n", strconv.Itoa(opts.Lines)}
	default:
		start = []string{"-n", "0"}
	}
	args := append(start, "-F", "--", path)
	return "exec " + JoinCommand("tail", args...)
}

// Tail is a live follow stream of one remote file.
// Read returns ErrRemoteFileMissing instead of io.EOF when the file disappeared while followed.
type Tail struct {
	path      string
	out       io.Reader
	closeFn   func() error
	closeOnce sync.Once
	closeErr  error
	missing   atomic.Bool
}

// NewTail wraps the output of a started tail process. closeFn must stop that process.
func NewTail(path string, stdout io.Reader, stderr io.Reader, closeFn func() error) *Tail {
	t := &Tail{path: path, out: stdout, closeFn: closeFn}
	if stderr != nil {
		go t.watchStderr(stderr)
	}
	return t
}

func (t *Tail) Path() string {
	return t.path
}

func (t *Tail) Read(p []byte) (int, error) {
	n, err := t.out.Read(p)
	if err == io.EOF && t.missing.Load() {
		return n, ErrRemoteFileMissing
	}
	return n, err
}

// Missing reports whether the followed file became inaccessible.
func (t *Tail) Missing() bool {
	return t.missing.Load()
}

func (t *Tail) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.closeFn()
	})
	return t.closeErr
}

func (t *Tail) watchStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if isMissingNotice(line) {
			log.Debug().Str("path", t.path).Str("notice", line).Msg("remote.tail file missing")
			t.missing.Store(true)
			_ = t.Close()
			return
		}
		log.Trace().Str("path", t.path).Str("stderr", line).Msg("remote.tail stderr")
	}
}

// A file that does not exist yet is awaited; one that vanished while followed is reported.
func isMissingNotice(line string) bool {
	return strings.Contains(line, "has become inaccessible")
}
