package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Options identifies the remote host and how to authenticate against it.
type Options struct {
	Host                        string
	Port                        string
	User                        string
	KeyPath                     string
	Passphrase                  []byte
	Password                    string
	UseAgent                    bool
	KnownHostsPath              string
	InsecureSkipHostKeyChecking bool
}

// Target renders user@host for logs and workspace keys.
func (o Options) Target() string {
	return strings.TrimSpace(o.User) + "@" + strings.TrimSpace(o.Host)
}

func shellEscape(value string) string {
	if value == "" {
		return "''"
	}

	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}

// Quote escapes value for use as a single POSIX shell word.
func Quote(value string) string {
	return shellEscape(value)
}

// JoinCommand quotes cmd and args into one shell command line.
func JoinCommand(cmd string, args ...string) string {
	if len(args) == 0 {
		return shellEscape(cmd)
	}

	var builder strings.Builder
	builder.WriteString(shellEscape(cmd))
	for _, arg := range args {
		builder.WriteByte(' ')
		builder.WriteString(shellEscape(arg))
	}

	return builder.String()
}

func (o Options) address() (string, error) {
	host := strings.TrimSpace(o.Host)
	if host == "" {
		return "", fmt.Errorf("%w: ssh host is required", ErrConnect)
	}

	if o.Port != "" {
		return net.JoinHostPort(host, o.Port), nil
	}

	if _, _, err := net.SplitHostPort(host); err == nil {
		return host, nil
	}

	return net.JoinHostPort(host, "22"), nil
}

func (o Options) clientConfig(cfg Config) (*ssh.ClientConfig, func(), error) {
	if strings.TrimSpace(o.User) == "" {
		return nil, nil, fmt.Errorf("%w: ssh user is required", ErrAuth)
	}

	methods, cleanup, err := o.authMethods()
	if err != nil {
		return nil, nil, err
	}

	var hostKeyCallback ssh.HostKeyCallback
	if o.InsecureSkipHostKeyChecking {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else {
		callback, err := o.knownHostsCallback()
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("%w: %v", ErrConnect, err)
		}
		hostKeyCallback = callback
	}

	return &ssh.ClientConfig{
		User:            strings.TrimSpace(o.User),
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.ConnectTimeout,
	}, cleanup, nil
}

func (o Options) authMethods() ([]ssh.AuthMethod, func(), error) {
	var methods []ssh.AuthMethod
	cleanup := func() {}

	if o.KeyPath != "" {
		signer, err := o.signer()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrAuth, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if o.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			conn, err := net.Dial("unix", sock)
			if err == nil {
				methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
				cleanup = func() { _ = conn.Close() }
			}
		}
	}

	if o.Password != "" {
		password := o.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if len(methods) == 0 {
		cleanup()
		return nil, nil, fmt.Errorf("%w: no key, agent, or password configured", ErrAuth)
	}
	return methods, cleanup, nil
}

func (o Options) signer() (ssh.Signer, error) {
	privateKey, err := os.ReadFile(o.KeyPath)
	if err != nil {
		return nil, err
	}

	if len(o.Passphrase) > 0 {
		return ssh.ParsePrivateKeyWithPassphrase(privateKey, o.Passphrase)
	}

	return ssh.ParsePrivateKey(privateKey)
}

func (o Options) knownHostsCallback() (ssh.HostKeyCallback, error) {
	path := strings.TrimSpace(o.KnownHostsPath)
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("known hosts path not set and home dir unavailable")
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}

	return knownhosts.New(path)
}

// dial opens and authenticates one SSH connection.
func (o Options) dial(ctx context.Context, cfg Config) (*ssh.Client, error) {
	address, err := o.address()
	if err != nil {
		return nil, err
	}

	clientCfg, cleanup, err := o.clientConfig(cfg)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, address, err)
	}

	// The handshake runs on the raw conn, so ClientConfig.Timeout does not bound it.
	if cfg.ConnectTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.ConnectTimeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, address, clientCfg)
	interrupted := !stop()
	if err != nil {
		conn.Close()
		if interrupted {
			return nil, fmt.Errorf("%w: %s: %w", ErrConnect, address, ctx.Err())
		}
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %s: handshake timed out after %s", ErrConnect, address, cfg.ConnectTimeout)
		}
		return nil, classifyHandshakeError(address, err)
	}
	if interrupted {
		clientConn.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, address, ctx.Err())
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(clientConn, chans, reqs), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func classifyHandshakeError(address string, err error) error {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		if len(keyErr.Want) == 0 {
			return fmt.Errorf("%w: %s: host key unknown, add it to known_hosts: %v", ErrConnect, address, err)
		}
		return fmt.Errorf("%w: %s: host key mismatch: %v", ErrConnect, address, err)
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return fmt.Errorf("%w: %s: %v", ErrAuth, address, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrConnect, address, err)
}

// DefaultKeyPath returns the first private key found under ~/.ssh, or "".
func DefaultKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		path := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
