package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Result is the outcome of one remote command. A non-zero ExitCode is not an error.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Output returns trimmed stdout, falling back to stderr when stdout is empty.
func (r Result) Output() string {
	out := strings.TrimSpace(string(r.Stdout))
	if out == "" {
		out = strings.TrimSpace(string(r.Stderr))
	}
	return out
}

// Session owns one authenticated SSH connection for the duration of an invocation.
type Session struct {
	opts Options
	cfg  Config
	dial func(context.Context) (*ssh.Client, error)

	// exchange serializes command, upload and download exchanges.
	exchange sync.Mutex

	connMu sync.Mutex
	client *ssh.Client
	sftp   *sftp.Client
	closed bool
	stopKA chan struct{}
}

// Dial connects and authenticates. Failures are ErrAuth or ErrConnect.
func Dial(ctx context.Context, opts Options, cfg Config) (*Session, error) {
	cfg = cfg.WithDefaults()
	s := &Session{
		opts: opts,
		cfg:  cfg,
	}
	s.dial = func(ctx context.Context) (*ssh.Client, error) {
		return opts.dial(ctx, cfg)
	}

	client, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.client = client
	s.startKeepAlive()
	log.Info().Str("target", opts.Target()).Msg("remote.session connected")
	return s, nil
}

// Target renders user@host.
func (s *Session) Target() string {
	return s.opts.Target()
}

// Close releases the connection. It is safe to call more than once.
func (s *Session) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.stopKA != nil {
		close(s.stopKA)
	}
	var errs []error
	if s.sftp != nil {
		errs = append(errs, ignoreClosed(s.sftp.Close()))
		s.sftp = nil
	}
	if s.client != nil {
		errs = append(errs, ignoreClosed(s.client.Close()))
		s.client = nil
	}
	log.Debug().Str("target", s.opts.Target()).Msg("remote.session closed")
	return errors.Join(errs...)
}

// Run executes cmd and replays it after a reconnect if the connection broke.
// Use it for idempotent commands only.
func (s *Session) Run(ctx context.Context, cmd string) (Result, error) {
	return s.run(ctx, cmd, true)
}

// RunOnce executes cmd and never replays it once it may have started remotely.
func (s *Session) RunOnce(ctx context.Context, cmd string) (Result, error) {
	return s.run(ctx, cmd, false)
}

func (s *Session) run(ctx context.Context, cmd string, replay bool) (Result, error) {
	s.exchange.Lock()
	defer s.exchange.Unlock()

	var res Result
	var used *ssh.Client
	err := withReconnect(ctx, s.cfg, backoffRand(), "run", s.redialFrom(&used), func() error {
		client, err := s.current()
		if err != nil {
			return err
		}
		used = client
		r, err := execute(ctx, client, cmd)
		if err != nil && !replay && !errors.Is(err, errNotStarted) {
			return startedError{err: err}
		}
		res = r
		return err
	})
	if err != nil {
		return Result{}, err
	}
	log.Trace().Str("cmd", cmd).Int("exit", res.ExitCode).Msg("remote.session run")
	return res, nil
}

var (
	errNotStarted = errors.New("remote: command not started")
	errConnLost   = fmt.Errorf("remote: connection lost: %w", io.ErrUnexpectedEOF)
)

func execute(ctx context.Context, client *ssh.Client, cmd string) (Result, error) {
	sess, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", errNotStarted, err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = sess.Close()
		case <-done:
		}
	}()

	err = sess.Run(cmd)
	// A command that reported its exit status completed remotely, even if ctx ended since.
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
	case errors.As(err, &exitErr):
		return Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: exitErr.ExitStatus()}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}
	return Result{}, err
}

// Home returns the remote user's home directory.
func (s *Session) Home(ctx context.Context) (string, error) {
	res, err := s.Run(ctx, `printf '%s' "$HOME"`)
	if err != nil {
		return "", err
	}
	home := strings.TrimSpace(string(res.Stdout))
	if res.ExitCode != 0 || home == "" {
		return "", fmt.Errorf("remote: resolve home dir: exit=%d %s", res.ExitCode, res.Output())
	}
	return home, nil
}

// WriteFile creates or replaces remotePath with data, creating parent directories.
func (s *Session) WriteFile(ctx context.Context, remotePath string, data []byte, perm os.FileMode) error {
	return s.withSFTP(ctx, "write", func(c *sftp.Client) error {
		return writeRemote(c, remotePath, bytes.NewReader(data), perm)
	})
}

// Upload copies one local file to remotePath, creating parent directories.
func (s *Session) Upload(ctx context.Context, localPath, remotePath string) error {
	return s.withSFTP(ctx, "upload", func(c *sftp.Client) error {
		f, err := os.Open(localPath)
		if err != nil {
			return err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return err
		}
		return writeRemote(c, remotePath, f, info.Mode().Perm())
	})
}

// Download copies a remote file or directory tree to localPath.
// A missing remote path yields an error matching os.ErrNotExist.
func (s *Session) Download(ctx context.Context, remotePath, localPath string) error {
	return s.withSFTP(ctx, "download", func(c *sftp.Client) error {
		info, err := c.Stat(remotePath)
		if err != nil {
			return fmt.Errorf("stat %s: %w", remotePath, err)
		}
		if !info.IsDir() {
			return downloadFile(c, remotePath, localPath, info.Mode().Perm())
		}
		walker := c.Walk(remotePath)
		for walker.Step() {
			if err := walker.Err(); err != nil {
				return err
			}
			rel := strings.TrimPrefix(strings.TrimPrefix(walker.Path(), remotePath), "/")
			target := filepath.Join(localPath, filepath.FromSlash(rel))
			st := walker.Stat()
			if st.IsDir() {
				if err := os.MkdirAll(target, 0o755); err != nil {
					return err
				}
				continue
			}
			if !st.Mode().IsRegular() {
				continue
			}
			if err := downloadFile(c, walker.Path(), target, st.Mode().Perm()); err != nil {
				return err
			}
		}
		return nil
	})
}

// Tail opens a follow stream of remotePath on its own channel. It does not hold the exchange lock.
func (s *Session) Tail(ctx context.Context, remotePath string, opts TailOptions) (*Tail, error) {
	var tail *Tail
	var used *ssh.Client
	err := withReconnect(ctx, s.cfg, backoffRand(), "tail", s.redialFrom(&used), func() error {
		client, err := s.current()
		if err != nil {
			return err
		}
		used = client
		sess, err := client.NewSession()
		if err != nil {
			return err
		}
		stdout, err := sess.StdoutPipe()
		if err != nil {
			sess.Close()
			return err
		}
		stderr, err := sess.StderrPipe()
		if err != nil {
			sess.Close()
			return err
		}
		if err := sess.Start(TailCommand(remotePath, opts)); err != nil {
			sess.Close()
			return err
		}
		stop := make(chan struct{})
		tail = NewTail(remotePath, stdout, stderr, func() error {
			close(stop)
			_ = sess.Signal(ssh.SIGTERM)
			return ignoreClosed(sess.Close())
		})
		go func() {
			select {
			case <-ctx.Done():
				_ = tail.Close()
			case <-stop:
			}
		}()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tail, nil
}

func (s *Session) withSFTP(ctx context.Context, name string, op func(*sftp.Client) error) error {
	s.exchange.Lock()
	defer s.exchange.Unlock()

	var used *ssh.Client
	return withReconnect(ctx, s.cfg, backoffRand(), name, s.redialFrom(&used), func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		client, c, err := s.currentSFTP()
		if err != nil {
			return err
		}
		used = client
		return op(c)
	})
}

func (s *Session) current() (*ssh.Client, error) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.client == nil {
		return nil, errConnLost
	}
	return s.client, nil
}

func (s *Session) currentSFTP() (*ssh.Client, *sftp.Client, error) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closed {
		return nil, nil, ErrClosed
	}
	if s.client == nil {
		return nil, nil, errConnLost
	}
	if s.sftp == nil {
		c, err := sftp.NewClient(s.client)
		if err != nil {
			return s.client, nil, err
		}
		s.sftp = c
	}
	return s.client, s.sftp, nil
}

// redialFrom replaces the connection *used points at when the returned func runs.
// Concurrent callers that saw the same broken connection share one redial.
func (s *Session) redialFrom(used **ssh.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		s.connMu.Lock()
		defer s.connMu.Unlock()
		if s.closed {
			return ErrClosed
		}
		if s.client != nil && s.client != *used {
			return nil
		}
		if s.sftp != nil {
			_ = s.sftp.Close()
			s.sftp = nil
		}
		if s.client != nil {
			_ = s.client.Close()
			s.client = nil
		}
		client, err := s.dial(ctx)
		if err != nil {
			return err
		}
		s.client = client
		log.Info().Str("target", s.opts.Target()).Msg("remote.session reconnected")
		return nil
	}
}

func (s *Session) startKeepAlive() {
	if s.cfg.KeepAliveInterval <= 0 {
		return
	}
	s.stopKA = make(chan struct{})
	stop := s.stopKA
	go func() {
		ticker := time.NewTicker(s.cfg.KeepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				client, err := s.current()
				if err != nil {
					continue
				}
				if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
					log.Debug().Err(err).Msg("remote.session keepalive failed")
				}
			}
		}
	}()
}

func writeRemote(c *sftp.Client, remotePath string, src io.Reader, perm os.FileMode) error {
	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := c.MkdirAll(dir); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	f, err := c.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("open %s: %w", remotePath, err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", remotePath, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if perm != 0 {
		if err := c.Chmod(remotePath, perm); err != nil {
			return fmt.Errorf("chmod %s: %w", remotePath, err)
		}
	}
	return nil
}

func downloadFile(c *sftp.Client, remotePath, localPath string, perm os.FileMode) error {
	src, err := c.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open %s: %w", remotePath, err)
	}
	defer src.Close()
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	dst, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
