package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// Local runs the same operations against the local machine, e.g. when gridctl itself runs on
// the cluster login node.
type Local struct {
	Shell string
}

func NewLocal() *Local {
	return &Local{Shell: "bash"}
}

func (l *Local) Target() string {
	return "local"
}

func (l *Local) Close() error {
	return nil
}

func (l *Local) shell() string {
	if l.Shell == "" {
		return "bash"
	}
	return l.Shell
}

// Run executes cmd with the local shell. A non-zero exit is reported in Result, not as an error.
func (l *Local) Run(ctx context.Context, cmd string) (Result, error) {
	command := exec.CommandContext(ctx, l.shell(), "-c", cmd)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	err := command.Run()
	if err == nil {
		return Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: exitErr.ExitCode()}, nil
	}
	return Result{}, err
}

func (l *Local) RunOnce(ctx context.Context, cmd string) (Result, error) {
	return l.Run(ctx, cmd)
}

func (l *Local) Home(context.Context) (string, error) {
	return os.UserHomeDir()
}

func (l *Local) WriteFile(ctx context.Context, path string, data []byte, perm os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return err
	}
	return os.Chmod(path, perm)
}

func (l *Local) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return err
	}
	return copyFile(localPath, remotePath, info.Mode().Perm())
}

func (l *Local) Download(ctx context.Context, remotePath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(remotePath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", remotePath, err)
	}
	if info.IsDir() {
		return copyDir(remotePath, localPath)
	}
	return copyFile(remotePath, localPath, info.Mode().Perm())
}

// Tail follows path with the local tail binary.
func (l *Local) Tail(ctx context.Context, path string, opts TailOptions) (*Tail, error) {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, err
	}

	command := exec.CommandContext(ctx, l.shell(), "-c", TailCommand(path, opts))
	command.Stdout = stdoutW
	command.Stderr = stderrW
	if err := command.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, err
	}
	// The child holds its own copies; closing ours lets the readers see EOF when it exits.
	stdoutW.Close()
	stderrW.Close()

	var waitOnce sync.Once
	wait := func() {
		waitOnce.Do(func() { _ = command.Wait() })
	}
	go wait()

	return NewTail(path, stdoutR, stderrR, func() error {
		if command.Process != nil {
			_ = command.Process.Kill()
		}
		wait()
		stderrR.Close()
		return stdoutR.Close()
	}), nil
}

func copyDir(src string, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src string, dst string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return nil
}
