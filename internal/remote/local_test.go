package remote

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/gridctl/internal/testutil/testlog"
)

func TestLocalRunReportsExitCode(t *testing.T) {
	testlog.Start(t)
	l := NewLocal()
	res, err := l.Run(context.Background(), "echo out; echo err >&2; exit 3")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("unexpected exit: %d", res.ExitCode)
	}
	if string(res.Stdout) != "out\n" || string(res.Stderr) != "err\n" {
		t.Fatalf("unexpected output: stdout=%q stderr=%q", res.Stdout, res.Stderr)
	}
	if res.Output() != "out" {
		t.Fatalf("unexpected combined output: %q", res.Output())
	}
}

func TestLocalWriteUploadDownload(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	l := NewLocal()
	root := t.TempDir()

	remoteDir := filepath.Join(root, "remote", "runs", "exp_a")
	if err := l.WriteFile(ctx, filepath.Join(remoteDir, "job.sh"), []byte("#!/bin/bash\n"), 0o755); err != nil {
		t.Fatalf("write file: %v", err)
	}
	info, err := os.Stat(filepath.Join(remoteDir, "job.sh"))
	if err != nil {
		t.Fatalf("stat job: %v", err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Fatalf("unexpected mode: %v", info.Mode().Perm())
	}

	src := filepath.Join(root, "train.py")
	if err := os.WriteFile(src, []byte("print(1)\n"), 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}
	if err := l.Upload(ctx, src, filepath.Join(remoteDir, "sub", "train.py")); err != nil {
		t.Fatalf("upload: %v", err)
	}

	dest := filepath.Join(root, "results", "exp_a")
	if err := l.Download(ctx, remoteDir, dest); err != nil {
		t.Fatalf("download dir: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dest, "sub", "train.py"))
	if err != nil {
		t.Fatalf("read downloaded: %v", err)
	}
	if string(got) != "print(1)\n" {
		t.Fatalf("unexpected content: %q", got)
	}

	if err := l.Download(ctx, filepath.Join(remoteDir, "nope"), filepath.Join(root, "x")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func readLine(t *testing.T, lines <-chan string) string {
	t.Helper()
	select {
	case line, ok := <-lines:
		if !ok {
			t.Fatalf("stream ended early")
		}
		return line
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for line")
	}
	return ""
}

func scanLines(tail *Tail) <-chan string {
	out := make(chan string, 16)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(tail)
		for scanner.Scan() {
			out <- scanner.Text()
		}
	}()
	return out
}

func appendTo(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(data); err != nil {
		t.Fatalf("append log: %v", err)
	}
}

func TestLocalTailFromOffsetHasNoDuplicatesOrGaps(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "stdout.log")
	appendTo(t, path, "one\ntwo\n")

	tail, err := NewLocal().Tail(context.Background(), path, TailOptions{Offset: int64(len("one\n"))})
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	defer tail.Close()
	lines := scanLines(tail)

	if got := readLine(t, lines); got != "two" {
		t.Fatalf("expected resume at offset, got %q", got)
	}
	appendTo(t, path, "three\n")
	if got := readLine(t, lines); got != "three" {
		t.Fatalf("expected appended line, got %q", got)
	}
}

func TestLocalTailFromStartWaitsForFile(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "stdout.log")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tail, err := NewLocal().Tail(ctx, path, TailOptions{FromStart: true})
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	lines := scanLines(tail)

	appendTo(t, path, "first\n")
	if got := readLine(t, lines); got != "first" {
		t.Fatalf("unexpected line: %q", got)
	}

	cancel()
	select {
	case _, ok := <-lines:
		if ok {
			// a trailing buffered line is acceptable; the stream must still end
			for range lines {
			}
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("stream did not end after cancel")
	}
	_ = tail.Close()
}
