package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/gridctl/internal/config"
	"github.com/danmuck/gridctl/internal/registry"
	"github.com/danmuck/gridctl/internal/remote"
)

type fakeRemote struct {
	mu sync.Mutex

	home      string
	respond   func(cmd string) (remote.Result, error)
	commands  []string
	once      []string
	written   map[string][]byte
	perms     map[string]os.FileMode
	uploads   [][2]string
	files     map[string]string
	downloads []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		home:    "/home/u",
		written: map[string][]byte{},
		perms:   map[string]os.FileMode{},
		files:   map[string]string{},
	}
}

func (f *fakeRemote) Target() string { return "u@fake" }

func (f *fakeRemote) Home(context.Context) (string, error) { return f.home, nil }

func (f *fakeRemote) Run(_ context.Context, cmd string) (remote.Result, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return remote.Result{}, nil
	}
	return respond(cmd)
}

func (f *fakeRemote) RunOnce(ctx context.Context, cmd string) (remote.Result, error) {
	f.mu.Lock()
	f.once = append(f.once, cmd)
	f.mu.Unlock()
	return f.Run(ctx, cmd)
}

func (f *fakeRemote) WriteFile(_ context.Context, path string, data []byte, perm os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, "write "+path)
	f.written[path] = append([]byte(nil), data...)
	f.perms[path] = perm
	return nil
}

func (f *fakeRemote) Upload(_ context.Context, localPath, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, "upload "+localPath+" "+remotePath)
	f.uploads = append(f.uploads, [2]string{localPath, remotePath})
	return nil
}

// Download copies entries of f.files at remotePath, or below it when it names a directory.
func (f *fakeRemote) Download(_ context.Context, remotePath, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads = append(f.downloads, remotePath)

	if content, ok := f.files[remotePath]; ok {
		return writeLocal(localPath, content)
	}
	prefix := strings.TrimSuffix(remotePath, "/") + "/"
	found := false
	for name, content := range f.files {
		if rel, ok := strings.CutPrefix(name, prefix); ok {
			found = true
			if err := writeLocal(filepath.Join(localPath, filepath.FromSlash(rel)), content); err != nil {
				return err
			}
		}
	}
	if !found {
		return os.ErrNotExist
	}
	return nil
}

func (f *fakeRemote) Tail(context.Context, string, remote.TailOptions) (*remote.Tail, error) {
	return nil, errors.New("fake remote does not tail")
}

func (f *fakeRemote) ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeRemote) ranMatching(substr string) []string {
	var out []string
	for _, cmd := range f.ran() {
		if strings.Contains(cmd, substr) {
			out = append(out, cmd)
		}
	}
	return out
}

func writeLocal(path string, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

const testConfig = `
remote:
  base_dir: ~/experiments
  setup:
    requirements: requirements.txt
files:
  push: [train.py]
slurm:
  directives: |
    #SBATCH --job-name={exp_name}
    #SBATCH --time=00:10:00
run:
  command: python train.py --lr {lr} --out {exp_name}.pth
  grid:
    lr: [0.1, 0.01]
`

func mustConfig(t *testing.T, text string) config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(text))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

func newTestEngine(t *testing.T, r Remote, cfg config.Config) (*Engine, *registry.Registry, *registry.Workspace) {
	t.Helper()
	ws, err := registry.OpenWorkspace(t.TempDir(), "u", "fake", cfg.Remote.BaseDir)
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	reg, err := ws.OpenRegistry(registry.BackendFile)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })

	e, err := New(context.Background(), r, reg, ws, cfg, Options{
		PollInterval: 50 * time.Millisecond,
		DrainGrace:   1500 * time.Millisecond,
		Now:          func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e, reg, ws
}

func seedRecord(t *testing.T, reg *registry.Registry, name, jobID string, state registry.State) registry.RunRecord {
	t.Helper()
	rec := registry.RunRecord{
		ExpName:      name,
		JobID:        jobID,
		RemoteRunDir: "/home/u/experiments/runs/" + name,
		LogPath:      "/home/u/experiments/runs/" + name + "/stdout.log",
		Params:       map[string]string{"lr": "0.1"},
		SubmittedAt:  time.Unix(1700000000, 0).UTC(),
		State:        state,
	}
	if err := reg.Upsert(rec); err != nil {
		t.Fatalf("seed %s: %v", name, err)
	}
	return rec
}
