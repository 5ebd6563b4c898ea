package engine

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/danmuck/gridctl/internal/config"
	"github.com/danmuck/gridctl/internal/registry"
)

// Options tunes engine timing. Zero fields take defaults.
type Options struct {
	PollInterval time.Duration
	DrainGrace   time.Duration
	Now          func() time.Time
}

func DefaultOptions() Options {
	return Options{
		PollInterval: 10 * time.Second,
		DrainGrace:   2 * time.Second,
		Now:          time.Now,
	}
}

func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.DrainGrace < 0 {
		o.DrainGrace = d.DrainGrace
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// Layout is the resolved remote directory structure.
type Layout struct {
	BaseDir string
	VenvDir string
}

func (l Layout) RunsDir() string {
	return path.Join(l.BaseDir, "runs")
}

// RunDir is {base}/runs/{exp_name}.
func (l Layout) RunDir(expName string) string {
	return path.Join(l.RunsDir(), expName)
}

// Engine ties one remote transport, one workspace registry and one experiment config together.
type Engine struct {
	remote    Remote
	reg       *registry.Registry
	workspace *registry.Workspace
	cfg       config.Config
	layout    Layout
	opts      Options
}

// New resolves the remote layout against the remote home directory.
func New(ctx context.Context, r Remote, reg *registry.Registry, ws *registry.Workspace, cfg config.Config, opts Options) (*Engine, error) {
	base, err := ExpandHome(ctx, r, cfg.Remote.BaseDir)
	if err != nil {
		return nil, err
	}
	venv := cfg.Remote.VenvDir
	if !path.IsAbs(venv) {
		venv = path.Join(base, venv)
	}

	return &Engine{
		remote:    r,
		reg:       reg,
		workspace: ws,
		cfg:       cfg,
		layout:    Layout{BaseDir: base, VenvDir: venv},
		opts:      opts.WithDefaults(),
	}, nil
}

func (e *Engine) Layout() Layout {
	return e.layout
}

func (e *Engine) Registry() *registry.Registry {
	return e.reg
}

// ExpandHome turns "~", "~/x" and relative paths into absolute remote paths.
// Remote commands start in the home directory, so relative paths are relative to it.
func ExpandHome(ctx context.Context, r Remote, dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if path.IsAbs(dir) {
		return path.Clean(dir), nil
	}

	home, err := r.Home(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve remote home: %w", err)
	}
	switch {
	case dir == "" || dir == "~":
		return path.Clean(home), nil
	case strings.HasPrefix(dir, "~/"):
		return path.Join(home, dir[2:]), nil
	default:
		return path.Join(home, dir), nil
	}
}
