package engine

import (
	"context"
	"os"

	"github.com/danmuck/gridctl/internal/remote"
)

// Remote is the transport the engine drives. *remote.Session and *remote.Local satisfy it.
// Run may replay a command after a reconnect; RunOnce never replays one that already started.
type Remote interface {
	Target() string
	Home(ctx context.Context) (string, error)
	Run(ctx context.Context, cmd string) (remote.Result, error)
	RunOnce(ctx context.Context, cmd string) (remote.Result, error)
	WriteFile(ctx context.Context, path string, data []byte, perm os.FileMode) error
	Upload(ctx context.Context, localPath, remotePath string) error
	Download(ctx context.Context, remotePath, localPath string) error
	Tail(ctx context.Context, path string, opts remote.TailOptions) (*remote.Tail, error)
}

var (
	_ Remote = (*remote.Session)(nil)
	_ Remote = (*remote.Local)(nil)
)
