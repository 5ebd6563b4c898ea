package engine

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/danmuck/gridctl/internal/config"
	"github.com/danmuck/gridctl/internal/remote"
	"github.com/rs/zerolog/log"
)

// PrepareBase creates the base and runs dirs, pushes base-level files and, when requested,
// bootstraps the virtual environment. firstUse forces the venv step even if python exists.
func (e *Engine) PrepareBase(ctx context.Context, firstUse bool) error {
	if err := e.runStep(ctx, ErrSetup, "create base dirs", remote.JoinCommand("mkdir", "-p", e.layout.BaseDir, e.layout.RunsDir())); err != nil {
		return err
	}

	if e.cfg.Files.PushTo == config.PushToBase {
		for _, local := range e.cfg.Files.Push {
			if err := e.push(ctx, local, e.layout.BaseDir); err != nil {
				return fmt.Errorf("%w: %w", ErrSetup, err)
			}
		}
	}

	setup := e.cfg.Remote.Setup
	if !setup.CreateVenv {
		return nil
	}
	if !firstUse {
		ok, err := e.venvReady(ctx)
		if err != nil {
			return err
		}
		if ok {
			log.Debug().Str("venv", e.layout.VenvDir).Msg("engine.setup venv present")
			return nil
		}
	}
	return e.bootstrapVenv(ctx, setup.Requirements)
}

func (e *Engine) venvReady(ctx context.Context) (bool, error) {
	res, err := e.remote.Run(ctx, remote.JoinCommand("test", "-x", path.Join(e.layout.VenvDir, "bin", "python")))
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

func (e *Engine) bootstrapVenv(ctx context.Context, requirements string) error {
	venv := e.layout.VenvDir
	activate := ". " + remote.Quote(path.Join(venv, "bin", "activate"))

	if err := e.runStep(ctx, ErrSetup, "create venv", "cd "+remote.Quote(e.layout.BaseDir)+" && "+remote.JoinCommand("python3", "-m", "venv", venv)); err != nil {
		return err
	}
	if err := e.runStep(ctx, ErrSetup, "upgrade pip", activate+" && python -m pip install --upgrade pip"); err != nil {
		return err
	}

	requirements = strings.TrimSpace(requirements)
	if requirements == "" {
		return nil
	}
	dest := pushDest(e.layout.BaseDir, requirements)
	if err := e.remote.Upload(ctx, requirements, dest); err != nil {
		return fmt.Errorf("%w: upload %s: %w", ErrSetup, requirements, err)
	}
	return e.runStep(ctx, ErrSetup, "install requirements", activate+" && "+remote.JoinCommand("pip", "install", "-r", dest))
}

func (e *Engine) push(ctx context.Context, local string, dir string) error {
	dest := pushDest(dir, local)
	log.Debug().Str("src", local).Str("dest", dest).Msg("engine.push")
	if err := e.remote.Upload(ctx, local, dest); err != nil {
		return fmt.Errorf("push %s: %w", local, err)
	}
	return nil
}

// runStep runs an idempotent remote command and turns a non-zero exit into sentinel.
func (e *Engine) runStep(ctx context.Context, sentinel error, what string, cmd string) error {
	log.Info().Str("step", what).Str("target", e.remote.Target()).Msg("engine.exec")
	res, err := e.remote.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return commandError(sentinel, what, res)
	}
	return nil
}

// pushDest keeps a relative local path under dir; absolute or escaping paths land by base name.
func pushDest(dir string, local string) string {
	clean := filepath.ToSlash(filepath.Clean(local))
	if filepath.IsAbs(local) || clean == ".." || strings.HasPrefix(clean, "../") {
		return path.Join(dir, path.Base(clean))
	}
	return path.Join(dir, clean)
}
