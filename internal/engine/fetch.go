package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/danmuck/gridctl/internal/registry"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// FetchedRun is one run whose results were downloaded.
type FetchedRun struct {
	Record registry.RunRecord
	Bytes  int64
}

// FetchFailure is one run whose fetch failed.
type FetchFailure struct {
	ExpName string
	Err     error
}

// FetchReport summarizes one fetch batch.
type FetchReport struct {
	Fetched     []FetchedRun
	NotFinished []string
	Failed      []FetchFailure
}

func (r FetchReport) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, f.Err)
	}
	return errors.Join(errs...)
}

// Fetch downloads the results of every unfetched, finished run, or only expName when set.
// A run counts as finished when its last known state is terminal or its exit marker exists.
// Each run is all-or-nothing: it is marked fetched only after every requested path landed.
func (e *Engine) Fetch(ctx context.Context, expName string) (FetchReport, error) {
	var report FetchReport

	candidates := e.reg.List(registry.Unfetched)
	if expName != "" {
		rec, err := e.reg.Get(expName)
		if err != nil {
			return report, err
		}
		if rec.Fetched {
			log.Info().Str("exp", expName).Str("dir", rec.LocalResultsDir).Msg("engine.fetch already fetched")
			return report, nil
		}
		candidates = []registry.RunRecord{rec}
	}
	if len(candidates) == 0 {
		return report, nil
	}

	var pendingDirs []string
	for _, rec := range candidates {
		if !rec.State.Terminal() {
			pendingDirs = append(pendingDirs, rec.RemoteRunDir)
		}
	}
	codes, err := e.exitCodes(ctx, pendingDirs)
	if err != nil {
		return report, err
	}

	for _, rec := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if _, done := codes[path.Clean(rec.RemoteRunDir)]; !rec.State.Terminal() && !done {
			report.NotFinished = append(report.NotFinished, rec.ExpName)
			continue
		}

		fetched, err := e.fetchOne(ctx, rec)
		if err != nil {
			if fatal(err) {
				return report, err
			}
			log.Error().Err(err).Str("exp", rec.ExpName).Msg("engine.fetch failed")
			report.Failed = append(report.Failed, FetchFailure{ExpName: rec.ExpName, Err: err})
			continue
		}
		report.Fetched = append(report.Fetched, fetched)
	}
	return report, nil
}

type fetchItem struct {
	remote string
	local  string
}

func (e *Engine) fetchOne(ctx context.Context, rec registry.RunRecord) (FetchedRun, error) {
	dest := e.workspace.ResultDir(rec.ExpName)
	staging := filepath.Join(e.workspace.ResultsDir(), "."+rec.ExpName+".tmp-"+uuid.NewString())
	defer os.RemoveAll(staging)

	items, err := e.fetchItems(rec, staging)
	if err != nil {
		return FetchedRun{}, err
	}

	remotes := make([]string, len(items))
	for i, item := range items {
		remotes[i] = item.remote
	}
	missing, err := e.missingPaths(ctx, remotes)
	if err != nil {
		return FetchedRun{}, err
	}
	if len(missing) > 0 {
		return FetchedRun{}, &FetchError{ExpName: rec.ExpName, Missing: missing}
	}

	for _, item := range items {
		if err := e.remote.Download(ctx, item.remote, item.local); err != nil {
			if fatal(err) {
				return FetchedRun{}, err
			}
			return FetchedRun{}, fmt.Errorf("%w: %s: download %s: %w", ErrFetch, rec.ExpName, item.remote, err)
		}
	}

	if err := os.MkdirAll(staging, 0o755); err != nil {
		return FetchedRun{}, fmt.Errorf("%w: %s: %w", ErrFetch, rec.ExpName, err)
	}
	if err := os.RemoveAll(dest); err != nil {
		return FetchedRun{}, fmt.Errorf("%w: %s: clear stale results: %w", ErrFetch, rec.ExpName, err)
	}
	if err := os.Rename(staging, dest); err != nil {
		return FetchedRun{}, fmt.Errorf("%w: %s: %w", ErrFetch, rec.ExpName, err)
	}

	if err := e.reg.MarkFetched(rec.ExpName, dest); err != nil {
		return FetchedRun{}, err
	}
	updated, err := e.reg.Get(rec.ExpName)
	if err != nil {
		return FetchedRun{}, err
	}
	size := dirSize(dest)
	log.Info().Str("exp", rec.ExpName).Str("dir", dest).Int64("bytes", size).Msg("engine.fetch fetched")
	return FetchedRun{Record: updated, Bytes: size}, nil
}

// fetchItems maps files.fetch templates (or the whole run dir) onto staging paths.
// Relative templates resolve against the run dir and keep their relative layout locally.
func (e *Engine) fetchItems(rec registry.RunRecord, staging string) ([]fetchItem, error) {
	patterns := e.cfg.Files.Fetch
	if len(patterns) == 0 {
		return []fetchItem{{remote: rec.RemoteRunDir, local: staging}}, nil
	}

	b := bindings(rec.ExpName, rec.Params, e.layout)
	b["run_dir"] = rec.RemoteRunDir
	items := make([]fetchItem, 0, len(patterns))
	claimed := make(map[string]string, len(patterns))
	for _, pattern := range patterns {
		rendered, err := Render(pattern, b)
		if err != nil {
			return nil, fmt.Errorf("files.fetch: %s: %w", rec.ExpName, err)
		}
		remotePath := rendered
		if !path.IsAbs(remotePath) {
			remotePath = path.Join(rec.RemoteRunDir, remotePath)
		}
		remotePath = path.Clean(remotePath)

		rel := path.Base(remotePath)
		if inside, ok := strings.CutPrefix(remotePath, path.Clean(rec.RemoteRunDir)+"/"); ok {
			rel = inside
		}
		if prev, ok := claimed[rel]; ok {
			if prev == remotePath {
				continue
			}
			return nil, fmt.Errorf("%w: %s: %s and %s both land at %s", ErrFetch, rec.ExpName, prev, remotePath, rel)
		}
		claimed[rel] = remotePath
		items = append(items, fetchItem{remote: remotePath, local: filepath.Join(staging, filepath.FromSlash(rel))})
	}
	return items, nil
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
