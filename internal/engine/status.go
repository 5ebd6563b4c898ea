package engine

import (
	"context"
	"path"

	"github.com/danmuck/gridctl/internal/registry"
	"github.com/danmuck/gridctl/internal/slurm"
	"github.com/rs/zerolog/log"
)

// Probe asks the scheduler for the state of every non-terminal record without writing the registry.
// Jobs the queue no longer reports are resolved from their exit marker, then from accounting,
// and otherwise reported UNKNOWN. Terminal records are not queried.
func (e *Engine) Probe(ctx context.Context, records []registry.RunRecord) (map[string]registry.State, error) {
	states := make(map[string]registry.State)
	byJob := make(map[string]registry.RunRecord)
	var ids []string
	for _, rec := range records {
		if rec.JobID == "" || rec.State.Terminal() {
			continue
		}
		if _, dup := byJob[rec.JobID]; dup {
			continue
		}
		byJob[rec.JobID] = rec
		ids = append(ids, rec.JobID)
	}
	if len(ids) == 0 {
		return states, nil
	}

	res, err := e.remote.Run(ctx, slurm.QueueCommand(ids))
	if err != nil {
		return nil, err
	}
	queued := map[string]registry.State{}
	switch {
	case res.ExitCode == 0:
		queued = slurm.ParseStates(string(res.Stdout))
	case slurm.QueueGone(res.ExitCode, combined(res)):
	default:
		return nil, commandError(ErrScheduler, "squeue", res)
	}

	var gone []registry.RunRecord
	for _, id := range ids {
		rec := byJob[id]
		if state, ok := queued[id]; ok {
			states[rec.ExpName] = state
			continue
		}
		gone = append(gone, rec)
	}
	if len(gone) == 0 {
		return states, nil
	}

	dirs := make([]string, len(gone))
	for i, rec := range gone {
		dirs[i] = rec.RemoteRunDir
	}
	codes, err := e.exitCodes(ctx, dirs)
	if err != nil {
		return nil, err
	}

	var unresolved []registry.RunRecord
	for _, rec := range gone {
		code, ok := codes[path.Clean(rec.RemoteRunDir)]
		switch {
		case !ok:
			unresolved = append(unresolved, rec)
		case code == 0:
			states[rec.ExpName] = registry.StateCompleted
		default:
			states[rec.ExpName] = registry.StateFailed
		}
	}

	accounted := e.accounting(ctx, unresolved)
	for _, rec := range unresolved {
		if state, ok := accounted[rec.JobID]; ok {
			states[rec.ExpName] = state
			continue
		}
		states[rec.ExpName] = registry.StateUnknown
	}
	return states, nil
}

// accounting is best effort: clusters without slurmdbd simply yield nothing.
func (e *Engine) accounting(ctx context.Context, records []registry.RunRecord) map[string]registry.State {
	if len(records) == 0 {
		return nil
	}
	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.JobID
	}
	res, err := e.remote.Run(ctx, slurm.AccountingCommand(ids))
	if err != nil || res.ExitCode != 0 {
		log.Debug().Err(err).Int("exit", res.ExitCode).Msg("engine.status sacct unavailable")
		return nil
	}
	return slurm.ParseStates(string(res.Stdout))
}

// Refresh reconciles scheduler state into the registry and returns the selected records.
// Unfetched records are selected unless all is set. Records are never removed.
func (e *Engine) Refresh(ctx context.Context, all bool) ([]registry.RunRecord, error) {
	filter := registry.Unfetched
	if all {
		filter = registry.All
	}

	states, err := e.Probe(ctx, e.reg.List(filter))
	if err != nil {
		return nil, err
	}
	if err := e.reg.SetStates(states); err != nil {
		return nil, err
	}
	log.Debug().Int("updated", len(states)).Msg("engine.status refreshed")
	return e.reg.List(filter), nil
}
