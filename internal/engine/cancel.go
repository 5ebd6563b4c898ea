package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/gridctl/internal/registry"
	"github.com/danmuck/gridctl/internal/slurm"
	"github.com/rs/zerolog/log"
)

// CancelResult describes what a cancel request acted on.
type CancelResult struct {
	ExpName    string
	JobID      string
	Registered bool
}

// Cancel resolves expName or jobID and asks the scheduler to cancel the job.
// A registered run is marked CANCELLED even if it had already finished.
// A job id unknown to the registry is still cancelled; no record changes.
func (e *Engine) Cancel(ctx context.Context, expName string, jobID string) (CancelResult, error) {
	expName = strings.TrimSpace(expName)
	jobID = strings.TrimSpace(jobID)

	var result CancelResult
	switch {
	case expName != "":
		rec, err := e.reg.Get(expName)
		if err != nil {
			return result, err
		}
		result = CancelResult{ExpName: rec.ExpName, JobID: rec.JobID, Registered: true}
	case jobID != "":
		rec, err := e.reg.FindByJobID(jobID)
		switch {
		case err == nil:
			result = CancelResult{ExpName: rec.ExpName, JobID: rec.JobID, Registered: true}
		case errors.Is(err, registry.ErrNotFound):
			result = CancelResult{JobID: jobID}
		default:
			return result, err
		}
	default:
		return result, fmt.Errorf("%w: experiment name or job id is required", ErrCancel)
	}

	res, err := e.remote.Run(ctx, slurm.CancelCommand(result.JobID))
	if err != nil {
		return result, err
	}
	if !slurm.CancelAcknowledged(res.ExitCode, combined(res)) {
		return result, commandError(ErrCancel, "scancel "+result.JobID, res)
	}

	if result.Registered {
		if err := e.reg.SetStates(map[string]registry.State{result.ExpName: registry.StateCancelled}); err != nil {
			return result, err
		}
	}
	log.Info().Str("exp", result.ExpName).Str("job_id", result.JobID).Bool("registered", result.Registered).Msg("engine.cancel cancelled")
	return result, nil
}
