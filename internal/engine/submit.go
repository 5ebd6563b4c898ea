package engine

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/danmuck/gridctl/internal/config"
	"github.com/danmuck/gridctl/internal/grid"
	"github.com/danmuck/gridctl/internal/registry"
	"github.com/danmuck/gridctl/internal/remote"
	"github.com/danmuck/gridctl/internal/slurm"
	"github.com/rs/zerolog/log"
)

// SubmitFailure is one experiment that could not be submitted.
type SubmitFailure struct {
	ExpName string
	Err     error
}

// SubmitReport summarizes one submission batch.
type SubmitReport struct {
	Submitted []registry.RunRecord
	Skipped   []string
	Failed    []SubmitFailure
}

// Err joins per-experiment failures, or returns nil.
func (r SubmitReport) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, fmt.Errorf("%s: %w", f.ExpName, f.Err))
	}
	return errors.Join(errs...)
}

// PlannedRun is one experiment with its rendered job script.
type PlannedRun struct {
	Exp    grid.ExperimentSpec
	Script JobScript
}

// Plan renders the job script of every experiment not yet in the registry.
// Any unresolved placeholder fails the whole plan before remote state is touched.
func (e *Engine) Plan(specs []grid.ExperimentSpec) ([]PlannedRun, []string, error) {
	var (
		plans   []PlannedRun
		skipped []string
	)
	for _, exp := range specs {
		if _, err := e.reg.Get(exp.Name); err == nil {
			skipped = append(skipped, exp.Name)
			continue
		}
		script, err := RenderJobScript(e.cfg.Slurm.Directives, e.cfg.Run.Command, exp.Name, exp.Params, e.layout)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", exp.Name, err)
		}
		plans = append(plans, PlannedRun{Exp: exp, Script: script})
	}
	return plans, skipped, nil
}

// Submit submits every experiment not already registered. Failures of one experiment are
// reported and the batch continues; connection and registry failures abort it.
func (e *Engine) Submit(ctx context.Context, specs []grid.ExperimentSpec) (SubmitReport, error) {
	var report SubmitReport

	plans, skipped, err := e.Plan(specs)
	if err != nil {
		return report, err
	}
	report.Skipped = skipped
	for _, name := range skipped {
		log.Info().Str("exp", name).Msg("engine.submit already registered, skipping")
	}
	if len(plans) == 0 {
		return report, nil
	}

	if err := e.PrepareBase(ctx, e.reg.Len() == 0); err != nil {
		return report, err
	}

	for _, plan := range plans {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rec, err := e.submitOne(ctx, plan)
		if err != nil {
			if fatal(err) {
				return report, err
			}
			log.Error().Err(err).Str("exp", plan.Exp.Name).Msg("engine.submit failed")
			report.Failed = append(report.Failed, SubmitFailure{ExpName: plan.Exp.Name, Err: err})
			continue
		}
		report.Submitted = append(report.Submitted, rec)
	}
	return report, nil
}

func (e *Engine) submitOne(ctx context.Context, plan PlannedRun) (registry.RunRecord, error) {
	name := plan.Exp.Name
	runDir := plan.Script.RunDir

	if err := e.runStep(ctx, ErrSubmission, "create run dir", remote.JoinCommand("mkdir", "-p", runDir)); err != nil {
		return registry.RunRecord{}, err
	}
	if e.cfg.Files.PushTo == config.PushToRun {
		for _, local := range e.cfg.Files.Push {
			if err := e.push(ctx, local, runDir); err != nil {
				return registry.RunRecord{}, fmt.Errorf("%w: %w", ErrSubmission, err)
			}
		}
	}
	if err := e.remote.WriteFile(ctx, plan.Script.Path(), []byte(plan.Script.String()), 0o755); err != nil {
		return registry.RunRecord{}, fmt.Errorf("%w: write %s: %w", ErrSubmission, plan.Script.Path(), err)
	}
	if err := e.runStep(ctx, ErrSubmission, "mark pending", remote.JoinCommand("touch", path.Join(runDir, MarkerPending))); err != nil {
		return registry.RunRecord{}, err
	}

	res, err := e.remote.RunOnce(ctx, slurm.SubmitCommand(e.layout.BaseDir, plan.Script.Path()))
	if err != nil {
		if errors.Is(err, remote.ErrSession) || ctx.Err() != nil {
			log.Warn().Err(err).Str("exp", name).Msg("engine.submit sbatch interrupted, outcome unknown; check squeue before resubmitting")
		}
		return registry.RunRecord{}, err
	}
	if res.ExitCode != 0 {
		return registry.RunRecord{}, commandError(ErrSubmission, "sbatch", res)
	}
	jobID, err := slurm.ParseJobID(string(res.Stdout))
	if err != nil {
		return registry.RunRecord{}, fmt.Errorf("%w: %w", ErrSubmission, err)
	}

	rec := registry.RunRecord{
		ExpName:      name,
		JobID:        jobID,
		RemoteRunDir: runDir,
		LogPath:      plan.Script.LogPath(),
		Params:       plan.Exp.Params,
		SubmittedAt:  e.opts.Now().UTC(),
		State:        registry.StatePending,
	}
	if err := e.reg.Upsert(rec); err != nil {
		log.Error().Err(err).Str("exp", name).Str("job_id", jobID).Msg("engine.submit job submitted but not recorded")
		return registry.RunRecord{}, err
	}
	log.Info().Str("exp", name).Str("job_id", jobID).Msg("engine.submit submitted")
	return rec, nil
}
