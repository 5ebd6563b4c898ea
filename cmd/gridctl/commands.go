package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/danmuck/gridctl/internal/config"
	"github.com/danmuck/gridctl/internal/engine"
	"github.com/danmuck/gridctl/internal/grid"
	"github.com/danmuck/gridctl/internal/registry"
	"github.com/danmuck/gridctl/internal/remote"
	"github.com/rs/zerolog/log"
)

func runInit(args []string, stdout io.Writer, stderr io.Writer) error {
	fs := newFlagSet("init", stderr)
	configPath := fs.String("config", "config.yaml", "experiment config to write")
	settingsPath := fs.String("settings", "", "also write a settings template to this path")
	force := fs.Bool("force", false, "overwrite existing files")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	if err := config.WriteTemplate(*configPath, "experiment", *force); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s\n", *configPath)

	if *settingsPath != "" {
		if err := config.WriteTemplate(*settingsPath, "settings", *force); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "wrote %s\n", *settingsPath)
	}
	return nil
}

func runSubmit(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer) error {
	var common commonFlags
	fs := newFlagSet("submit", stderr)
	common.register(fs)
	noMonitor := fs.Bool("no-monitor", false, "return after submitting instead of following the logs")
	dryRun := fs.Bool("dry-run", false, "print the job scripts without connecting")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cfg, st, err := loadInputs(common)
	if err != nil {
		return err
	}
	specs, err := grid.Expand(cfg.Run.Experiments)
	if err != nil {
		return err
	}
	if *dryRun {
		return printPlan(stdout, cfg, specs)
	}

	inv, err := openInvocation(ctx, "submit", common, cfg, st, stderr)
	if err != nil {
		return err
	}
	defer inv.Close()

	report, err := inv.engine.Submit(ctx, specs)
	printSubmitReport(stdout, report)
	if err != nil {
		return err
	}
	if *noMonitor || len(report.Submitted) == 0 {
		return report.Err()
	}

	targets := make([]engine.MonitorTarget, 0, len(report.Submitted))
	for _, rec := range report.Submitted {
		targets = append(targets, engine.MonitorTarget{Record: rec})
	}
	if err := streamLogs(ctx, inv.engine, targets, stdout); err != nil {
		return err
	}
	return report.Err()
}

// printPlan renders every job script against the unexpanded base dir.
func printPlan(w io.Writer, cfg config.Config, specs []grid.ExperimentSpec) error {
	layout := engine.Layout{BaseDir: cfg.Remote.BaseDir, VenvDir: cfg.Remote.VenvDir}
	if !path.IsAbs(layout.VenvDir) {
		layout.VenvDir = path.Join(layout.BaseDir, layout.VenvDir)
	}
	for _, exp := range specs {
		script, err := engine.RenderJobScript(cfg.Slurm.Directives, cfg.Run.Command, exp.Name, exp.Params, layout)
		if err != nil {
			return fmt.Errorf("%s: %w", exp.Name, err)
		}
		fmt.Fprintf(w, "# %s -> %s\n%s\n", exp.Name, script.Path(), script.String())
	}
	fmt.Fprintf(w, "%d experiment(s)\n", len(specs))
	return nil
}

func runMonitor(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer) error {
	var common commonFlags
	var exps, jobs stringList
	fs := newFlagSet("monitor", stderr)
	common.register(fs)
	fs.Var(&exps, "exp", "experiment name to follow (repeatable)")
	fs.Var(&jobs, "job", "job id to follow (repeatable)")
	fromStart := fs.Bool("from-start", false, "print the whole log before following")
	lines := fs.Int("lines", -1, "print the last N lines before following (default from settings tail_lines)")
	offset := fs.Int64("offset", 0, "resume at this byte offset (single run only)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if len(exps)+len(jobs) == 0 {
		return fmt.Errorf("%w: monitor needs --exp or --job", errUsage)
	}
	if *offset < 0 {
		return fmt.Errorf("%w: --offset must be >= 0", errUsage)
	}
	if *offset > 0 && len(exps)+len(jobs) > 1 {
		return fmt.Errorf("%w: --offset applies to a single run", errUsage)
	}

	cfg, st, err := loadInputs(common)
	if err != nil {
		return err
	}
	inv, err := openInvocation(ctx, "monitor", common, cfg, st, stderr)
	if err != nil {
		return err
	}
	defer inv.Close()

	start := remote.TailOptions{Offset: *offset, FromStart: *fromStart, Lines: st.TailLines}
	if *lines >= 0 {
		start.Lines = *lines
	}

	targets, err := resolveTargets(inv.reg, exps, jobs, start)
	if err != nil {
		return err
	}
	return streamLogs(ctx, inv.engine, targets, stdout)
}

// resolveTargets looks up each run once, keeping the order given on the command line.
func resolveTargets(reg *registry.Registry, exps []string, jobs []string, start remote.TailOptions) ([]engine.MonitorTarget, error) {
	var targets []engine.MonitorTarget
	seen := make(map[string]bool)
	add := func(rec registry.RunRecord) {
		if seen[rec.ExpName] {
			return
		}
		seen[rec.ExpName] = true
		targets = append(targets, engine.MonitorTarget{Record: rec, Start: start})
	}

	for _, name := range exps {
		rec, err := reg.Get(name)
		if err != nil {
			return nil, err
		}
		add(rec)
	}
	for _, id := range jobs {
		rec, err := reg.FindByJobID(id)
		if err != nil {
			return nil, err
		}
		add(rec)
	}
	return targets, nil
}

// streamLogs prints lines until every stream ended, then one notice per stream.
func streamLogs(ctx context.Context, eng *engine.Engine, targets []engine.MonitorTarget, stdout io.Writer) error {
	prefix := len(targets) > 1
	out := make(chan engine.Line, 64)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for line := range out {
			if prefix {
				fmt.Fprintf(stdout, "[%s] %s\n", line.ExpName, line.Text)
				continue
			}
			fmt.Fprintln(stdout, line.Text)
		}
	}()

	results, err := eng.Monitor(ctx, targets, out)
	close(out)
	wg.Wait()

	for _, res := range results {
		printStreamEnd(stdout, res)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printStreamEnd(w io.Writer, res engine.StreamResult) {
	switch res.Reason {
	case engine.EndFinished:
		fmt.Fprintf(w, "%s: job %s %s\n", res.ExpName, res.JobID, res.State)
	case engine.EndMissing:
		fmt.Fprintf(w, "%s: log file is gone, stopped following\n", res.ExpName)
	case engine.EndCancelled, engine.EndClosed:
		if res.Offset >= 0 {
			fmt.Fprintf(w, "%s: detached, resume with --exp %s --offset %d\n", res.ExpName, res.ExpName, res.Offset)
		} else if res.ExpName != "" {
			fmt.Fprintf(w, "%s: detached\n", res.ExpName)
		}
	}
	if res.Err != nil && res.Reason != engine.EndMissing {
		log.Warn().Err(res.Err).Str("exp", res.ExpName).Msg("gridctl.monitor stream error")
	}
}

func runStatus(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer) error {
	var common commonFlags
	fs := newFlagSet("status", stderr)
	common.register(fs)
	all := fs.Bool("all", false, "include fetched runs")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cfg, st, err := loadInputs(common)
	if err != nil {
		return err
	}
	inv, err := openInvocation(ctx, "status", common, cfg, st, stderr)
	if err != nil {
		return err
	}
	defer inv.Close()

	records, err := inv.engine.Refresh(ctx, *all)
	if err != nil {
		return err
	}
	renderStatus(stdout, records, time.Now())
	return nil
}

func runFetch(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer) error {
	var common commonFlags
	fs := newFlagSet("fetch", stderr)
	common.register(fs)
	exp := fs.String("exp", "", "fetch only this experiment")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cfg, st, err := loadInputs(common)
	if err != nil {
		return err
	}
	inv, err := openInvocation(ctx, "fetch", common, cfg, st, stderr)
	if err != nil {
		return err
	}
	defer inv.Close()

	report, err := inv.engine.Fetch(ctx, *exp)
	printFetchReport(stdout, report)
	if err != nil {
		return err
	}
	return report.Err()
}

func runCancel(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer) error {
	var common commonFlags
	fs := newFlagSet("cancel", stderr)
	common.register(fs)
	exp := fs.String("exp", "", "experiment to cancel")
	job := fs.String("job", "", "job id to cancel")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if (*exp == "") == (*job == "") {
		return fmt.Errorf("%w: cancel needs exactly one of --exp or --job", errUsage)
	}

	cfg, st, err := loadInputs(common)
	if err != nil {
		return err
	}
	inv, err := openInvocation(ctx, "cancel", common, cfg, st, stderr)
	if err != nil {
		return err
	}
	defer inv.Close()

	res, err := inv.engine.Cancel(ctx, *exp, *job)
	if err != nil {
		return err
	}
	if res.Registered {
		fmt.Fprintf(stdout, "cancelled %s (job %s)\n", res.ExpName, res.JobID)
	} else {
		fmt.Fprintf(stdout, "cancelled job %s (not in registry)\n", res.JobID)
	}
	return nil
}
