package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/danmuck/gridctl/internal/grid"
	"github.com/danmuck/gridctl/internal/registry"
	"github.com/danmuck/gridctl/internal/remote"
	"github.com/danmuck/gridctl/internal/testutil/testlog"
)

func expand(t *testing.T, e *Engine) []grid.ExperimentSpec {
	t.Helper()
	specs, err := grid.Expand(e.cfg.Run.Experiments)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	return specs
}

func sbatchResponder(firstID int, fail map[int]bool) func(string) (remote.Result, error) {
	n := 0
	return func(cmd string) (remote.Result, error) {
		if !strings.Contains(cmd, "'sbatch'") {
			return remote.Result{}, nil
		}
		n++
		if fail[n] {
			return remote.Result{ExitCode: 1, Stderr: []byte("sbatch: error: invalid partition")}, nil
		}
		return remote.Result{Stdout: []byte(fmt.Sprintf("Submitted batch job %d\n", firstID+n-1))}, nil
	}
}

func TestSubmitRecordsEveryExperiment(t *testing.T) {
	testlog.Start(t)
	r := newFakeRemote()
	r.respond = sbatchResponder(101, nil)
	e, reg, _ := newTestEngine(t, r, mustConfig(t, testConfig))

	report, err := e.Submit(context.Background(), expand(t, e))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(report.Submitted) != 2 || len(report.Failed) != 0 || report.Err() != nil {
		t.Fatalf("unexpected report: %+v", report)
	}

	rec, err := reg.Get("exp_lr_0.1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.JobID != "101" || rec.State != registry.StatePending || rec.RemoteRunDir != "/home/u/experiments/runs/exp_lr_0.1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.LogPath != "/home/u/experiments/runs/exp_lr_0.1/stdout.log" || rec.Params["lr"] != "0.1" {
		t.Fatalf("unexpected record details: %+v", rec)
	}
	second, _ := reg.Get("exp_lr_0.01")
	if second.JobID != "102" {
		t.Fatalf("unexpected second job id: %s", second.JobID)
	}

	script := string(r.written["/home/u/experiments/runs/exp_lr_0.01/job.sh"])
	if !strings.Contains(script, "python train.py --lr 0.01 --out exp_lr_0.01.pth") {
		t.Fatalf("unexpected job script:\n%s", script)
	}
	if r.perms["/home/u/experiments/runs/exp_lr_0.01/job.sh"] != 0o755 {
		t.Fatalf("job script must be executable")
	}

	if len(r.once) != 2 {
		t.Fatalf("only sbatch should run without replay, got %v", r.once)
	}
	for _, cmd := range r.once {
		if !strings.HasPrefix(cmd, "cd '/home/u/experiments' && 'sbatch' ") {
			t.Fatalf("unexpected submit command: %s", cmd)
		}
	}
	if len(r.ranMatching("'-m' 'venv'")) != 1 {
		t.Fatalf("venv must be created once per invocation: %v", r.ran())
	}
	if len(r.ranMatching("'pip' 'install' '-r' '/home/u/experiments/requirements.txt'")) != 1 {
		t.Fatalf("requirements must be installed: %v", r.ran())
	}
	if len(r.uploads) != 2 || r.uploads[0] != [2]string{"train.py", "/home/u/experiments/train.py"} {
		t.Fatalf("unexpected uploads: %v", r.uploads)
	}
}

func TestSubmitOrdersPendingMarkerBeforeSbatch(t *testing.T) {
	testlog.Start(t)
	r := newFakeRemote()
	r.respond = sbatchResponder(7, nil)
	cfg := mustConfig(t, `
remote:
  base_dir: /scratch/exp
  setup:
    create_venv: false
run:
  command: echo {x}
  experiments:
    - {x: 1}
`)
	e, _, _ := newTestEngine(t, r, cfg)
	if _, err := e.Submit(context.Background(), expand(t, e)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	var order []string
	for _, cmd := range r.ran() {
		switch {
		case strings.HasPrefix(cmd, "write "):
			order = append(order, "write")
		case strings.Contains(cmd, ".pending"):
			order = append(order, "pending")
		case strings.Contains(cmd, "'sbatch'"):
			order = append(order, "sbatch")
		}
	}
	if strings.Join(order, ",") != "write,pending,sbatch" {
		t.Fatalf("unexpected order: %v", order)
	}
	if len(r.ranMatching("venv")) != 0 {
		t.Fatalf("venv disabled but setup ran: %v", r.ran())
	}
}

func TestSubmitContinuesPastFailedExperiment(t *testing.T) {
	testlog.Start(t)
	r := newFakeRemote()
	r.respond = sbatchResponder(200, map[int]bool{1: true})
	e, reg, _ := newTestEngine(t, r, mustConfig(t, testConfig))

	report, err := e.Submit(context.Background(), expand(t, e))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(report.Failed) != 1 || report.Failed[0].ExpName != "exp_lr_0.1" {
		t.Fatalf("unexpected failures: %+v", report.Failed)
	}
	if !errors.Is(report.Err(), ErrSubmission) {
		t.Fatalf("expected ErrSubmission, got %v", report.Err())
	}
	if _, err := reg.Get("exp_lr_0.1"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("failed experiment must not be recorded, got %v", err)
	}
	if rec, err := reg.Get("exp_lr_0.01"); err != nil || rec.JobID != "201" {
		t.Fatalf("successful experiment must be recorded: %+v %v", rec, err)
	}
}

func TestSubmitUnparseableJobIDIsSubmissionError(t *testing.T) {
	testlog.Start(t)
	r := newFakeRemote()
	r.respond = func(cmd string) (remote.Result, error) {
		if strings.Contains(cmd, "'sbatch'") {
			return remote.Result{Stdout: []byte("queued, no id")}, nil
		}
		return remote.Result{}, nil
	}
	e, reg, _ := newTestEngine(t, r, mustConfig(t, testConfig))

	report, err := e.Submit(context.Background(), expand(t, e))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(report.Failed) != 2 || !errors.Is(report.Failed[0].Err, ErrSubmission) {
		t.Fatalf("unexpected report: %+v", report)
	}
	if reg.Len() != 0 {
		t.Fatalf("nothing should be recorded")
	}
}

func TestSubmitTemplateErrorAbortsBeforeRemoteWork(t *testing.T) {
	testlog.Start(t)
	r := newFakeRemote()
	cfg := mustConfig(t, strings.Replace(testConfig, "{exp_name}.pth", "{missing}.pth", 1))
	e, reg, _ := newTestEngine(t, r, cfg)

	_, err := e.Submit(context.Background(), expand(t, e))
	if !errors.Is(err, ErrTemplate) {
		t.Fatalf("expected ErrTemplate, got %v", err)
	}
	if len(r.ran()) != 0 {
		t.Fatalf("no remote command may run: %v", r.ran())
	}
	if reg.Len() != 0 {
		t.Fatalf("nothing should be recorded")
	}
}

func TestSubmitSkipsRegisteredExperiments(t *testing.T) {
	testlog.Start(t)
	r := newFakeRemote()
	r.respond = sbatchResponder(300, nil)
	e, reg, _ := newTestEngine(t, r, mustConfig(t, testConfig))
	seedRecord(t, reg, "exp_lr_0.1", "99", registry.StateRunning)

	report, err := e.Submit(context.Background(), expand(t, e))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(report.Skipped) != 1 || report.Skipped[0] != "exp_lr_0.1" || len(report.Submitted) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if rec, _ := reg.Get("exp_lr_0.1"); rec.JobID != "99" {
		t.Fatalf("existing record changed: %+v", rec)
	}
	// workspace already used and python present: no venv bootstrap
	if len(r.ranMatching("'-m' 'venv'")) != 0 {
		t.Fatalf("venv must not be recreated: %v", r.ran())
	}
	if len(r.ranMatching("'test' '-x' '/home/u/experiments/venv/bin/python'")) != 1 {
		t.Fatalf("venv must be verified: %v", r.ran())
	}
}

func TestSubmitSessionLossAbortsBatch(t *testing.T) {
	testlog.Start(t)
	r := newFakeRemote()
	r.respond = func(cmd string) (remote.Result, error) {
		if strings.Contains(cmd, "'sbatch'") {
			return remote.Result{}, fmt.Errorf("%w: run: connection reset", remote.ErrSession)
		}
		return remote.Result{}, nil
	}
	e, reg, _ := newTestEngine(t, r, mustConfig(t, testConfig))

	report, err := e.Submit(context.Background(), expand(t, e))
	if !errors.Is(err, remote.ErrSession) {
		t.Fatalf("expected ErrSession, got %v", err)
	}
	if len(r.once) != 1 {
		t.Fatalf("batch must stop at the first lost sbatch: %v", r.once)
	}
	if len(report.Submitted) != 0 || reg.Len() != 0 {
		t.Fatalf("nothing should be recorded: %+v", report)
	}
}

func TestSubmitPushesToRunDir(t *testing.T) {
	testlog.Start(t)
	r := newFakeRemote()
	r.respond = sbatchResponder(1, nil)
	cfg := mustConfig(t, strings.Replace(testConfig, "push: [train.py]", "push: [train.py, data/input.csv]\n  push_to: run", 1))
	e, _, _ := newTestEngine(t, r, cfg)

	if _, err := e.Submit(context.Background(), expand(t, e)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	want := map[string]bool{
		"/home/u/experiments/runs/exp_lr_0.1/train.py":        true,
		"/home/u/experiments/runs/exp_lr_0.1/data/input.csv":  true,
		"/home/u/experiments/runs/exp_lr_0.01/train.py":       true,
		"/home/u/experiments/runs/exp_lr_0.01/data/input.csv": true,
		"/home/u/experiments/requirements.txt":                true,
	}
	if len(r.uploads) != len(want) {
		t.Fatalf("unexpected uploads: %v", r.uploads)
	}
	for _, u := range r.uploads {
		if !want[u[1]] {
			t.Fatalf("unexpected upload destination: %v", u)
		}
	}
}

func TestPushDest(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"train.py":           "/b/train.py",
		"./src/model.py":     "/b/src/model.py",
		"/abs/path/data.csv": "/b/data.csv",
		"../outside.txt":     "/b/outside.txt",
	}
	for in, want := range cases {
		if got := pushDest("/b", in); got != want {
			t.Fatalf("unexpected dest for %q: %s", in, got)
		}
	}
}

func TestSubmitCancelAfterSbatchRecordsJobAndStops(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := newFakeRemote()
	submit := sbatchResponder(301, nil)
	r.respond = func(cmd string) (remote.Result, error) {
		res, err := submit(cmd)
		if strings.Contains(cmd, "'sbatch'") {
			cancel()
		}
		return res, err
	}
	e, reg, _ := newTestEngine(t, r, mustConfig(t, testConfig))

	report, err := e.Submit(ctx, expand(t, e))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(report.Submitted) != 1 || len(report.Failed) != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	rec, err := reg.Get("exp_lr_0.1")
	if err != nil || rec.JobID != "301" {
		t.Fatalf("submitted job must be recorded: %+v (%v)", rec, err)
	}
	if _, err := reg.Get("exp_lr_0.01"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("second experiment must not be attempted, got %v", err)
	}
	if len(r.once) != 1 {
		t.Fatalf("unexpected sbatch calls: %v", r.once)
	}
}

func TestFatalIncludesCancellation(t *testing.T) {
	for _, err := range []error{context.Canceled, context.DeadlineExceeded, fmt.Errorf("mkdir: %w", context.Canceled)} {
		if !fatal(err) {
			t.Fatalf("expected fatal: %v", err)
		}
	}
	if fatal(ErrSubmission) {
		t.Fatalf("submission errors are per experiment")
	}
}
