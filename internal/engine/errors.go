package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/gridctl/internal/registry"
	"github.com/danmuck/gridctl/internal/remote"
)

var (
	ErrTemplate    = errors.New("engine: unresolved template")
	ErrSetup       = errors.New("engine: environment setup failed")
	ErrSubmission  = errors.New("engine: submission failed")
	ErrScheduler   = errors.New("engine: scheduler query failed")
	ErrFetch       = errors.New("engine: fetch failed")
	ErrNotFinished = errors.New("engine: run not finished")
	ErrCancel      = errors.New("engine: cancel rejected")
)

// FetchError lists the requested files that were absent remotely for one run.
type FetchError struct {
	ExpName string
	Missing []string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %s: missing remote files: %s", ErrFetch, e.ExpName, strings.Join(e.Missing, ", "))
}

func (e *FetchError) Unwrap() error {
	return ErrFetch
}

// fatal reports errors that abort a whole batch rather than one experiment.
// Cancellation aborts the batch too.
func fatal(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, remote.ErrSession) ||
		errors.Is(err, remote.ErrConnect) ||
		errors.Is(err, remote.ErrAuth) ||
		errors.Is(err, remote.ErrClosed) ||
		errors.Is(err, registry.ErrRegistry) ||
		errors.Is(err, registry.ErrStore)
}

func commandError(sentinel error, what string, res remote.Result) error {
	return fmt.Errorf("%w: %s exit=%d stdout=%q stderr=%q",
		sentinel,
		what,
		res.ExitCode,
		strings.TrimSpace(string(res.Stdout)),
		strings.TrimSpace(string(res.Stderr)),
	)
}

func combined(res remote.Result) string {
	return string(res.Stdout) + "\n" + string(res.Stderr)
}
