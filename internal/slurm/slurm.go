package slurm

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/gridctl/internal/registry"
	"github.com/danmuck/gridctl/internal/remote"
)

var ErrNoJobID = errors.New("slurm: no job id in sbatch output")

// SubmitCommand submits script with base as the working directory.
func SubmitCommand(baseDir, script string) string {
	return "cd " + remote.Quote(baseDir) + " && " + remote.JoinCommand("sbatch", script)
}

// ParseJobID returns the first all-digit token of an sbatch acknowledgment.
// Both "Submitted batch job 123" and the --parsable "123;cluster" forms are accepted.
func ParseJobID(output string) (string, error) {
	for _, field := range strings.Fields(output) {
		token, _, _ := strings.Cut(field, ";")
		if isDigits(token) {
			return token, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrNoJobID, strings.TrimSpace(output))
}

// QueueCommand asks squeue for the state of every id in one round-trip.
func QueueCommand(jobIDs []string) string {
	return remote.JoinCommand("squeue", "-h", "-j", strings.Join(jobIDs, ","), "-o", "%i|%T")
}

// AccountingCommand asks sacct for the final allocation state of jobs that left the queue.
func AccountingCommand(jobIDs []string) string {
	return remote.JoinCommand("sacct", "-n", "-X", "-P", "-j", strings.Join(jobIDs, ","), "-o", "JobID,State")
}

// CancelCommand cancels one job.
func CancelCommand(jobID string) string {
	return remote.JoinCommand("scancel", jobID)
}

// ParseStates reads "id|STATE" lines, as produced by QueueCommand and AccountingCommand.
// Array steps such as "123_4" and malformed lines are skipped.
func ParseStates(output string) map[string]registry.State {
	out := make(map[string]registry.State)
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		id, state, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "|")
		if !ok || !isDigits(id) {
			continue
		}
		out[id] = MapState(state)
	}
	return out
}

// QueueGone reports whether a failed squeue only complained that the ids are no longer known.
func QueueGone(exitCode int, output string) bool {
	return exitCode != 0 && strings.Contains(strings.ToLower(output), "invalid job id")
}

// CancelAcknowledged reports whether scancel accepted the request. Cancelling a job that
// already finished is acknowledged, not a failure.
func CancelAcknowledged(exitCode int, output string) bool {
	if exitCode == 0 {
		return true
	}
	lower := strings.ToLower(output)
	return strings.Contains(lower, "already completing or completed") || strings.Contains(lower, "invalid job id")
}

// MapState folds a scheduler state name into the registry enum.
// sacct suffixes such as "CANCELLED by 1000" or "FAILED+" are tolerated.
func MapState(raw string) registry.State {
	name := strings.ToUpper(strings.TrimSpace(raw))
	if i := strings.IndexAny(name, " +"); i >= 0 {
		name = name[:i]
	}

	switch name {
	case "PENDING", "CONFIGURING", "REQUEUED", "REQUEUE_HOLD", "REQUEUE_FED", "RESV_DEL_HOLD":
		return registry.StatePending
	case "RUNNING", "COMPLETING", "STAGE_OUT", "SIGNALING", "RESIZING", "SUSPENDED", "STOPPED":
		return registry.StateRunning
	case "COMPLETED":
		return registry.StateCompleted
	case "FAILED", "TIMEOUT", "NODE_FAIL", "OUT_OF_MEMORY", "BOOT_FAIL", "DEADLINE", "PREEMPTED", "SPECIAL_EXIT":
		return registry.StateFailed
	case "CANCELLED", "REVOKED":
		return registry.StateCancelled
	default:
		return registry.StateUnknown
	}
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
