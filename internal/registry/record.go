package registry

import (
	"strings"
	"time"
)

// State is the last scheduler state observed for a run. It is advisory; the scheduler is ground truth.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
	StateUnknown   State = "UNKNOWN"
)

// Terminal reports whether the run can no longer change state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// ParseState maps stored text back to a State, defaulting to StateUnknown.
func ParseState(raw string) State {
	switch s := State(strings.ToUpper(strings.TrimSpace(raw))); s {
	case StatePending, StateRunning, StateCompleted, StateFailed, StateCancelled:
		return s
	default:
		return StateUnknown
	}
}

// RunRecord is the local view of one submitted experiment.
type RunRecord struct {
	ExpName         string            `json:"exp_name"`
	JobID           string            `json:"job_id"`
	RemoteRunDir    string            `json:"remote_run_dir"`
	LogPath         string            `json:"log_path,omitempty"`
	Params          map[string]string `json:"params,omitempty"`
	SubmittedAt     time.Time         `json:"submitted_at"`
	State           State             `json:"last_known_state"`
	Fetched         bool              `json:"fetched"`
	LocalResultsDir string            `json:"local_results_dir,omitempty"`
}

func (r RunRecord) clone() RunRecord {
	if r.Params != nil {
		params := make(map[string]string, len(r.Params))
		for k, v := range r.Params {
			params[k] = v
		}
		r.Params = params
	}
	return r
}

// Unfetched selects runs whose results have not been downloaded.
func Unfetched(r RunRecord) bool {
	return !r.Fetched
}

// All selects every run.
func All(RunRecord) bool {
	return true
}
