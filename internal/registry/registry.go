package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	ErrRegistry = errors.New("registry: invariant violated")
	ErrNotFound = errors.New("registry: run not found")
	ErrStore    = errors.New("registry: store unavailable")
)

// Store persists the whole run collection at once.
// Save must either fully replace the stored collection or leave it untouched.
type Store interface {
	Load() ([]RunRecord, error)
	Save(records []RunRecord) error
	Close() error
}

// Registry is the in-process view of one workspace's runs, keyed by experiment name.
// Every mutation is persisted before it becomes visible.
type Registry struct {
	mu      sync.Mutex
	store   Store
	records []RunRecord
	index   map[string]int
}

// Open loads the stored collection. An empty store yields an empty registry.
func Open(store Store) (*Registry, error) {
	records, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: load: %w", ErrStore, err)
	}

	r := &Registry{store: store, index: make(map[string]int, len(records))}
	for _, rec := range records {
		if _, dup := r.index[rec.ExpName]; dup {
			return nil, fmt.Errorf("%w: duplicate experiment %q in store", ErrRegistry, rec.ExpName)
		}
		r.index[rec.ExpName] = len(r.records)
		r.records = append(r.records, rec.clone())
	}
	log.Debug().Int("runs", len(r.records)).Msg("registry.open")
	return r, nil
}

// Close releases the underlying store.
func (r *Registry) Close() error {
	return r.store.Close()
}

// Len returns the number of registered runs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Upsert inserts a record or replaces the one with the same experiment name.
// The job id of an existing record never changes, and fetched is only set through MarkFetched.
func (r *Registry) Upsert(rec RunRecord) error {
	rec.ExpName = strings.TrimSpace(rec.ExpName)
	if rec.ExpName == "" {
		return fmt.Errorf("%w: experiment name is required", ErrRegistry)
	}
	if rec.State == "" {
		rec.State = StatePending
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.snapshot()
	if i, ok := r.index[rec.ExpName]; ok {
		prev := r.records[i]
		if prev.JobID != "" && rec.JobID != prev.JobID {
			return fmt.Errorf("%w: %s: job id is immutable (%s -> %s)", ErrRegistry, rec.ExpName, prev.JobID, rec.JobID)
		}
		if prev.Fetched != rec.Fetched {
			return fmt.Errorf("%w: %s: fetched flag changes only through fetch", ErrRegistry, rec.ExpName)
		}
		next[i] = rec.clone()
		return r.commit(next)
	}

	if rec.Fetched {
		return fmt.Errorf("%w: %s: new record cannot start fetched", ErrRegistry, rec.ExpName)
	}
	next = append(next, rec.clone())
	return r.commit(next)
}

// Get returns a copy of the record for expName.
func (r *Registry) Get(expName string) (RunRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[expName]
	if !ok {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrNotFound, expName)
	}
	return r.records[i].clone(), nil
}

// FindByJobID returns the record that owns jobID.
func (r *Registry) FindByJobID(jobID string) (RunRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.records {
		if rec.JobID == jobID {
			return rec.clone(), nil
		}
	}
	return RunRecord{}, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
}

// List returns records accepted by filter in insertion order. A nil filter selects all.
func (r *Registry) List(filter func(RunRecord) bool) []RunRecord {
	if filter == nil {
		filter = All
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RunRecord, 0, len(r.records))
	for _, rec := range r.records {
		if filter(rec) {
			out = append(out, rec.clone())
		}
	}
	return out
}

// SetStates records observed scheduler states for several runs in one write.
// Unknown experiment names are ignored.
func (r *Registry) SetStates(states map[string]State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.snapshot()
	changed := false
	for name, state := range states {
		i, ok := r.index[name]
		if !ok || next[i].State == state {
			continue
		}
		next[i].State = state
		changed = true
	}
	if !changed {
		return nil
	}
	return r.commit(next)
}

// MarkFetched flips fetched to true and records where results landed.
// Marking an already fetched run is a no-op that keeps the first results dir.
func (r *Registry) MarkFetched(expName string, localDir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[expName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, expName)
	}
	if r.records[i].Fetched {
		return nil
	}

	next := r.snapshot()
	next[i].Fetched = true
	next[i].LocalResultsDir = localDir
	return r.commit(next)
}

func (r *Registry) snapshot() []RunRecord {
	out := make([]RunRecord, len(r.records))
	copy(out, r.records)
	return out
}

// commit persists next and only then swaps it in. Callers hold r.mu.
func (r *Registry) commit(next []RunRecord) error {
	if err := r.store.Save(next); err != nil {
		return fmt.Errorf("%w: save: %w", ErrStore, err)
	}

	index := make(map[string]int, len(next))
	for i, rec := range next {
		index[rec.ExpName] = i
	}
	r.records = next
	r.index = index
	return nil
}
