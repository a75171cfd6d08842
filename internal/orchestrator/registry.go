package orchestrator

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the in-memory run table. Runs are never deleted; the active set
// holds the ids of runs still in StatusRunning.
//
// Reads copy out under the registry lock. Each run also has a transition
// mutex that serializes its mutators (GetStatus, Stop) across sandbox calls
// without holding the registry lock, so work on one run never blocks another.
type Registry struct {
	mu      sync.RWMutex
	runs    map[string]*entry
	active  map[string]struct{}
	seq     int
	pending int // admitted submissions not yet committed
}

type entry struct {
	transition sync.Mutex
	run        Run // guarded by Registry.mu
}

// NewRegistry creates an empty run table.
func NewRegistry() *Registry {
	return &Registry{
		runs:   make(map[string]*entry),
		active: make(map[string]struct{}),
	}
}

// reserve admits one submission under the concurrency ceiling and allocates
// its run id. The caller must follow with commit or release.
func (r *Registry) reserve(limit int) (string, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.active) + r.pending; limit > 0 && n >= limit {
		return "", 0, fmt.Errorf("%w: %d of %d runs active", ErrCapacityExceeded, n, limit)
	}
	r.pending++
	r.seq++
	return fmt.Sprintf("run_%d", r.seq), r.seq, nil
}

// release abandons a reservation. The run id is not reused.
func (r *Registry) release() {
	r.mu.Lock()
	r.pending--
	r.mu.Unlock()
}

// commit publishes a reserved run as active.
func (r *Registry) commit(run Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending--
	r.runs[run.ID] = &entry{run: run}
	if run.Status == StatusRunning {
		r.active[run.ID] = struct{}{}
	}
}

func (r *Registry) entry(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.runs[id]
	return e, ok
}

// Get returns a copy of the run.
func (r *Registry) Get(id string) (Run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.runs[id]
	if !ok {
		return Run{}, false
	}
	return e.run, true
}

// update applies fn to the stored run and maintains the active set.
// Callers hold the run's transition mutex.
func (r *Registry) update(e *entry, fn func(*Run)) Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&e.run)
	if e.run.Status.Terminal() {
		delete(r.active, e.run.ID)
	}
	return e.run
}

// List returns copies of all runs, newest first. Runs started at the same
// instant are ordered by submission, latest first.
func (r *Registry) List(status *Status) []Run {
	r.mu.RLock()
	out := make([]Run, 0, len(r.runs))
	for _, e := range r.runs {
		if status != nil && e.run.Status != *status {
			continue
		}
		out = append(out, e.run)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].seq > out[j].seq
	})
	return out
}

// Active returns the ids of active runs in submission order.
func (r *Registry) Active() []string {
	r.mu.RLock()
	type item struct {
		id  string
		seq int
	}
	items := make([]item, 0, len(r.active))
	for id := range r.active {
		items = append(items, item{id: id, seq: r.runs[id].run.seq})
	}
	r.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.id
	}
	return ids
}
