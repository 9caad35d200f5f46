package generation

import (
	"context"
	"sync"
)

// runEntry is the versioned cell of one message. write is held across every
// ownership check and the mutation that follows it, and by begin, so a
// superseded run can never land a write.
type runEntry struct {
	write   sync.Mutex
	counter uint64
	cancel  context.CancelCauseFunc
}

type runRegistry struct {
	mu      sync.Mutex
	entries map[string]*runEntry
}

func newRunRegistry() *runRegistry {
	return &runRegistry{entries: make(map[string]*runEntry)}
}

func (r *runRegistry) entry(id string, create bool) *runEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok && create {
		e = &runEntry{}
		r.entries[id] = e
	}
	return e
}

// begin supersedes the active run of id, if any, and returns the context and
// id of the new current run. Counters only move forward.
func (r *runRegistry) begin(id string) (context.Context, uint64, bool) {
	e := r.entry(id, true)
	e.write.Lock()
	defer e.write.Unlock()

	superseded := false
	if e.cancel != nil {
		e.cancel(ErrSuperseded)
		superseded = true
	}
	e.counter++
	ctx, cancel := context.WithCancelCause(context.Background())
	e.cancel = cancel
	return ctx, e.counter, superseded
}

// guarded runs fn only while runID is current and its context is live.
func (r *runRegistry) guarded(ctx context.Context, id string, runID uint64, fn func() error) error {
	e := r.entry(id, false)
	if e == nil {
		return ErrSuperseded
	}
	e.write.Lock()
	defer e.write.Unlock()
	if e.counter != runID {
		return ErrSuperseded
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return fn()
}

// abort cancels the active run of id.
func (r *runRegistry) abort(id string) bool {
	e := r.entry(id, false)
	if e == nil {
		return false
	}
	e.write.Lock()
	defer e.write.Unlock()
	if e.cancel == nil {
		return false
	}
	e.cancel(ErrAborted)
	e.cancel = nil
	return true
}

// finish releases the run's handle if runID is still current and calls fn
// under the write lock. A stale run gets false and fn is not called.
func (r *runRegistry) finish(id string, runID uint64, fn func()) bool {
	e := r.entry(id, false)
	if e == nil {
		return false
	}
	e.write.Lock()
	defer e.write.Unlock()
	if e.counter != runID {
		return false
	}
	if e.cancel != nil {
		e.cancel(nil)
		e.cancel = nil
	}
	if fn != nil {
		fn()
	}
	return true
}

func (r *runRegistry) current(id string) (uint64, bool) {
	e := r.entry(id, false)
	if e == nil {
		return 0, false
	}
	e.write.Lock()
	defer e.write.Unlock()
	return e.counter, e.cancel != nil
}

// forget drops the cells of deleted messages, aborting their runs.
func (r *runRegistry) forget(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		e, ok := r.entries[id]
		if !ok {
			continue
		}
		e.write.Lock()
		if e.cancel != nil {
			e.cancel(ErrAborted)
			e.cancel = nil
		}
		e.write.Unlock()
		delete(r.entries, id)
	}
}
