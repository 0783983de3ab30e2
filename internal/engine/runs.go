package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/canukguy1974/franky-ai/internal/domain"
)

// Runs tracks the active runner of each project.
type Runs struct {
	mu     sync.Mutex
	active map[string]*run
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRuns() *Runs {
	return &Runs{active: make(map[string]*run)}
}

func (r *Runs) begin(ctx context.Context, projectID string) (context.Context, *run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[projectID]; busy {
		return nil, nil, domain.StateError{Entity: "project", ID: projectID, From: "running", Event: "run"}
	}
	runCtx, cancel := context.WithCancel(ctx)
	entry := &run{cancel: cancel, done: make(chan struct{})}
	r.active[projectID] = entry
	return runCtx, entry, nil
}

func (r *Runs) finish(projectID string, entry *run) {
	r.mu.Lock()
	if r.active[projectID] == entry {
		delete(r.active, projectID)
	}
	r.mu.Unlock()
	entry.cancel()
	close(entry.done)
}

func (r *Runs) cancel(projectID string) bool {
	r.mu.Lock()
	entry, ok := r.active[projectID]
	r.mu.Unlock()
	if ok {
		entry.cancel()
	}
	return ok
}

// Active reports whether a runner is registered for the project.
func (r *Runs) Active(projectID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[projectID]
	return ok
}

// Wait blocks until the project's current run finishes or ctx ends.
func (r *Runs) Wait(ctx context.Context, projectID string) error {
	r.mu.Lock()
	entry, ok := r.active[projectID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-entry.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAll cancels every active run; used on shutdown.
func (r *Runs) StopAll() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for id, entry := range r.active {
		entry.cancel()
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
