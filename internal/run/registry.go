package run

import (
	"fmt"
	"sync"
	"time"
)

// ErrDuplicateRun is returned when a work item already has a run in
// flight. Starts are rejected, not queued.
var ErrDuplicateRun = fmt.Errorf("work item already has an active run")

// ErrRunNotFound is returned for unknown run ids.
var ErrRunNotFound = fmt.Errorf("run not found")

// Registry holds every known TaskRun, with a secondary index enforcing
// the one-non-terminal-run-per-work-item rule. Terminal runs linger
// for evictDelay so their event logs stay inspectable, then drop out.
type Registry struct {
	evictDelay time.Duration

	mu     sync.Mutex
	runs   map[string]*TaskRun
	byItem map[string]string // issue id -> non-terminal run id
	timers map[string]*time.Timer
}

// NewRegistry creates a registry with the given post-terminal
// retention window.
func NewRegistry(evictDelay time.Duration) *Registry {
	return &Registry{
		evictDelay: evictDelay,
		runs:       make(map[string]*TaskRun),
		byItem:     make(map[string]string),
		timers:     make(map[string]*time.Timer),
	}
}

// Add registers a new run. Fails with ErrDuplicateRun when the work
// item already has a non-terminal run.
func (g *Registry) Add(r *TaskRun) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.byItem[r.IssueID]; ok {
		return fmt.Errorf("%w: %s (run %s)", ErrDuplicateRun, r.IssueID, existing)
	}
	g.runs[r.ID] = r
	g.byItem[r.IssueID] = r.ID
	return nil
}

// Get returns the run with the given id.
func (g *Registry) Get(id string) (*TaskRun, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, nil
}

// ForItem returns the non-terminal run for a work item, if any.
func (g *Registry) ForItem(issueID string) (*TaskRun, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.byItem[issueID]
	if !ok {
		return nil, false
	}
	return g.runs[id], true
}

// List returns all known runs for a project, including lingering
// terminal ones.
func (g *Registry) List(projectID string) []*TaskRun {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*TaskRun
	for _, r := range g.runs {
		if projectID == "" || r.ProjectID == projectID {
			out = append(out, r)
		}
	}
	return out
}

// Release marks a run's work item free again and schedules the run
// record for eviction. Called once when a run reaches a terminal
// state; a second call for the same run is a no-op.
func (g *Registry) Release(r *TaskRun) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.byItem[r.IssueID] == r.ID {
		delete(g.byItem, r.IssueID)
	}
	if _, ok := g.timers[r.ID]; ok {
		return
	}
	g.timers[r.ID] = time.AfterFunc(g.evictDelay, func() {
		g.evict(r.ID)
	})
}

func (g *Registry) evict(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.runs, id)
	delete(g.timers, id)
}

// Close stops pending eviction timers. The records themselves are
// process-lifetime state and vanish with the process.
func (g *Registry) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, t := range g.timers {
		t.Stop()
		delete(g.timers, id)
	}
}
