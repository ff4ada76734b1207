// Package beads wraps the bd (beads) CLI, the external issue tracker
// the console supervises. The console only needs a narrow contract:
// fetch a work item, fetch an epic's children in dependency order,
// update a status, and watch for externally applied changes.
package beads

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle status of a work item, owned by the tracker.
type Status string

const (
	StatusOpen       Status = "open"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusInReview   Status = "in_review"
	StatusClosed     Status = "closed"
	StatusBlocked    Status = "blocked"
	StatusDeferred   Status = "deferred"
)

// Terminal reports whether the status ends the item's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusClosed
}

// WorkItem represents a single bead tracked by the external store.
// The console mutates only Status (and, through the tracker's own
// validation, the lifecycle fields) — everything else is read-only here.
type WorkItem struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Type        string    `json:"issue_type,omitempty"` // task, epic, bug, feature, chore
	Status      Status    `json:"status"`
	Priority    int       `json:"priority,omitempty"`
	Parent      string    `json:"parent,omitempty"`
	Children    []string  `json:"children,omitempty"`
	Blockers    []string  `json:"blockers,omitempty"`   // ids this item is blocked by
	BlockedBy   []string  `json:"blocked_by,omitempty"` // ids blocking this item
	Branch      string    `json:"branch,omitempty"`
	Commit      string    `json:"commit,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// IsEpic reports whether the item has children to execute.
func (w *WorkItem) IsEpic() bool {
	return len(w.Children) > 0
}

// ErrNotFound is returned when the tracker has no item with the given id.
var ErrNotFound = errors.New("work item not found")

// ErrBDNotInstalled is returned when the bd CLI is not found in PATH.
var ErrBDNotInstalled = errors.New("bd CLI not found in PATH; install beads first")

// Store is the narrow read/write contract the console consumes.
// Status validation is the tracker's responsibility, not ours.
type Store interface {
	// Get returns a single work item, or ErrNotFound.
	Get(ctx context.Context, id string) (*WorkItem, error)

	// Children returns an epic's child items in dependency
	// (topological) order, as sorted by the tracker.
	Children(ctx context.Context, epicID string) ([]WorkItem, error)

	// UpdateStatus sets a work item's status.
	UpdateStatus(ctx context.Context, id string, status Status) error
}
