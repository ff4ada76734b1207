// Package run drives external agent processes against work items. A
// TaskRun is the live execution of one agent against one item (or one
// step of an epic sequence): it owns the process, parses its streamed
// output into events, and reacts to completion signals.
package run

import (
	"fmt"
	"time"
)

// Mode selects how much autonomy the agent is given.
type Mode string

const (
	ModeAutonomous Mode = "autonomous" // agent works to completion on its own
	ModeGuided     Mode = "guided"     // agent narrates and awaits direction
)

// Status is a task run's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Self-transition running -> running happens on epic advancement.
var allowedTransitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:  {StatusRunning, StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError names a rejected status change.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid run transition: %s -> %s", e.From, e.To)
}

// EventType classifies entries in a run's event log.
type EventType string

const (
	EventStatusChange     EventType = "status_change"
	EventOutput           EventType = "output"
	EventToolUse          EventType = "tool_use"
	EventToolResult       EventType = "tool_result"
	EventError            EventType = "error"
	EventCompletionSignal EventType = "completion_signal"
)

// Event is one entry in a run's ordered event log. Seq is assigned on
// append and is strictly increasing within a run.
type Event struct {
	Seq       int       `json:"seq"`
	Type      EventType `json:"type"`
	Text      string    `json:"text,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	ToolInput string    `json:"tool_input,omitempty"`
	Status    Status    `json:"status,omitempty"` // set for status_change
	Timestamp time.Time `json:"ts"`
}

// TaskRun is the in-memory record of one execution. It lives in the
// registry from start until a fixed time after reaching a terminal
// state, so a human can still inspect the event log of a failed run.
type TaskRun struct {
	ID               string    `json:"id"`
	ProjectID        string    `json:"project_id"`
	IssueID          string    `json:"issue_id"`
	Title            string    `json:"title"`
	IssueType        string    `json:"issue_type,omitempty"`
	AgentName        string    `json:"agent_name,omitempty"`
	Mode             Mode      `json:"mode"`
	Status           Status    `json:"status"`
	AwaitingInput    bool      `json:"awaiting_input"`
	CompletionReason string    `json:"completion_reason,omitempty"`
	Sequence         *Sequence `json:"sequence,omitempty"`
	Events           []Event   `json:"events"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Record appends an event to the run's log and bumps UpdatedAt.
func (r *TaskRun) Record(typ EventType, now time.Time, fill func(*Event)) Event {
	ev := Event{
		Seq:       len(r.Events) + 1,
		Type:      typ,
		Timestamp: now,
	}
	if fill != nil {
		fill(&ev)
	}
	r.Events = append(r.Events, ev)
	r.UpdatedAt = now
	return ev
}

// setStatus validates and applies a status change, recording it in the
// event log. The reason is kept on the run for terminal states.
func (r *TaskRun) setStatus(to Status, reason string, now time.Time) (Event, error) {
	if !CanTransition(r.Status, to) {
		return Event{}, &InvalidTransitionError{From: r.Status, To: to}
	}
	r.Status = to
	if to.Terminal() {
		r.CompletionReason = reason
	}
	ev := r.Record(EventStatusChange, now, func(e *Event) {
		e.Status = to
		e.Text = reason
	})
	return ev, nil
}
