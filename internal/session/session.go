// Package session manages the lifecycle of agent engagement sessions:
// the draft/active/paused/closed state machine, the append-only message
// log, accumulated metrics, and checkpoint capture on close.
package session

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusDraft  Status = "draft"
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusClosed Status = "closed" // terminal
)

// allowedTransitions is the successor set for each status.
// Draft may close directly: abandonment without ever starting.
var allowedTransitions = map[Status][]Status{
	StatusDraft:  {StatusActive, StatusClosed},
	StatusActive: {StatusPaused, StatusClosed},
	StatusPaused: {StatusActive, StatusClosed},
	StatusClosed: {},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError names the offending state pair. Transitions
// are never silently coerced.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid session transition: %s -> %s", e.From, e.To)
}

// Metrics accumulates per-session aggregates. Updated on every
// message append; duration is stamped at close.
type Metrics struct {
	MessageCount  int     `json:"message_count"`
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
	CostUSD       float64 `json:"cost_usd"`
	ToolCallCount int     `json:"tool_call_count"`
	DurationMs    int64   `json:"duration_ms"`
}

// Session represents one continuous unit of agent engagement. Owned
// exclusively by the process that created it until closed; mutated
// only through defined transitions and message appends.
type Session struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	BeadID    string `json:"bead_id,omitempty"`
	EpicID    string `json:"epic_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	AgentName string `json:"agent_name,omitempty"`
	Title     string `json:"title,omitempty"`
	Status    Status `json:"status"`
	Summary   string `json:"summary,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	PausedAt       *time.Time `json:"paused_at,omitempty"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	LastActivityAt time.Time  `json:"last_activity_at"`

	Metrics Metrics `json:"metrics"`

	// Brief generated at creation time for bead-scoped sessions.
	MemoryBrief       string `json:"memory_brief,omitempty"`
	MemoryBriefTokens int    `json:"memory_brief_tokens,omitempty"`
}

// Terminal reports whether the session has reached its final state.
func (s *Session) Terminal() bool {
	return s.Status == StatusClosed
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ToolCall records one tool invocation attached to a message.
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// Usage carries token and cost accounting for one message.
type Usage struct {
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

// Message is one record in a session's append-only ordered log.
// Messages are never edited, only appended.
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Timestamp time.Time  `json:"timestamp"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
}
