// Package agent defines the streaming transport for external AI coding
// agent processes and the parsing of their incremental output into a
// small event taxonomy.
package agent

import (
	"context"

	"github.com/beadsconsole/beadsconsole/internal/config"
)

// EventType classifies one parsed chunk of agent output.
type EventType string

const (
	EventText        EventType = "text"
	EventToolUse     EventType = "tool_use"
	EventToolResult  EventType = "tool_result"
	EventError       EventType = "error"
	EventAuthExpired EventType = "auth_expired"
	EventDone        EventType = "done"
)

// Usage carries token and cost accounting reported by the agent.
type Usage struct {
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

// Event is one parsed unit of agent output.
type Event struct {
	Type      EventType `json:"type"`
	Text      string    `json:"text,omitempty"`       // text, error detail
	Tool      string    `json:"tool,omitempty"`       // tool_use/tool_result tool name
	ToolInput string    `json:"tool_input,omitempty"` // raw tool arguments (JSON)
	ExitCode  int       `json:"exit_code,omitempty"`  // done events only
	Usage     *Usage    `json:"usage,omitempty"`      // done events, when reported
}

// Request contains everything needed to spawn an agent run.
type Request struct {
	RunID   string       // for log correlation
	Prompt  string       // the full prompt with context
	WorkDir string       // working directory (repo root)
	Agent   config.Agent // which CLI to spawn and how
}

// Process is a handle on one live agent process. Events are delivered
// in order on a single channel which is closed after the final done
// event; Stop is idempotent and forceful.
type Process interface {
	// Events returns the process's ordered event stream.
	Events() <-chan Event

	// Send forwards a continuation message to the running process.
	Send(text string) error

	// Stop kills the process. Safe to call multiple times and after exit.
	Stop()
}

// Transport spawns agent processes. The run engine depends only on
// this interface so tests can substitute a scripted transport.
type Transport interface {
	Start(ctx context.Context, req Request) (Process, error)
}
