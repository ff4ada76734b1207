package agent

import (
	"encoding/json"
	"strings"
)

// The claude CLI in stream-json mode emits one JSON object per line.
// Relevant shapes:
//
//	{"type":"assistant","message":{"content":[{"type":"text","text":"..."},
//	                                          {"type":"tool_use","name":"Bash","input":{...}}]}}
//	{"type":"user","message":{"content":[{"type":"tool_result","content":"..."}]}}
//	{"type":"result","subtype":"success","is_error":false,"result":"...",
//	 "total_cost_usd":0.12,"usage":{"input_tokens":10,"output_tokens":20}}
//
// Lines that are not JSON are surfaced as raw text so nothing an agent
// prints is silently dropped.

type streamLine struct {
	Type    string         `json:"type"`
	Subtype string         `json:"subtype"`
	IsError bool           `json:"is_error"`
	Result  string         `json:"result"`
	CostUSD float64        `json:"total_cost_usd"`
	Usage   *streamUsage   `json:"usage"`
	Message *streamMessage `json:"message"`
}

type streamUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamMessage struct {
	Content []streamBlock `json:"content"`
}

type streamBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input"`
	Content json.RawMessage `json:"content"`
}

// ParseLine converts one line of agent stdout into zero or more events.
// Auth failures take priority over the line's nominal shape.
func ParseLine(line string) []Event {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	if IsAuthFailure(trimmed) {
		return []Event{{Type: EventAuthExpired, Text: trimmed}}
	}

	var sl streamLine
	if err := json.Unmarshal([]byte(trimmed), &sl); err != nil {
		// Plain text from agents without structured output.
		return []Event{{Type: EventText, Text: line}}
	}

	switch sl.Type {
	case "assistant":
		return parseBlocks(sl.Message, false)
	case "user":
		return parseBlocks(sl.Message, true)
	case "result":
		var usage *Usage
		if sl.Usage != nil || sl.CostUSD > 0 {
			usage = &Usage{CostUSD: sl.CostUSD}
			if sl.Usage != nil {
				usage.InputTokens = sl.Usage.InputTokens
				usage.OutputTokens = sl.Usage.OutputTokens
			}
		}
		if sl.IsError {
			return []Event{{Type: EventError, Text: sl.Result, Usage: usage}}
		}
		// Final result text may carry a completion marker the
		// assistant stream never surfaced; pass it through as text.
		// The terminal done event is emitted by the transport on exit.
		if sl.Result != "" || usage != nil {
			return []Event{{Type: EventText, Text: sl.Result, Usage: usage}}
		}
		return nil
	case "system":
		return nil // init/info chatter
	default:
		return nil
	}
}

func parseBlocks(msg *streamMessage, toolResults bool) []Event {
	if msg == nil {
		return nil
	}
	var events []Event
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				events = append(events, Event{Type: EventText, Text: block.Text})
			}
		case "tool_use":
			events = append(events, Event{Type: EventToolUse, Tool: block.Name, ToolInput: string(block.Input)})
		case "tool_result":
			if toolResults {
				events = append(events, Event{Type: EventToolResult, Text: rawToText(block.Content)})
			}
		}
	}
	return events
}

// rawToText renders a tool_result content payload, which may be a JSON
// string or a block array, as display text.
func rawToText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []streamBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

// authFailureMarkers are fixed substrings that identify an
// authentication failure in agent output. Matching is case-insensitive.
var authFailureMarkers = []string{
	"invalid api key",
	"oauth token has expired",
	"please run /login",
	"authentication_error",
	"credit balance is too low",
}

// IsAuthFailure reports whether the output names an authentication
// failure. These are surfaced as a distinct signal: retrying without
// new credentials would simply fail again.
func IsAuthFailure(s string) bool {
	lower := strings.ToLower(s)
	for _, marker := range authFailureMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
