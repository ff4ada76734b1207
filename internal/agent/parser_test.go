package agent

import (
	"testing"
)

func TestParseLine_AssistantText(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"working on it"}]}}`
	events := ParseLine(line)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != EventText {
		t.Errorf("type: got %s", events[0].Type)
	}
	if events[0].Text != "working on it" {
		t.Errorf("text: got %q", events[0].Text)
	}
}

func TestParseLine_MixedBlocks(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[` +
		`{"type":"text","text":"let me check"},` +
		`{"type":"tool_use","name":"Bash","input":{"command":"ls"}}]}}`
	events := ParseLine(line)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != EventText {
		t.Errorf("event 0 type: got %s", events[0].Type)
	}
	if events[1].Type != EventToolUse {
		t.Errorf("event 1 type: got %s", events[1].Type)
	}
	if events[1].Tool != "Bash" {
		t.Errorf("tool: got %q", events[1].Tool)
	}
	if events[1].ToolInput != `{"command":"ls"}` {
		t.Errorf("tool input: got %q", events[1].ToolInput)
	}
}

func TestParseLine_ToolResult(t *testing.T) {
	line := `{"type":"user","message":{"content":[{"type":"tool_result","content":"file1\nfile2"}]}}`
	events := ParseLine(line)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != EventToolResult {
		t.Errorf("type: got %s", events[0].Type)
	}
	if events[0].Text != "file1\nfile2" {
		t.Errorf("text: got %q", events[0].Text)
	}
}

func TestParseLine_ToolResultBlockArray(t *testing.T) {
	line := `{"type":"user","message":{"content":[{"type":"tool_result","content":[{"type":"text","text":"ok"}]}]}}`
	events := ParseLine(line)
	if len(events) != 1 || events[0].Text != "ok" {
		t.Fatalf("expected single 'ok' result, got %+v", events)
	}
}

func TestParseLine_Result(t *testing.T) {
	line := `{"type":"result","subtype":"success","is_error":false,"result":"TASK_COMPLETED: shipped","total_cost_usd":0.12,"usage":{"input_tokens":100,"output_tokens":50}}`
	events := ParseLine(line)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Type != EventText {
		t.Errorf("type: got %s", ev.Type)
	}
	if ev.Text != "TASK_COMPLETED: shipped" {
		t.Errorf("text: got %q", ev.Text)
	}
	if ev.Usage == nil || ev.Usage.InputTokens != 100 || ev.Usage.OutputTokens != 50 {
		t.Errorf("usage: got %+v", ev.Usage)
	}
	if ev.Usage.CostUSD != 0.12 {
		t.Errorf("cost: got %v", ev.Usage.CostUSD)
	}
}

func TestParseLine_ResultError(t *testing.T) {
	line := `{"type":"result","subtype":"error_during_execution","is_error":true,"result":"something broke"}`
	events := ParseLine(line)
	if len(events) != 1 || events[0].Type != EventError {
		t.Fatalf("expected error event, got %+v", events)
	}
}

func TestParseLine_SystemIgnored(t *testing.T) {
	if events := ParseLine(`{"type":"system","subtype":"init"}`); len(events) != 0 {
		t.Fatalf("system lines should produce no events, got %+v", events)
	}
}

func TestParseLine_PlainTextPassthrough(t *testing.T) {
	events := ParseLine("just some raw output")
	if len(events) != 1 || events[0].Type != EventText {
		t.Fatalf("expected raw text event, got %+v", events)
	}
}

func TestParseLine_Empty(t *testing.T) {
	if events := ParseLine("   "); events != nil {
		t.Fatalf("expected nil for blank line, got %+v", events)
	}
}

func TestParseLine_AuthFailure(t *testing.T) {
	events := ParseLine("API Error: OAuth token has expired. Please run /login")
	if len(events) != 1 || events[0].Type != EventAuthExpired {
		t.Fatalf("expected auth_expired event, got %+v", events)
	}
}

func TestIsAuthFailure(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"Invalid API key provided", true},
		{"OAuth token has expired", true},
		{"please run /login to continue", true},
		{`{"error":{"type":"authentication_error"}}`, true},
		{"Your credit balance is too low", true},
		{"task completed fine", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsAuthFailure(tc.in); got != tc.want {
			t.Errorf("IsAuthFailure(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
