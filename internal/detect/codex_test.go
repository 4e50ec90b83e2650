package detect

import (
	"strings"
	"testing"

	"github.com/agent-relay/backend/internal/event"
)

func feedLines(d *CodexDetector, sessionID string, lines ...string) []event.Event {
	var events []event.Event
	for _, line := range lines {
		events = append(events, d.ProcessOutput(sessionID, line+"\n")...)
	}
	return events
}

func TestCodexName(t *testing.T) {
	d := NewCodexDetector(nil)
	if d.Name() != "codex" {
		t.Errorf("Name() = %q, want %q", d.Name(), "codex")
	}
}

func TestCodexThreadStarted(t *testing.T) {
	d := NewCodexDetector(nil)
	events := feedLines(d, "s1", `{"type":"thread.started","thread_id":"th_123"}`)
	if len(events) != 1 || events[0].Type != event.TypeSessionInit {
		t.Fatalf("got %v, want one session-init", eventTypes(events))
	}
	if init := events[0].Payload.(event.SessionInit); init.ProtocolSessionID != "th_123" {
		t.Errorf("init = %+v", init)
	}
}

func TestCodexItemLifecycle(t *testing.T) {
	d := NewCodexDetector(nil)
	events := feedLines(d, "s1",
		`{"type":"turn.started"}`,
		`{"type":"item.started","item":{"id":"item_0","type":"agent_message","text":""}}`,
		`{"type":"item.updated","item":{"id":"item_0","type":"agent_message","text":"Hello"}}`,
		`{"type":"item.updated","item":{"id":"item_0","type":"agent_message","text":"Hello world"}}`,
		`{"type":"item.completed","item":{"id":"item_0","type":"agent_message","text":"Hello world"}}`,
		`{"type":"turn.completed","usage":{"input_tokens":50,"cached_input_tokens":20,"output_tokens":8}}`,
	)

	want := []event.Type{
		event.TypeMessageStart,
		event.TypeTextStart,
		event.TypeTextDelta,
		event.TypeTextDelta,
		event.TypeBlockEnd,
		event.TypeMessageEnd,
	}
	if !sameTypes(events, want) {
		t.Fatalf("got %v, want %v", eventTypes(events), want)
	}

	// Cumulative text arrives as suffix deltas.
	if d1 := events[2].Payload.(event.Delta); d1.Text != "Hello" {
		t.Errorf("first delta = %q", d1.Text)
	}
	if d2 := events[3].Payload.(event.Delta); d2.Text != " world" {
		t.Errorf("second delta = %q", d2.Text)
	}

	end := events[5].Payload.(event.MessageEnd)
	if end.StopReason != event.StopEndTurn {
		t.Errorf("stop reason = %q", end.StopReason)
	}
	if end.Usage.TotalTokens != 78 {
		t.Errorf("usage = %+v", end.Usage)
	}
}

func TestCodexStartThenCompleteNoUpdate(t *testing.T) {
	d := NewCodexDetector(nil)
	events := feedLines(d, "s1",
		`{"type":"turn.started"}`,
		`{"type":"item.started","item":{"id":"item_1","type":"agent_message"}}`,
		`{"type":"item.completed","item":{"id":"item_1","type":"agent_message","text":"full answer"}}`,
	)

	want := []event.Type{
		event.TypeMessageStart,
		event.TypeTextStart,
		event.TypeTextDelta,
		event.TypeBlockEnd,
	}
	if !sameTypes(events, want) {
		t.Fatalf("got %v, want %v", eventTypes(events), want)
	}
	if delta := events[2].Payload.(event.Delta); delta.Text != "full answer" {
		t.Errorf("delta = %q, want full content", delta.Text)
	}
}

func TestCodexCompletedWithoutStart(t *testing.T) {
	// Missing-start tolerance: a lone item.completed for a never-seen
	// session still yields the full canonical shape.
	d := NewCodexDetector(nil)
	events := feedLines(d, "fresh",
		`{"type":"item.completed","item":{"id":"item_9","type":"reasoning","text":"because"}}`,
	)

	want := []event.Type{
		event.TypeMessageStart,
		event.TypeThinkingStart,
		event.TypeThinkingDelta,
		event.TypeBlockEnd,
	}
	if !sameTypes(events, want) {
		t.Fatalf("got %v, want %v", eventTypes(events), want)
	}
}

func TestCodexUnstartedItemDoesNotReserveIndex(t *testing.T) {
	d := NewCodexDetector(nil)
	events := feedLines(d, "s1",
		`{"type":"item.updated","item":{"id":"orphan","type":"agent_message","text":"x"}}`,
		`{"type":"item.started","item":{"id":"started","type":"reasoning"}}`,
	)

	var starts []event.BlockStart
	for _, ev := range events {
		if start, ok := ev.Payload.(event.BlockStart); ok {
			starts = append(starts, start)
		}
	}
	if len(starts) != 2 {
		t.Fatalf("got %d block starts, want 2", len(starts))
	}
	// The orphan borrows the running index without consuming it.
	if starts[0].Index != 0 || starts[1].Index != 0 {
		t.Errorf("indexes = %d, %d; want 0, 0", starts[0].Index, starts[1].Index)
	}
}

func TestCodexCommandExecution(t *testing.T) {
	d := NewCodexDetector(nil)
	events := feedLines(d, "s1",
		`{"type":"item.started","item":{"id":"cmd_1","type":"command_execution","command":"go test ./...","cwd":"/repo"}}`,
	)

	want := []event.Type{event.TypeMessageStart, event.TypeToolStart, event.TypeToolInputDelta}
	if !sameTypes(events, want) {
		t.Fatalf("got %v, want %v", eventTypes(events), want)
	}
	if start := events[1].Payload.(event.BlockStart); start.ToolName != "shell" {
		t.Errorf("tool name = %q", start.ToolName)
	}
	input := events[2].Payload.(event.ToolInputDelta)
	if !strings.Contains(input.PartialJSON, `"command":"go test ./..."`) {
		t.Errorf("input snapshot = %q", input.PartialJSON)
	}
}

func TestCodexMCPToolName(t *testing.T) {
	d := NewCodexDetector(nil)
	events := feedLines(d, "s1",
		`{"type":"item.started","item":{"id":"mcp_1","type":"mcp_tool_call","server":"github","tool":"create_issue"}}`,
	)
	start := events[1].Payload.(event.BlockStart)
	if start.ToolName != "github.create_issue" {
		t.Errorf("tool name = %q", start.ToolName)
	}
}

func TestCodexUnknownItemType(t *testing.T) {
	d := NewCodexDetector(nil)
	events := feedLines(d, "s1",
		`{"type":"item.started","item":{"id":"u1","type":"quantum_refactor"}}`,
	)
	start := events[1].Payload.(event.BlockStart)
	if start.Kind != event.BlockToolUse || start.ToolName != "quantum_refactor" {
		t.Errorf("unknown item mapped to %+v", start)
	}
}

func TestCodexTurnFailed(t *testing.T) {
	d := NewCodexDetector(nil)
	events := feedLines(d, "s1",
		`{"type":"item.started","item":{"id":"i1","type":"agent_message","text":"partial"}}`,
		`{"type":"turn.failed","error":{"message":"model overloaded"}}`,
	)

	want := []event.Type{
		event.TypeMessageStart, event.TypeTextStart, event.TypeTextDelta,
		event.TypeError, event.TypeBlockEnd, event.TypeMessageEnd,
	}
	if !sameTypes(events, want) {
		t.Fatalf("got %v, want %v", eventTypes(events), want)
	}
	if e := events[3].Payload.(event.Error); e.Message != "model overloaded" {
		t.Errorf("error = %+v", e)
	}
	if end := events[5].Payload.(event.MessageEnd); end.StopReason != event.StopError {
		t.Errorf("stop reason = %q", end.StopReason)
	}
}

func TestCodexApprovalRequest(t *testing.T) {
	d := NewCodexDetector(nil)
	events := feedLines(d, "s1",
		`{"method":"execCommandApproval","id":3,"params":{"command":["rm","-rf","build"],"cwd":"/repo"}}`,
	)
	if len(events) != 1 || events[0].Type != event.TypeApprovalRequest {
		t.Fatalf("got %v, want one approval-request", eventTypes(events))
	}
	req := events[0].Payload.(event.ApprovalRequest)
	if req.RequestID != 3 || req.ToolName != "shell" {
		t.Errorf("request = %+v", req)
	}
	if req.Summary != "rm -rf build" {
		t.Errorf("summary = %q", req.Summary)
	}
}

func TestCodexApprovalDoesNotTouchTurnState(t *testing.T) {
	d := NewCodexDetector(nil)
	events := feedLines(d, "s1",
		`{"method":"applyPatchApproval","id":1,"params":{"file_changes":{"main.go":{}}}}`,
	)
	if len(events) != 1 {
		t.Fatalf("got %v", eventTypes(events))
	}
	// No message-start was synthesized for the approval.
	if events[0].Type != event.TypeApprovalRequest {
		t.Errorf("got %v", events[0].Type)
	}
}

func TestCodexPartialLineCarry(t *testing.T) {
	d := NewCodexDetector(nil)
	line := `{"type":"thread.started","thread_id":"th_9"}`

	if events := d.ProcessOutput("s1", line[:20]); len(events) != 0 {
		t.Fatalf("partial line yielded %v", eventTypes(events))
	}
	events := d.ProcessOutput("s1", line[20:]+"\n")
	if len(events) != 1 || events[0].Type != event.TypeSessionInit {
		t.Fatalf("got %v, want one session-init", eventTypes(events))
	}
}

func TestCodexInterleavedPlainOutput(t *testing.T) {
	d := NewCodexDetector(nil)
	events := feedLines(d, "s1",
		"npm warn deprecated something",
		`{"type":"turn.started"}`,
		"not json { definitely",
	)
	if len(events) != 0 {
		t.Errorf("noise yielded %v", eventTypes(events))
	}
}

func TestCodexExitMidTurn(t *testing.T) {
	d := NewCodexDetector(nil)
	feedLines(d, "s1",
		`{"type":"item.started","item":{"id":"i1","type":"agent_message","text":"writing"}}`,
	)
	events := d.OnExit("s1", 1)

	want := []event.Type{event.TypeBlockEnd, event.TypeMessageEnd, event.TypeProcessExit}
	if !sameTypes(events, want) {
		t.Fatalf("got %v, want %v", eventTypes(events), want)
	}
	if end := events[1].Payload.(event.MessageEnd); end.StopReason != event.StopTerminalExit {
		t.Errorf("stop reason = %q", end.StopReason)
	}
}

func TestCodexExitAlwaysEmitsProcessExit(t *testing.T) {
	d := NewCodexDetector(nil)
	events := d.OnExit("never-seen", 0)
	if !sameTypes(events, []event.Type{event.TypeProcessExit}) {
		t.Errorf("got %v, want only process-exit", eventTypes(events))
	}
}

func TestCodexUsageResetBetweenTurns(t *testing.T) {
	d := NewCodexDetector(nil)
	feedLines(d, "s1",
		`{"type":"turn.started"}`,
		`{"type":"item.completed","item":{"id":"i1","type":"agent_message","text":"done"}}`,
		`{"type":"turn.completed","usage":{"input_tokens":500,"output_tokens":100}}`,
	)

	// A failed second turn has no usage record; its message-end must not
	// carry the previous turn's tokens.
	events := feedLines(d, "s1",
		`{"type":"turn.started"}`,
		`{"type":"item.started","item":{"id":"i2","type":"agent_message","text":""}}`,
		`{"type":"turn.failed","error":{"message":"overloaded"}}`,
	)

	var end *event.MessageEnd
	for _, ev := range events {
		if ev.Type == event.TypeMessageEnd {
			p := ev.Payload.(event.MessageEnd)
			end = &p
		}
	}
	if end == nil {
		t.Fatal("no message-end for failed turn")
	}
	if end.StopReason != event.StopError {
		t.Errorf("stop reason = %q", end.StopReason)
	}
	if !end.Usage.IsZero() {
		t.Errorf("failed turn usage = %+v, want zero", end.Usage)
	}
}
