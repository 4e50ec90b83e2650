// Package event defines the canonical event stream this engine produces.
// Every vendor protocol is normalized into this one taxonomy; consumers
// (a UI, a logger) never see vendor-specific shapes.
package event

import (
	"encoding/json"
	"time"
)

// Type is the closed taxonomy of canonical event types.
type Type string

const (
	TypeSessionInit    Type = "session-init"
	TypeMessageStart   Type = "message-start"
	TypeMessageEnd     Type = "message-end"
	TypeTextStart      Type = "text-start"
	TypeTextDelta      Type = "text-delta"
	TypeThinkingStart  Type = "thinking-start"
	TypeThinkingDelta  Type = "thinking-delta"
	TypeToolStart      Type = "tool-start"
	TypeToolInputDelta Type = "tool-input-delta"
	TypeBlockEnd       Type = "block-end"
	TypeError          Type = "error"
	TypeProcessExit    Type = "process-exit"

	// Detector-specific types.
	TypeServerDetected  Type = "server-detected"
	TypeServerCrashed   Type = "server-crashed"
	TypeReviewCompleted Type = "review-completed"
	TypeApprovalRequest Type = "approval-request"
	TypeSessionNamed    Type = "session-named"
)

// Event is the unit exchanged with consumers. Events are immutable once
// created; the engine retains nothing after dispatch.
type Event struct {
	SessionID string    `json:"sessionId"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// New builds an event stamped with the current time.
func New(sessionID string, typ Type, payload any) Event {
	return Event{
		SessionID: sessionID,
		Type:      typ,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// BlockKind classifies a content block into one of the three canonical kinds.
type BlockKind string

const (
	BlockText     BlockKind = "text"
	BlockThinking BlockKind = "thinking"
	BlockToolUse  BlockKind = "tool_use"
)

// StartType returns the block-start event type for a block kind.
func StartType(kind BlockKind) Type {
	switch kind {
	case BlockThinking:
		return TypeThinkingStart
	case BlockToolUse:
		return TypeToolStart
	default:
		return TypeTextStart
	}
}

// DeltaType returns the delta event type for a block kind.
func DeltaType(kind BlockKind) Type {
	switch kind {
	case BlockThinking:
		return TypeThinkingDelta
	case BlockToolUse:
		return TypeToolInputDelta
	default:
		return TypeTextDelta
	}
}

// Stop reasons carried by MessageEnd.
const (
	StopEndTurn      = "end_turn"
	StopError        = "error"
	StopTerminalExit = "terminal_exit"
)

// Usage accumulates token accounting for a message. Counts are the latest
// observed snapshot, not deltas.
type Usage struct {
	InputTokens       int `json:"inputTokens"`
	CachedInputTokens int `json:"cachedInputTokens,omitempty"`
	OutputTokens      int `json:"outputTokens"`
	TotalTokens       int `json:"totalTokens,omitempty"`
}

// IsZero reports whether no usage data has been observed.
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.CachedInputTokens == 0 && u.OutputTokens == 0 && u.TotalTokens == 0
}

// SessionInit is the payload for session-init.
type SessionInit struct {
	ProtocolSessionID string   `json:"protocolSessionId"`
	Model             string   `json:"model,omitempty"`
	WorkingDir        string   `json:"workingDir,omitempty"`
	Version           string   `json:"version,omitempty"`
	Tools             []string `json:"tools,omitempty"`
}

// MessageStart is the payload for message-start.
type MessageStart struct {
	Role   string `json:"role,omitempty"`
	Model  string `json:"model,omitempty"`
	TurnID string `json:"turnId,omitempty"`
}

// MessageEnd is the payload for message-end.
type MessageEnd struct {
	StopReason string `json:"stopReason"`
	Usage      Usage  `json:"usage"`
}

// BlockStart is the payload for text-start, thinking-start and tool-start.
type BlockStart struct {
	Index    int       `json:"index"`
	Kind     BlockKind `json:"kind"`
	ItemID   string    `json:"itemId,omitempty"`
	ToolName string    `json:"toolName,omitempty"`
}

// Delta is the payload for text-delta and thinking-delta.
type Delta struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// ToolInputDelta is the payload for tool-input-delta. PartialJSON is either
// an incremental fragment (streaming vendors) or a full snapshot of the
// tool input so far (lifecycle vendors).
type ToolInputDelta struct {
	Index       int    `json:"index"`
	PartialJSON string `json:"partialJson"`
}

// BlockEnd is the payload for block-end.
type BlockEnd struct {
	Index int `json:"index"`
}

// Error is the payload for error events.
type Error struct {
	Message string `json:"message"`
	Context string `json:"context,omitempty"`
}

// ProcessExit is the payload for process-exit.
type ProcessExit struct {
	ExitCode int `json:"exitCode"`
}

// ServerDetected is the payload for server-detected.
type ServerDetected struct {
	URL    string `json:"url"`
	Scheme string `json:"scheme"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

// ServerCrashed is the payload for server-crashed: the process exited while
// previously-announced endpoints were still live.
type ServerCrashed struct {
	ExitCode  int      `json:"exitCode"`
	Endpoints []string `json:"endpoints"`
}

// Finding is one validated review finding.
type Finding struct {
	Title    string `json:"title"`
	Body     string `json:"body,omitempty"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Severity string `json:"severity"`
	Category string `json:"category,omitempty"`
}

// Review completion sources distinguish how the findings were recovered.
const (
	ReviewSourceFence   = "fence"   // tagged fenced code block
	ReviewSourceBracket = "bracket" // balanced bracketed list
	ReviewSourcePhrase  = "phrase"  // natural-language clean verdict
	ReviewSourceExit    = "exit"    // process exited before any strategy succeeded
)

// ReviewCompleted is the payload for review-completed. An empty Findings
// slice with Source "phrase" or "bracket" is a genuine clean result;
// Source "exit" marks the explicit empty result emitted when the process
// terminated before anything could be extracted.
type ReviewCompleted struct {
	ReviewID string    `json:"reviewId"`
	Source   string    `json:"source"`
	Findings []Finding `json:"findings"`
}

// ApprovalRequest is the payload for approval-request. Params carries the
// full original parameter set for completeness.
type ApprovalRequest struct {
	RequestID int64           `json:"requestId"`
	Method    string          `json:"method"`
	ToolName  string          `json:"toolName"`
	Summary   string          `json:"summary,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// SessionNamed is the payload for session-named.
type SessionNamed struct {
	Name string `json:"name"`
}
