package detect

import (
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/agent-relay/backend/internal/event"
	"github.com/agent-relay/backend/internal/extract"
)

// defaultStreamBufferCap bounds the per-session remainder buffer for the
// vendor stream detectors. Oldest data is dropped beyond this.
const defaultStreamBufferCap = 256 << 10

// ClaudeDetector normalizes the Claude Code stream-json protocol: records
// are brace-delimited JSON objects embedded anywhere in free-form terminal
// output, possibly split across chunks and re-wrapped by the PTY. Within a
// record, streaming happens through nested stream events (message_start,
// content_block_start/delta/stop, message_delta, message_stop).
type ClaudeDetector struct {
	mu        sync.Mutex
	sessions  map[string]*claudeSession
	bufferCap int
	logger    *zap.Logger
}

type claudeSession struct {
	remainder string

	open      bool // a message-start was emitted and not yet closed
	streamed  bool // stream events were seen for the current turn
	blocks    map[int]event.BlockKind
	nextIndex int // running per-turn block index for records that carry none
	usage     event.Usage
	stop      string
}

// NewClaudeDetector creates a detector with the default buffer cap.
func NewClaudeDetector(logger *zap.Logger) *ClaudeDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClaudeDetector{
		sessions:  make(map[string]*claudeSession),
		bufferCap: defaultStreamBufferCap,
		logger:    logger,
	}
}

func (d *ClaudeDetector) Name() string { return "claude" }

func (d *ClaudeDetector) ProcessOutput(sessionID, chunk string) []event.Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.sessions[sessionID]
	if s == nil {
		s = &claudeSession{blocks: make(map[int]event.BlockKind)}
		d.sessions[sessionID] = s
	}

	buf := s.remainder + extract.StripANSI(chunk)
	res := extract.Records(buf)
	s.remainder = res.Remainder
	if len(s.remainder) > d.bufferCap {
		s.remainder = s.remainder[len(s.remainder)-d.bufferCap:]
	}

	var events []event.Event
	for _, rec := range res.Records {
		events = append(events, d.handleRecord(sessionID, s, rec)...)
	}
	return events
}

// claudeRecord is the envelope shared by all top-level record types.
type claudeRecord struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Model     string          `json:"model"`
	CWD       string          `json:"cwd"`
	Version   string          `json:"claude_code_version"`
	Tools     []string        `json:"tools"`
	Event     json.RawMessage `json:"event"`
	Message   json.RawMessage `json:"message"`
	Usage     *claudeUsage    `json:"usage"`
	IsError   bool            `json:"is_error"`
	Result    string          `json:"result"`
}

type claudeUsage struct {
	InputTokens              int `json:"input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	OutputTokens             int `json:"output_tokens"`
}

func (u *claudeUsage) merge(into *event.Usage) {
	if u == nil {
		return
	}
	if n := u.InputTokens + u.CacheCreationInputTokens; n > 0 {
		into.InputTokens = n
	}
	if u.CacheReadInputTokens > 0 {
		into.CachedInputTokens = u.CacheReadInputTokens
	}
	if u.OutputTokens > 0 {
		into.OutputTokens = u.OutputTokens
	}
	into.TotalTokens = into.InputTokens + into.CachedInputTokens + into.OutputTokens
}

func (d *ClaudeDetector) handleRecord(sessionID string, s *claudeSession, raw string) []event.Event {
	var rec claudeRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		// Balanced braces but not a record; treat as noise.
		return nil
	}

	switch rec.Type {
	case "system":
		if rec.Subtype != "init" {
			return nil
		}
		return []event.Event{event.New(sessionID, event.TypeSessionInit, event.SessionInit{
			ProtocolSessionID: rec.SessionID,
			Model:             rec.Model,
			WorkingDir:        rec.CWD,
			Version:           rec.Version,
			Tools:             rec.Tools,
		})}

	case "stream_event":
		return d.handleStreamEvent(sessionID, s, rec.Event)

	case "assistant":
		// Complete (non-streaming) assistant message. When stream events
		// already carried this turn, the trailing assistant record is a
		// duplicate and is skipped.
		if s.streamed {
			return nil
		}
		return d.handleAssistant(sessionID, s, rec.Message)

	case "result":
		var events []event.Event
		if rec.IsError {
			events = append(events, event.New(sessionID, event.TypeError, event.Error{
				Message: rec.Result,
				Context: rec.Subtype,
			}))
		}
		if s.open {
			rec.Usage.merge(&s.usage)
			stop := s.stop
			if stop == "" {
				stop = event.StopEndTurn
			}
			if rec.IsError {
				stop = event.StopError
			}
			events = append(events, d.closeMessage(sessionID, s, stop)...)
		}
		s.streamed = false
		return events

	case "error":
		events := []event.Event{event.New(sessionID, event.TypeError, event.Error{
			Message: rec.Result,
			Context: "protocol",
		})}
		if s.open {
			events = append(events, d.closeMessage(sessionID, s, event.StopError)...)
		}
		// Like "result", an error record ends the exchange; the next turn
		// may arrive as a complete assistant record.
		s.streamed = false
		return events
	}

	return nil
}

// streamEvent is the nested event carried by a stream_event record.
type streamEvent struct {
	Type         string          `json:"type"`
	Index        int             `json:"index"`
	ContentBlock json.RawMessage `json:"content_block"`
	Delta        json.RawMessage `json:"delta"`
	Usage        *claudeUsage    `json:"usage"`
	Message      *struct {
		Role  string       `json:"role"`
		Model string       `json:"model"`
		Usage *claudeUsage `json:"usage"`
	} `json:"message"`
}

func (d *ClaudeDetector) handleStreamEvent(sessionID string, s *claudeSession, raw json.RawMessage) []event.Event {
	var ev streamEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil
	}
	s.streamed = true

	switch ev.Type {
	case "message_start":
		var events []event.Event
		if s.open {
			// Previous message never saw its stop; close it first.
			events = append(events, d.closeMessage(sessionID, s, event.StopEndTurn)...)
		}
		start := event.MessageStart{}
		if ev.Message != nil {
			start.Role = ev.Message.Role
			start.Model = ev.Message.Model
			ev.Message.Usage.merge(&s.usage)
		}
		s.open = true
		return append(events, event.New(sessionID, event.TypeMessageStart, start))

	case "content_block_start":
		events := d.ensureMessage(sessionID, s)
		kind, toolName, itemID := parseClaudeBlock(ev.ContentBlock)
		s.blocks[ev.Index] = kind
		if ev.Index >= s.nextIndex {
			s.nextIndex = ev.Index + 1
		}
		return append(events, event.New(sessionID, event.StartType(kind), event.BlockStart{
			Index:    ev.Index,
			Kind:     kind,
			ItemID:   itemID,
			ToolName: toolName,
		}))

	case "content_block_delta":
		events := d.ensureMessage(sessionID, s)
		kind, text, ok := parseClaudeDelta(ev.Delta)
		if !ok {
			return events
		}
		if _, open := s.blocks[ev.Index]; !open {
			// Delta for a block whose start was never observed (dropped
			// by the terminal). Synthesize the start at the delta's index.
			s.blocks[ev.Index] = kind
			if ev.Index >= s.nextIndex {
				s.nextIndex = ev.Index + 1
			}
			events = append(events, event.New(sessionID, event.StartType(kind), event.BlockStart{
				Index: ev.Index,
				Kind:  kind,
			}))
		}
		if kind == event.BlockToolUse {
			return append(events, event.New(sessionID, event.TypeToolInputDelta, event.ToolInputDelta{
				Index:       ev.Index,
				PartialJSON: text,
			}))
		}
		return append(events, event.New(sessionID, event.DeltaType(kind), event.Delta{
			Index: ev.Index,
			Text:  text,
		}))

	case "content_block_stop":
		if _, open := s.blocks[ev.Index]; !open {
			return nil
		}
		delete(s.blocks, ev.Index)
		return []event.Event{event.New(sessionID, event.TypeBlockEnd, event.BlockEnd{Index: ev.Index})}

	case "message_delta":
		ev.Usage.merge(&s.usage)
		var delta struct {
			StopReason *string `json:"stop_reason"`
		}
		if json.Unmarshal(ev.Delta, &delta) == nil && delta.StopReason != nil {
			s.stop = *delta.StopReason
		}
		return nil

	case "message_stop":
		if !s.open {
			return nil
		}
		stop := s.stop
		if stop == "" {
			stop = event.StopEndTurn
		}
		return d.closeMessage(sessionID, s, stop)
	}

	return nil
}

// handleAssistant expands a complete assistant message into the canonical
// start/delta/end shape, one block triple per content entry.
func (d *ClaudeDetector) handleAssistant(sessionID string, s *claudeSession, raw json.RawMessage) []event.Event {
	var msg struct {
		Role    string          `json:"role"`
		Model   string          `json:"model"`
		Usage   *claudeUsage    `json:"usage"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}

	var events []event.Event
	if !s.open {
		s.open = true
		events = append(events, event.New(sessionID, event.TypeMessageStart, event.MessageStart{
			Role:  msg.Role,
			Model: msg.Model,
		}))
	}
	msg.Usage.merge(&s.usage)

	var blocks []json.RawMessage
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return events
	}
	for _, raw := range blocks {
		kind, toolName, itemID := parseClaudeBlock(raw)
		idx := s.nextIndex
		s.nextIndex++
		events = append(events, event.New(sessionID, event.StartType(kind), event.BlockStart{
			Index:    idx,
			Kind:     kind,
			ItemID:   itemID,
			ToolName: toolName,
		}))
		if text := claudeBlockText(raw, kind); text != "" {
			if kind == event.BlockToolUse {
				events = append(events, event.New(sessionID, event.TypeToolInputDelta, event.ToolInputDelta{
					Index:       idx,
					PartialJSON: text,
				}))
			} else {
				events = append(events, event.New(sessionID, event.DeltaType(kind), event.Delta{
					Index: idx,
					Text:  text,
				}))
			}
		}
		events = append(events, event.New(sessionID, event.TypeBlockEnd, event.BlockEnd{Index: idx}))
	}
	return events
}

// ensureMessage synthesizes message-start when an item-level record arrives
// before any explicit message_start (missing or reordered turn start).
func (d *ClaudeDetector) ensureMessage(sessionID string, s *claudeSession) []event.Event {
	if s.open {
		return nil
	}
	s.open = true
	return []event.Event{event.New(sessionID, event.TypeMessageStart, event.MessageStart{})}
}

// closeMessage emits block-end for every open block, then message-end, and
// resets per-turn state.
func (d *ClaudeDetector) closeMessage(sessionID string, s *claudeSession, stop string) []event.Event {
	var events []event.Event
	open := make([]int, 0, len(s.blocks))
	for idx := range s.blocks {
		open = append(open, idx)
	}
	sort.Ints(open)
	for _, idx := range open {
		events = append(events, event.New(sessionID, event.TypeBlockEnd, event.BlockEnd{Index: idx}))
	}
	events = append(events, event.New(sessionID, event.TypeMessageEnd, event.MessageEnd{
		StopReason: stop,
		Usage:      s.usage,
	}))
	s.open = false
	s.stop = ""
	s.nextIndex = 0
	s.blocks = make(map[int]event.BlockKind)
	s.usage = event.Usage{}
	return events
}

func (d *ClaudeDetector) OnExit(sessionID string, exitCode int) []event.Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	var events []event.Event
	if s := d.sessions[sessionID]; s != nil && s.open {
		events = append(events, d.closeMessage(sessionID, s, event.StopTerminalExit)...)
	}
	delete(d.sessions, sessionID)
	return append(events, event.New(sessionID, event.TypeProcessExit, event.ProcessExit{ExitCode: exitCode}))
}

func (d *ClaudeDetector) Cleanup(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sessionID)
}

// parseClaudeBlock maps a content_block payload onto a canonical block kind.
func parseClaudeBlock(raw json.RawMessage) (kind event.BlockKind, toolName, itemID string) {
	var block struct {
		Type string `json:"type"`
		Name string `json:"name"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(raw, &block); err != nil {
		return event.BlockText, "", ""
	}
	switch block.Type {
	case "thinking", "redacted_thinking":
		return event.BlockThinking, "", block.ID
	case "tool_use", "server_tool_use", "mcp_tool_use":
		return event.BlockToolUse, block.Name, block.ID
	default:
		return event.BlockText, "", block.ID
	}
}

// parseClaudeDelta extracts the delta text and block kind from a
// content_block_delta payload.
func parseClaudeDelta(raw json.RawMessage) (event.BlockKind, string, bool) {
	var delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
	}
	if err := json.Unmarshal(raw, &delta); err != nil {
		return event.BlockText, "", false
	}
	switch delta.Type {
	case "text_delta":
		return event.BlockText, delta.Text, true
	case "thinking_delta":
		return event.BlockThinking, delta.Thinking, true
	case "input_json_delta":
		return event.BlockToolUse, delta.PartialJSON, true
	default:
		return event.BlockText, "", false
	}
}

// claudeBlockText returns the full content of a complete (non-streamed)
// content block.
func claudeBlockText(raw json.RawMessage, kind event.BlockKind) string {
	var block struct {
		Text     string          `json:"text"`
		Thinking string          `json:"thinking"`
		Input    json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(raw, &block); err != nil {
		return ""
	}
	switch kind {
	case event.BlockThinking:
		return block.Thinking
	case event.BlockToolUse:
		return string(block.Input)
	default:
		return block.Text
	}
}
