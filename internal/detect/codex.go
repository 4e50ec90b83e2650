package detect

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agent-relay/backend/internal/event"
	"github.com/agent-relay/backend/internal/extract"
)

// codexLineCap bounds the carried partial line for a session.
const codexLineCap = 64 << 10

// CodexDetector normalizes the Codex CLI NDJSON protocol: one JSON record
// per line, dotted type tags describing thread/turn/item lifecycles
// (thread.started, turn.started, item.started/updated/completed,
// turn.completed, turn.failed), plus JSON-RPC approval requests sharing the
// same transport. Items arrive with cumulative content; the detector turns
// them into canonical block start/delta/end triples.
type CodexDetector struct {
	mu       sync.Mutex
	sessions map[string]*codexSession
	logger   *zap.Logger
}

type codexSession struct {
	partial string // incomplete trailing line

	msgOpen   bool
	nextIndex int
	items     map[string]*codexItem
	usage     event.Usage
}

type codexItem struct {
	index int
	kind  event.BlockKind
	sent  string // content already emitted as deltas
}

// NewCodexDetector creates a detector with empty session state.
func NewCodexDetector(logger *zap.Logger) *CodexDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CodexDetector{
		sessions: make(map[string]*codexSession),
		logger:   logger,
	}
}

func (d *CodexDetector) Name() string { return "codex" }

func (d *CodexDetector) ProcessOutput(sessionID, chunk string) []event.Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.sessions[sessionID]
	if s == nil {
		s = &codexSession{items: make(map[string]*codexItem)}
		d.sessions[sessionID] = s
	}

	buf := s.partial + extract.StripANSI(chunk)
	lines := strings.Split(buf, "\n")
	s.partial = lines[len(lines)-1]
	if len(s.partial) > codexLineCap {
		s.partial = s.partial[len(s.partial)-codexLineCap:]
	}

	var events []event.Event
	for _, line := range lines[:len(lines)-1] {
		events = append(events, d.handleLine(sessionID, s, strings.TrimSpace(line))...)
	}
	return events
}

// codexLine is the envelope for both protocol records (type-tagged) and
// JSON-RPC approval requests (method + numeric id, no type tag).
type codexLine struct {
	Type   string          `json:"type"`
	Method string          `json:"method"`
	ID     *int64          `json:"id"`
	Params json.RawMessage `json:"params"`

	ThreadID string          `json:"thread_id"`
	Item     json.RawMessage `json:"item"`
	Usage    *codexUsage     `json:"usage"`
	Error    *codexError     `json:"error"`
	Message  string          `json:"message"`
}

type codexUsage struct {
	InputTokens       int `json:"input_tokens"`
	CachedInputTokens int `json:"cached_input_tokens"`
	OutputTokens      int `json:"output_tokens"`
}

type codexError struct {
	Message string `json:"message"`
}

func (d *CodexDetector) handleLine(sessionID string, s *codexSession, line string) []event.Event {
	if line == "" || !strings.HasPrefix(line, "{") {
		return nil
	}

	var rec codexLine
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		// Free-form output interleaved with the protocol stream; skip.
		return nil
	}

	// JSON-RPC approval requests are discriminated by a method field plus
	// numeric id and bypass the turn/item state machine entirely.
	if rec.Method != "" && rec.ID != nil {
		return []event.Event{d.approvalRequest(sessionID, rec)}
	}

	switch rec.Type {
	case "thread.started":
		return []event.Event{event.New(sessionID, event.TypeSessionInit, event.SessionInit{
			ProtocolSessionID: rec.ThreadID,
		})}

	case "turn.started":
		// Entering a turn resets per-turn counters. message-start is
		// synthesized lazily by the first item-related record.
		s.resetTurn()
		return nil

	case "item.started", "item.updated", "item.completed":
		return d.handleItem(sessionID, s, rec.Type, rec.Item)

	case "turn.completed":
		if rec.Usage != nil {
			s.usage = event.Usage{
				InputTokens:       rec.Usage.InputTokens,
				CachedInputTokens: rec.Usage.CachedInputTokens,
				OutputTokens:      rec.Usage.OutputTokens,
				TotalTokens:       rec.Usage.InputTokens + rec.Usage.CachedInputTokens + rec.Usage.OutputTokens,
			}
		}
		return d.closeTurn(sessionID, s, event.StopEndTurn)

	case "turn.failed":
		msg := "turn failed"
		if rec.Error != nil && rec.Error.Message != "" {
			msg = rec.Error.Message
		}
		events := []event.Event{event.New(sessionID, event.TypeError, event.Error{
			Message: msg,
			Context: "turn",
		})}
		return append(events, d.closeTurn(sessionID, s, event.StopError)...)

	case "error":
		msg := rec.Message
		if msg == "" && rec.Error != nil {
			msg = rec.Error.Message
		}
		events := []event.Event{event.New(sessionID, event.TypeError, event.Error{
			Message: msg,
			Context: "protocol",
		})}
		if s.msgOpen {
			events = append(events, d.closeTurn(sessionID, s, event.StopError)...)
		}
		return events
	}

	return nil
}

// codexItemRecord is the item payload shared by the three item records.
type codexItemRecord struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	ItemType string          `json:"item_type"`
	Text     string          `json:"text"`
	Command  string          `json:"command"`
	CWD      string          `json:"cwd"`
	Server   string          `json:"server"`
	Tool     string          `json:"tool"`
	Query    string          `json:"query"`
	Status   string          `json:"status"`
	Changes  json.RawMessage `json:"changes"`
	Plan     json.RawMessage `json:"plan"`
	Output   string          `json:"aggregated_output"`
}

func (r codexItemRecord) itemType() string {
	if r.ItemType != "" {
		return r.ItemType
	}
	return r.Type
}

func (d *CodexDetector) handleItem(sessionID string, s *codexSession, recType string, raw json.RawMessage) []event.Event {
	var item codexItemRecord
	if err := json.Unmarshal(raw, &item); err != nil || item.ID == "" {
		return nil
	}

	// The first item-related record of a turn synthesizes message-start.
	var events []event.Event
	if !s.msgOpen {
		s.msgOpen = true
		events = append(events, event.New(sessionID, event.TypeMessageStart, event.MessageStart{Role: "assistant"}))
	}

	kind, toolName := mapCodexItem(item)

	it, seen := s.items[item.ID]
	if !seen {
		idx := s.nextIndex
		if recType == "item.started" {
			s.nextIndex++
		}
		// For items whose start record was never observed, the turn's
		// running block index is used as a best-effort approximation; it
		// is not reserved. Known imprecision, kept as-is.
		it = &codexItem{index: idx, kind: kind}
		s.items[item.ID] = it
		events = append(events, event.New(sessionID, event.StartType(kind), event.BlockStart{
			Index:    idx,
			Kind:     kind,
			ItemID:   item.ID,
			ToolName: toolName,
		}))
	}

	events = append(events, d.itemDelta(sessionID, it, item)...)

	if recType == "item.completed" {
		events = append(events, event.New(sessionID, event.TypeBlockEnd, event.BlockEnd{Index: it.index}))
		delete(s.items, item.ID)
	}
	return events
}

// itemDelta emits whatever content the record carries beyond what has
// already been streamed. Text kinds diff the cumulative text; tool kinds
// emit a structured snapshot of the input so far.
func (d *CodexDetector) itemDelta(sessionID string, it *codexItem, item codexItemRecord) []event.Event {
	if it.kind == event.BlockToolUse {
		snapshot := codexToolInput(item)
		if snapshot == "" || snapshot == it.sent {
			return nil
		}
		it.sent = snapshot
		return []event.Event{event.New(sessionID, event.TypeToolInputDelta, event.ToolInputDelta{
			Index:       it.index,
			PartialJSON: snapshot,
		})}
	}

	text := item.Text
	if text == "" || text == it.sent {
		return nil
	}
	delta := text
	if strings.HasPrefix(text, it.sent) {
		delta = text[len(it.sent):]
	}
	it.sent = text
	return []event.Event{event.New(sessionID, event.DeltaType(it.kind), event.Delta{
		Index: it.index,
		Text:  delta,
	})}
}

// closeTurn emits block-end for open items, message-end (only if a message
// had been started), and resets turn state.
func (d *CodexDetector) closeTurn(sessionID string, s *codexSession, stop string) []event.Event {
	var events []event.Event
	if s.msgOpen {
		indexes := make([]int, 0, len(s.items))
		for _, it := range s.items {
			indexes = append(indexes, it.index)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			events = append(events, event.New(sessionID, event.TypeBlockEnd, event.BlockEnd{Index: idx}))
		}
		events = append(events, event.New(sessionID, event.TypeMessageEnd, event.MessageEnd{
			StopReason: stop,
			Usage:      s.usage,
		}))
	}
	s.resetTurn()
	return events
}

func (s *codexSession) resetTurn() {
	s.msgOpen = false
	s.nextIndex = 0
	s.items = make(map[string]*codexItem)
	s.usage = event.Usage{}
}

func (d *CodexDetector) OnExit(sessionID string, exitCode int) []event.Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	var events []event.Event
	if s := d.sessions[sessionID]; s != nil && s.msgOpen {
		events = append(events, d.closeTurn(sessionID, s, event.StopTerminalExit)...)
	}
	delete(d.sessions, sessionID)
	return append(events, event.New(sessionID, event.TypeProcessExit, event.ProcessExit{ExitCode: exitCode}))
}

func (d *CodexDetector) Cleanup(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sessionID)
}

// approvalRequest translates a JSON-RPC approval request into a single
// canonical event, carrying a tool-name inference from the method, a
// best-effort summary of the requested action, and the full original
// parameter set.
func (d *CodexDetector) approvalRequest(sessionID string, rec codexLine) event.Event {
	payload := event.ApprovalRequest{
		RequestID: *rec.ID,
		Method:    rec.Method,
		ToolName:  approvalToolName(rec.Method),
		Summary:   approvalSummary(rec.Method, rec.Params),
		Params:    rec.Params,
	}
	return event.New(sessionID, event.TypeApprovalRequest, payload)
}

func approvalToolName(method string) string {
	switch method {
	case "execCommandApproval":
		return "shell"
	case "applyPatchApproval":
		return "apply_patch"
	}
	return strings.ToLower(strings.TrimSuffix(method, "Approval"))
}

func approvalSummary(method string, params json.RawMessage) string {
	var p struct {
		Command json.RawMessage `json:"command"`
		CWD     string          `json:"cwd"`
		Reason  string          `json:"reason"`
		Changes map[string]json.RawMessage `json:"file_changes"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return method
	}

	if cmd := flexibleCommand(p.Command); cmd != "" {
		return cmd
	}
	if len(p.Changes) > 0 {
		files := make([]string, 0, len(p.Changes))
		for path := range p.Changes {
			files = append(files, path)
		}
		sort.Strings(files)
		return fmt.Sprintf("apply changes to %d file(s): %s", len(files), strings.Join(files, ", "))
	}
	if p.Reason != "" {
		return p.Reason
	}
	return method
}

// flexibleCommand accepts the command as either a string or an argv list.
func flexibleCommand(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var argv []string
	if json.Unmarshal(raw, &argv) == nil {
		return strings.TrimSpace(strings.Join(argv, " "))
	}
	return ""
}

// mapCodexItem maps a vendor item type onto one of the three canonical
// block kinds, with a tool name for tool-use blocks.
func mapCodexItem(item codexItemRecord) (event.BlockKind, string) {
	switch item.itemType() {
	case "agent_message", "assistant_message":
		return event.BlockText, ""
	case "reasoning":
		return event.BlockThinking, ""
	case "command_execution":
		return event.BlockToolUse, "shell"
	case "file_change", "patch_apply":
		return event.BlockToolUse, "apply_patch"
	case "mcp_tool_call":
		name := item.Tool
		if item.Server != "" {
			name = item.Server + "." + item.Tool
		}
		return event.BlockToolUse, name
	case "web_search":
		return event.BlockToolUse, "web_search"
	case "todo_list", "plan_update":
		return event.BlockToolUse, "update_plan"
	default:
		// Unrecognized item types still surface, as tool-use with the
		// raw type for a name.
		return event.BlockToolUse, item.itemType()
	}
}

// codexToolInput builds the structured input snapshot for a tool-use item.
func codexToolInput(item codexItemRecord) string {
	input := map[string]any{}
	if item.Command != "" {
		input["command"] = item.Command
	}
	if item.CWD != "" {
		input["cwd"] = item.CWD
	}
	if item.Query != "" {
		input["query"] = item.Query
	}
	if len(item.Changes) > 0 {
		input["changes"] = json.RawMessage(item.Changes)
	}
	if len(item.Plan) > 0 {
		input["plan"] = json.RawMessage(item.Plan)
	}
	if len(input) == 0 {
		return ""
	}
	data, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	return string(data)
}
