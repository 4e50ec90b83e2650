package session

import (
	"sync"

	"go.uber.org/zap"

	"github.com/agent-relay/backend/internal/event"
)

// Tracker folds batches of canonical events into per-session summaries.
// It subscribes to the detector registry and pushes updated snapshots to an
// observer callback (typically the websocket broadcaster).
type Tracker struct {
	mu      sync.Mutex
	store   *Store
	observe func(Event)
	logger  *zap.Logger
}

// NewTracker creates a tracker writing into store. observe may be nil.
func NewTracker(store *Store, observe func(Event), logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:   store,
		observe: observe,
		logger:  logger,
	}
}

// Apply folds one event batch. Matches the registry subscriber signature.
func (t *Tracker) Apply(events []event.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	touched := make(map[string]bool)
	fresh := make(map[string]bool)
	for _, ev := range events {
		sum, ok := t.store.Get(ev.SessionID)
		if !ok {
			sum = &Summary{
				ID:        ev.SessionID,
				Activity:  Starting,
				StartedAt: ev.Timestamp,
			}
			fresh[ev.SessionID] = true
		}
		t.fold(sum, ev)
		sum.LastEventAt = ev.Timestamp
		t.store.Update(sum)
		touched[ev.SessionID] = true
	}

	if t.observe == nil {
		return
	}
	for id := range touched {
		sum, ok := t.store.Get(id)
		if !ok {
			continue
		}
		typ := EventUpdate
		switch {
		case fresh[id]:
			typ = EventNew
		case sum.IsTerminal():
			typ = EventTerminal
		}
		t.observe(Event{
			Type:        typ,
			Summary:     sum,
			ActiveCount: t.store.ActiveCount(),
		})
	}
}

// SetPID attaches the host process id to a session so the activity sampler
// can find it. A summary is created if output has not arrived yet.
func (t *Tracker) SetPID(sessionID string, pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sum, ok := t.store.Get(sessionID)
	if !ok {
		sum = &Summary{ID: sessionID, Activity: Starting}
	}
	sum.PID = pid
	t.store.Update(sum)
}

// SetChurning records the sampler's CPU-activity verdict.
func (t *Tracker) SetChurning(sessionID string, churning bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sum, ok := t.store.Get(sessionID)
	if !ok || sum.IsChurning == churning {
		return
	}
	sum.IsChurning = churning
	t.store.Update(sum)
}

func (t *Tracker) fold(s *Summary, ev event.Event) {
	switch ev.Type {
	case event.TypeSessionInit:
		if p, ok := ev.Payload.(event.SessionInit); ok {
			s.ProtocolSessionID = p.ProtocolSessionID
			if p.Model != "" {
				s.Model = p.Model
			}
			if p.WorkingDir != "" {
				s.WorkingDir = p.WorkingDir
			}
		}

	case event.TypeMessageStart:
		if p, ok := ev.Payload.(event.MessageStart); ok && p.Model != "" {
			s.Model = p.Model
		}
		s.Activity = Thinking
		s.CurrentTool = ""

	case event.TypeThinkingStart, event.TypeThinkingDelta:
		s.Activity = Thinking

	case event.TypeTextStart, event.TypeTextDelta:
		s.Activity = Responding

	case event.TypeToolStart:
		s.Activity = ToolUse
		s.ToolCallCount++
		if p, ok := ev.Payload.(event.BlockStart); ok {
			s.CurrentTool = p.ToolName
		}

	case event.TypeToolInputDelta:
		s.Activity = ToolUse

	case event.TypeMessageEnd:
		s.Activity = Idle
		s.CurrentTool = ""
		s.MessageCount++
		if p, ok := ev.Payload.(event.MessageEnd); ok && !p.Usage.IsZero() {
			s.Usage.InputTokens += p.Usage.InputTokens
			s.Usage.CachedInputTokens += p.Usage.CachedInputTokens
			s.Usage.OutputTokens += p.Usage.OutputTokens
			s.Usage.TotalTokens += p.Usage.TotalTokens
		}

	case event.TypeApprovalRequest:
		s.Activity = Waiting
		s.PendingApprovals++

	case event.TypeError:
		s.ErrorCount++
		if p, ok := ev.Payload.(event.Error); ok {
			s.LastError = p.Message
		}

	case event.TypeServerDetected:
		if p, ok := ev.Payload.(event.ServerDetected); ok {
			s.Endpoints = append(s.Endpoints, p.URL)
		}

	case event.TypeServerCrashed:
		s.Endpoints = nil

	case event.TypeReviewCompleted:
		if p, ok := ev.Payload.(event.ReviewCompleted); ok {
			s.FindingCount += len(p.Findings)
		}

	case event.TypeSessionNamed:
		if p, ok := ev.Payload.(event.SessionNamed); ok {
			s.Name = p.Name
		}

	case event.TypeProcessExit:
		if p, ok := ev.Payload.(event.ProcessExit); ok {
			code := p.ExitCode
			s.ExitCode = &code
			if code == 0 {
				s.Activity = Complete
			} else {
				s.Activity = Errored
			}
		} else {
			s.Activity = Complete
		}
		done := ev.Timestamp
		s.CompletedAt = &done
		s.CurrentTool = ""
	}
}
