package mock

import (
	"context"
	"testing"
	"time"

	"github.com/agent-relay/backend/internal/detect"
	"github.com/agent-relay/backend/internal/event"
	"github.com/agent-relay/backend/internal/session"
)

func TestClaudeScriptRoundTrips(t *testing.T) {
	d := detect.NewClaudeDetector(nil)

	chunks := claudeScript("proto-1", "claude-sonnet-4-5", "/tmp/project",
		textTurn("hello world"),
		toolTurn("Bash", `{"command":"ls"}`),
	)

	var events []event.Event
	for _, c := range chunks {
		events = append(events, d.ProcessOutput("s1", c)...)
	}

	counts := map[event.Type]int{}
	var text string
	for _, ev := range events {
		counts[ev.Type]++
		if ev.Type == event.TypeTextDelta {
			text += ev.Payload.(event.Delta).Text
		}
	}

	if counts[event.TypeSessionInit] != 1 {
		t.Errorf("session-init count = %d", counts[event.TypeSessionInit])
	}
	if counts[event.TypeMessageStart] != 2 || counts[event.TypeMessageEnd] != 2 {
		t.Errorf("message starts/ends = %d/%d, want 2/2",
			counts[event.TypeMessageStart], counts[event.TypeMessageEnd])
	}
	if text != "hello world" {
		t.Errorf("reassembled text = %q", text)
	}
	if counts[event.TypeToolStart] != 1 || counts[event.TypeToolInputDelta] != 2 {
		t.Errorf("tool start/input = %d/%d",
			counts[event.TypeToolStart], counts[event.TypeToolInputDelta])
	}
}

func TestCodexScriptRoundTrips(t *testing.T) {
	d := detect.NewCodexDetector(nil)

	var events []event.Event
	for _, c := range codexScript("thread-1") {
		events = append(events, d.ProcessOutput("s1", c)...)
	}

	var text string
	counts := map[event.Type]int{}
	for _, ev := range events {
		counts[ev.Type]++
		if ev.Type == event.TypeTextDelta {
			text += ev.Payload.(event.Delta).Text
		}
	}

	if counts[event.TypeSessionInit] != 1 || counts[event.TypeMessageEnd] != 1 {
		t.Errorf("init/message-end = %d/%d",
			counts[event.TypeSessionInit], counts[event.TypeMessageEnd])
	}
	if counts[event.TypeThinkingStart] != 1 || counts[event.TypeToolStart] != 1 {
		t.Errorf("thinking/tool starts = %d/%d",
			counts[event.TypeThinkingStart], counts[event.TypeToolStart])
	}
	want := "Schema migration drafted; running it against the shadow database first."
	if text != want {
		t.Errorf("reassembled text = %q", text)
	}
}

func TestGeneratorPlaysAllSessionsToCompletion(t *testing.T) {
	store := session.NewStore()
	tracker := session.NewTracker(store, nil, nil)

	registry := detect.NewRegistry(nil)
	registry.RegisterDetector(detect.NewClaudeDetector(nil))
	registry.RegisterDetector(detect.NewCodexDetector(nil))
	registry.RegisterDetector(detect.NewLivenessDetector(nil))
	registry.Subscribe(tracker.Apply)

	gen := NewGenerator(registry, nil, nil)
	gen.interval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gen.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if allDone(store, "mock-refactor", "mock-tests", "mock-migrate", "mock-devserver") {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	sum, ok := store.Get("mock-refactor")
	if !ok || !sum.IsTerminal() {
		t.Fatalf("mock-refactor did not finish: %+v", sum)
	}
	if sum.ProtocolSessionID != "proto-refactor" || sum.MessageCount != 3 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestDevServerScriptAnnouncesEndpoint(t *testing.T) {
	d := detect.NewLivenessDetector(nil)

	var dev *mockSession
	for _, s := range scriptedSessions() {
		if s.id == "mock-devserver" {
			dev = s
		}
	}
	if dev == nil {
		t.Fatal("no dev server session scripted")
	}

	var detected []event.Event
	for _, c := range dev.chunks {
		for _, ev := range d.ProcessOutput("s1", c) {
			if ev.Type == event.TypeServerDetected {
				detected = append(detected, ev)
			}
		}
	}
	if len(detected) != 1 {
		t.Fatalf("server-detected count = %d", len(detected))
	}
	if p := detected[0].Payload.(event.ServerDetected); p.Port != 5173 {
		t.Errorf("endpoint = %+v", p)
	}
}

func allDone(store *session.Store, ids ...string) bool {
	for _, id := range ids {
		sum, ok := store.Get(id)
		if !ok || !sum.IsTerminal() {
			return false
		}
	}
	return true
}
