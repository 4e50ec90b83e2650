// Package mock drives the engine with synthetic vendor output so the
// dashboard and clients can be exercised without a live agent attached.
// The generator does not touch session state directly; it plays raw
// protocol chunks through the detector registry, so everything downstream
// of ingestion runs exactly as it would for a real process.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agent-relay/backend/internal/detect"
	"github.com/agent-relay/backend/internal/event"
	"github.com/agent-relay/backend/internal/ws"
)

type mockSession struct {
	id       string
	chunks   []string
	exitCode int
	pos      int
	done     bool
}

type Generator struct {
	registry    *detect.Registry
	broadcaster *ws.Broadcaster
	logger      *zap.Logger
	interval    time.Duration
	sessions    []*mockSession
}

func NewGenerator(registry *detect.Registry, broadcaster *ws.Broadcaster, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		registry:    registry,
		broadcaster: broadcaster,
		logger:      logger,
		interval:    400 * time.Millisecond,
	}
}

// Start seeds the scripted sessions and begins playback in the background.
func (g *Generator) Start(ctx context.Context) {
	g.sessions = scriptedSessions()
	go g.run(ctx)
}

func scriptedSessions() []*mockSession {
	sessions := []*mockSession{
		{
			id: "mock-refactor",
			chunks: claudeScript("proto-refactor", "claude-opus-4-5", "/home/user/myproject",
				textTurn("Looking at the package layout, the cache and store layers can share one interface."),
				toolTurn("Bash", `{"command":"go test ./internal/cache/..."}`),
				textTurn("Tests pass. Moving the eviction logic next."),
			),
		},
		{
			id: "mock-tests",
			chunks: claudeScript("proto-tests", "claude-sonnet-4-5", "/home/user/webapp",
				thinkingTurn("The flaky test pins a wall-clock deadline; it needs a fake clock."),
				toolTurn("Edit", `{"file_path":"server/handler_test.go"}`),
			),
		},
		{
			id:     "mock-migrate",
			chunks: codexScript("thread-migrate"),
		},
		{
			id: "mock-devserver",
			chunks: []string{
				"$ npm run dev\n",
				"> webapp@0.1.0 dev\n> vite\n",
				"  VITE v5.4.2  ready in 301 ms\n",
				"  ➜  Local:   http://localhost:5173/\n",
			},
		},
	}

	// One claude record split mid-brace, the way a PTY delivers it.
	if s := sessions[0]; len(s.chunks) > 2 {
		rec := s.chunks[2]
		cut := len(rec) / 2
		tail := append([]string{rec[:cut], rec[cut:]}, s.chunks[3:]...)
		s.chunks = append(s.chunks[:2:2], tail...)
	}
	return sessions
}

func (g *Generator) run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			remaining := 0
			for _, s := range g.sessions {
				if s.done {
					continue
				}
				if s.pos < len(s.chunks) {
					g.publish(g.registry.ProcessOutput(s.id, s.chunks[s.pos]))
					s.pos++
				}
				if s.pos >= len(s.chunks) {
					g.publish(g.registry.OnExit(s.id, s.exitCode))
					g.registry.Cleanup(s.id)
					s.done = true
					continue
				}
				remaining++
			}
			if remaining == 0 {
				g.logger.Info("mock playback finished")
				return
			}
		}
	}
}

func (g *Generator) publish(events []event.Event) {
	if g.broadcaster != nil {
		g.broadcaster.QueueEvents(events)
	}
}

// turn is a pre-rendered sequence of stream_event records.
type turn []string

// claudeScript renders an init record plus the given turns, one chunk per
// record.
func claudeScript(protoID, model, cwd string, turns ...turn) []string {
	chunks := []string{fmt.Sprintf(
		`{"type":"system","subtype":"init","session_id":%q,"model":%q,"cwd":%q,"tools":["Bash","Read","Edit"]}`,
		protoID, model, cwd)}
	for _, t := range turns {
		chunks = append(chunks, t...)
	}
	return chunks
}

func streamEvent(inner string) string {
	return fmt.Sprintf(`{"type":"stream_event","event":%s}`, inner)
}

func textTurn(text string) turn {
	return contentTurn("text", "text_delta", "text", text)
}

func thinkingTurn(text string) turn {
	return contentTurn("thinking", "thinking_delta", "thinking", text)
}

func contentTurn(blockType, deltaType, field, text string) turn {
	t := turn{
		streamEvent(`{"type":"message_start","message":{"role":"assistant"}}`),
		streamEvent(fmt.Sprintf(`{"type":"content_block_start","index":0,"content_block":{"type":%q}}`, blockType)),
	}
	for _, word := range splitWords(text) {
		t = append(t, streamEvent(fmt.Sprintf(
			`{"type":"content_block_delta","index":0,"delta":{"type":%q,%q:%q}}`, deltaType, field, word)))
	}
	return append(t,
		streamEvent(`{"type":"content_block_stop","index":0}`),
		streamEvent(fmt.Sprintf(
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"input_tokens":%d,"output_tokens":%d}}`,
			1000+rand.Intn(4000), 50+rand.Intn(400))),
		streamEvent(`{"type":"message_stop"}`),
	)
}

func toolTurn(tool, input string) turn {
	t := turn{
		streamEvent(`{"type":"message_start","message":{"role":"assistant"}}`),
		streamEvent(fmt.Sprintf(
			`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","name":%q,"id":"toolu_mock"}}`, tool)),
	}
	// Stream the input json in two halves.
	half := len(input) / 2
	for _, part := range []string{input[:half], input[half:]} {
		t = append(t, streamEvent(fmt.Sprintf(
			`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":%q}}`, part)))
	}
	return append(t,
		streamEvent(`{"type":"content_block_stop","index":0}`),
		streamEvent(`{"type":"message_delta","delta":{"stop_reason":"tool_use"}}`),
		streamEvent(`{"type":"message_stop"}`),
	)
}

// codexScript renders an NDJSON thread with a reasoning item, a command
// execution, and a cumulative-text agent message.
func codexScript(threadID string) []string {
	message := "Schema migration drafted; running it against the shadow database first."
	lines := []string{
		fmt.Sprintf(`{"type":"thread.started","thread_id":%q}`, threadID),
		`{"type":"turn.started"}`,
		`{"type":"item.started","item":{"id":"item_0","type":"reasoning","text":""}}`,
		`{"type":"item.completed","item":{"id":"item_0","type":"reasoning","text":"The orders table rename needs a backfill step."}}`,
		`{"type":"item.started","item":{"id":"item_1","type":"command_execution","command":"psql -f migrate.sql","cwd":"/home/user/database"}}`,
		`{"type":"item.completed","item":{"id":"item_1","type":"command_execution","command":"psql -f migrate.sql","cwd":"/home/user/database","status":"completed"}}`,
		`{"type":"item.started","item":{"id":"item_2","type":"agent_message","text":""}}`,
	}
	for _, cut := range []int{len(message) / 3, 2 * len(message) / 3} {
		lines = append(lines, fmt.Sprintf(
			`{"type":"item.updated","item":{"id":"item_2","type":"agent_message","text":%q}}`, message[:cut]))
	}
	lines = append(lines,
		fmt.Sprintf(`{"type":"item.completed","item":{"id":"item_2","type":"agent_message","text":%q}}`, message),
		`{"type":"turn.completed","usage":{"input_tokens":5200,"output_tokens":310}}`,
	)
	for i := range lines {
		lines[i] += "\n"
	}
	return lines
}

// splitWords cuts text into word-sized delta payloads, keeping the
// separating spaces so concatenation reproduces the original.
func splitWords(text string) []string {
	fields := strings.SplitAfter(text, " ")
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
