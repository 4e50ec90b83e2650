// Package detect contains the output-normalization engine: a registry of
// independent stream detectors that consume raw terminal output per session
// and produce the canonical event stream defined in internal/event.
//
// Detectors are fully independent of each other. Each owns its own
// per-session state; a failure inside one detector never corrupts or blocks
// another. Session state is created lazily on first output for a session id
// and released on cleanup or exit notification.
package detect

import "github.com/agent-relay/backend/internal/event"

// Detector is the polymorphic capability every stream detector implements.
//
// Implementations must be safe for concurrent use across session ids; the
// registry serializes calls, so within one registry a detector never sees
// two calls at once, but detectors guard their own state regardless.
type Detector interface {
	// Name returns a short lowercase identifier for this detector,
	// e.g. "claude", "codex", "liveness". Used in logs and as the
	// registry's unregistration key.
	Name() string

	// ProcessOutput consumes one chunk of decoded output for a session
	// and returns zero or more canonical events. Terminal control codes
	// may still be present in chunk; detectors strip them first.
	ProcessOutput(sessionID, chunk string) []event.Event

	// OnExit is called once when the session's underlying process
	// terminates. Detectors must synthesize closing events for any
	// lifecycle left open, then release the session's state.
	OnExit(sessionID string, exitCode int) []event.Event

	// Cleanup releases session state and cancels pending timers.
	// Idempotent; unknown session ids are a no-op.
	Cleanup(sessionID string)
}

// asyncEmitter is implemented by detectors whose results can arrive after
// the originating call has returned (the naming detector). The registry
// wires its async emit callback into these at registration time.
type asyncEmitter interface {
	SetEmitter(func(event.Event))
}
