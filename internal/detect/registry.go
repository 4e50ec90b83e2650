package detect

import (
	"sync"

	"go.uber.org/zap"

	"github.com/agent-relay/backend/internal/event"
)

// Registry owns the live set of detectors and subscribers. Output chunks
// and exit notifications fan out to every detector in registration order;
// collected events fan out to every subscriber. A panicking detector or
// subscriber is logged and suppressed at the registry boundary -- nothing
// in here is fatal to the host.
type Registry struct {
	mu        sync.Mutex
	detectors []Detector
	subs      map[int]func([]event.Event)
	nextSub   int
	failures  map[string]int // panics per detector name, served by /api/health
	asyncEmit func(event.Event)
	logger    *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithAsyncEmit wires the callback used by detectors whose results arrive
// after the originating call has returned. If never set, such results are
// dropped with a log line.
func WithAsyncEmit(fn func(event.Event)) Option {
	return func(r *Registry) { r.asyncEmit = fn }
}

// NewRegistry creates an empty registry. Pass zap.NewNop() to silence logs.
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		subs:     make(map[int]func([]event.Event)),
		failures: make(map[string]int),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterDetector appends d to the fan-out set. Detectors run, and their
// events dispatch, in registration order.
func (r *Registry) RegisterDetector(d Detector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detectors = append(r.detectors, d)
	if ae, ok := d.(asyncEmitter); ok {
		ae.SetEmitter(r.emitAsync)
	}
	r.logger.Info("detector registered", zap.String("detector", d.Name()))
}

// UnregisterDetector removes the detector with the given name. Unknown
// names are a no-op.
func (r *Registry) UnregisterDetector(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, d := range r.detectors {
		if d.Name() == name {
			r.detectors = append(r.detectors[:i], r.detectors[i+1:]...)
			r.logger.Info("detector unregistered", zap.String("detector", name))
			return
		}
	}
}

// Subscribe adds a callback receiving every dispatched event batch and
// returns the matching unsubscribe function.
func (r *Registry) Subscribe(fn func([]event.Event)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

// ProcessOutput delivers one output chunk to every detector and dispatches
// the collected events. The chunk is fully processed before the call
// returns; per-session ordering is the caller's delivery ordering.
func (r *Registry) ProcessOutput(sessionID, chunk string) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var events []event.Event
	for _, d := range r.detectors {
		events = append(events, r.runDetector(d, "processOutput", func() []event.Event {
			return d.ProcessOutput(sessionID, chunk)
		})...)
	}
	r.dispatch(events)
	return events
}

// OnExit delivers the exit notification to every detector and dispatches
// the synthesized closing events.
func (r *Registry) OnExit(sessionID string, exitCode int) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var events []event.Event
	for _, d := range r.detectors {
		events = append(events, r.runDetector(d, "onExit", func() []event.Event {
			return d.OnExit(sessionID, exitCode)
		})...)
	}
	r.dispatch(events)
	return events
}

// Cleanup releases the session's state in every detector.
func (r *Registry) Cleanup(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.detectors {
		r.runDetector(d, "cleanup", func() []event.Event {
			d.Cleanup(sessionID)
			return nil
		})
	}
}

// FailureCounts returns a copy of the per-detector panic counters.
func (r *Registry) FailureCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.failures))
	for name, n := range r.failures {
		out[name] = n
	}
	return out
}

// runDetector invokes one detector call, converting a panic into a logged
// failure so the remaining detectors still run.
func (r *Registry) runDetector(d Detector, op string, call func() []event.Event) (events []event.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.failures[d.Name()]++
			r.logger.Error("detector failed",
				zap.String("detector", d.Name()),
				zap.String("op", op),
				zap.Any("panic", rec))
			events = nil
		}
	}()
	return call()
}

// dispatch delivers one batch to every subscriber. A panicking subscriber
// must not block delivery to the rest.
func (r *Registry) dispatch(events []event.Event) {
	if len(events) == 0 {
		return
	}
	for id, fn := range r.subs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("subscriber failed",
						zap.Int("subscriber", id),
						zap.Any("panic", rec))
				}
			}()
			fn(events)
		}()
	}
}

// emitAsync delivers a deferred result from a detector. These bypass the
// synchronous dispatch path because the originating call returned long ago;
// the consumer must have wired WithAsyncEmit or the event is dropped.
func (r *Registry) emitAsync(ev event.Event) {
	r.mu.Lock()
	fn := r.asyncEmit
	r.mu.Unlock()
	if fn == nil {
		r.logger.Info("async event dropped: no emitter wired",
			zap.String("session", ev.SessionID),
			zap.String("type", string(ev.Type)))
		return
	}
	fn(ev)
}
