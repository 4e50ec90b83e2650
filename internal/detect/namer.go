package detect

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agent-relay/backend/internal/event"
	"github.com/agent-relay/backend/internal/extract"
	"github.com/agent-relay/backend/internal/naming"
)

const (
	namerBufferCap       = 4 << 10
	defaultNameDebounce  = 2 * time.Second
	defaultNameCooldown  = 5 * time.Minute
	defaultNameMinOutput = 120
)

// NamerDetector derives a short human-readable name for a session from its
// early output. Output accumulates in a small buffer; a debounce timer is
// restarted on every chunk, and once the stream has been idle for the
// debounce interval the buffered text goes to the naming generator. The
// resulting session-named event arrives through the registry's async emit
// callback, since the originating ProcessOutput returned long ago.
//
// A cooldown suppresses re-naming after a successful name; Cleanup cancels
// pending timers so no stale callback fires for a dead session.
type NamerDetector struct {
	mu       sync.Mutex
	sessions map[string]*namerSession
	gen      naming.Generator
	emit     func(event.Event)
	logger   *zap.Logger

	debounce  time.Duration
	cooldown  time.Duration
	minOutput int
}

type namerSession struct {
	buf       strings.Builder
	timer     *time.Timer
	cancel    context.CancelFunc
	named     bool
	lastNamed time.Time
	gone      bool
}

// NamerOption configures a NamerDetector.
type NamerOption func(*NamerDetector)

// WithNamerTiming overrides the debounce and cooldown intervals.
func WithNamerTiming(debounce, cooldown time.Duration) NamerOption {
	return func(d *NamerDetector) {
		d.debounce = debounce
		d.cooldown = cooldown
	}
}

// NewNamerDetector creates a detector backed by the given generator.
func NewNamerDetector(gen naming.Generator, logger *zap.Logger, opts ...NamerOption) *NamerDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &NamerDetector{
		sessions:  make(map[string]*namerSession),
		gen:       gen,
		logger:    logger,
		debounce:  defaultNameDebounce,
		cooldown:  defaultNameCooldown,
		minOutput: defaultNameMinOutput,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *NamerDetector) Name() string { return "namer" }

// SetEmitter wires the async delivery callback. Called by the registry at
// registration time.
func (d *NamerDetector) SetEmitter(fn func(event.Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emit = fn
}

func (d *NamerDetector) ProcessOutput(sessionID, chunk string) []event.Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.sessions[sessionID]
	if s == nil {
		s = &namerSession{}
		d.sessions[sessionID] = s
	}
	if s.named && time.Since(s.lastNamed) < d.cooldown {
		return nil
	}

	s.buf.WriteString(extract.StripANSI(chunk))
	if s.buf.Len() > namerBufferCap {
		tail := s.buf.String()
		tail = tail[len(tail)-namerBufferCap:]
		s.buf.Reset()
		s.buf.WriteString(tail)
	}

	if s.buf.Len() < d.minOutput {
		return nil
	}

	// Restart the debounce timer; naming runs only once the stream idles.
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d.debounce, func() {
		d.nameSession(sessionID)
	})
	return nil
}

// nameSession runs on the debounce timer goroutine. It snapshots the buffer
// under the lock, queries the generator without it, and re-checks session
// validity before emitting.
func (d *NamerDetector) nameSession(sessionID string) {
	d.mu.Lock()
	s := d.sessions[sessionID]
	if s == nil || s.gone {
		d.mu.Unlock()
		return
	}
	text := s.buf.String()
	emit := d.emit
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	d.mu.Unlock()

	name, err := d.gen.GenerateShortName(ctx, text)
	cancel()
	if err != nil || name == "" {
		if err != nil && ctx.Err() == nil {
			d.logger.Info("naming failed",
				zap.String("session", sessionID),
				zap.Error(err))
		}
		return
	}

	d.mu.Lock()
	s = d.sessions[sessionID]
	if s == nil || s.gone {
		d.mu.Unlock()
		return
	}
	s.named = true
	s.lastNamed = time.Now()
	s.cancel = nil
	d.mu.Unlock()

	if emit == nil {
		d.logger.Info("session name dropped: no emitter wired",
			zap.String("session", sessionID),
			zap.String("name", name))
		return
	}
	emit(event.New(sessionID, event.TypeSessionNamed, event.SessionNamed{Name: name}))
}

func (d *NamerDetector) OnExit(sessionID string, exitCode int) []event.Event {
	d.Cleanup(sessionID)
	return nil
}

func (d *NamerDetector) Cleanup(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.sessions[sessionID]
	if s == nil {
		return
	}
	s.gone = true
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	delete(d.sessions, sessionID)
}
