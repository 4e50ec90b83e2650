package detect

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agent-relay/backend/internal/event"
	"github.com/agent-relay/backend/internal/extract"
)

// livenessWindow is the rolling buffer size kept per session; announcements
// fit well within it, and the overlap keeps patterns split across chunk
// boundaries detectable.
const livenessWindow = 4 << 10

// LivenessDetector recognizes "a server is now listening" announcements in
// terminal output and tracks the discovered endpoints per session. Endpoints
// are deduplicated by normalized scheme://host:port. When the process exits
// while endpoints are known, a single server-crashed event carries the exit
// code and the endpoint list.
type LivenessDetector struct {
	mu       sync.Mutex
	sessions map[string]*livenessSession
	logger   *zap.Logger
}

type livenessSession struct {
	window    string
	seen      map[string]bool // normalized endpoint keys
	endpoints []string        // discovery order
	addrInUse bool            // bind failure already reported
}

// NewLivenessDetector creates a detector with empty session state.
func NewLivenessDetector(logger *zap.Logger) *LivenessDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LivenessDetector{
		sessions: make(map[string]*livenessSession),
		logger:   logger,
	}
}

func (d *LivenessDetector) Name() string { return "liveness" }

var (
	// An explicit port is required: without it a hostname truncated at a
	// chunk boundary would match and announce a bogus endpoint.
	urlRe = regexp.MustCompile(`(https?)://([a-zA-Z0-9.\-]+|\[[0-9a-fA-F:]+\]):(\d{2,5})`)

	// "Listening on 127.0.0.1:3000", "server started at localhost:8080"
	hostPortRe = regexp.MustCompile(`(?i)(?:listening|running|started|serving|available|ready)[^\n]{0,40}?\b((?:\d{1,3}\.){3}\d{1,3}|localhost|0\.0\.0\.0|\[::1?\]):(\d{2,5})\b`)

	// "listening on port 3000"
	barePortRe = regexp.MustCompile(`(?i)(?:listening|running|started|serving)[^\n]{0,30}?\bport\s+(\d{2,5})\b`)
)

var addrInUsePhrases = []string{
	"address already in use",
	"eaddrinuse",
	"port is already in use",
	"bind: address in use",
}

func (d *LivenessDetector) ProcessOutput(sessionID, chunk string) []event.Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.sessions[sessionID]
	if s == nil {
		s = &livenessSession{seen: make(map[string]bool)}
		d.sessions[sessionID] = s
	}

	s.window += extract.StripANSI(chunk)
	if len(s.window) > livenessWindow {
		s.window = s.window[len(s.window)-livenessWindow:]
	}

	var events []event.Event
	for _, ep := range scanEndpoints(s.window) {
		key := ep.Scheme + "://" + ep.Host + ":" + strconv.Itoa(ep.Port)
		if s.seen[key] {
			continue
		}
		s.seen[key] = true
		s.endpoints = append(s.endpoints, ep.URL)
		events = append(events, event.New(sessionID, event.TypeServerDetected, ep))
	}

	if !s.addrInUse {
		lower := strings.ToLower(s.window)
		for _, phrase := range addrInUsePhrases {
			if strings.Contains(lower, phrase) {
				s.addrInUse = true
				events = append(events, event.New(sessionID, event.TypeError, event.Error{
					Message: "address already in use",
					Context: "server",
				}))
				break
			}
		}
	}
	return events
}

func (d *LivenessDetector) OnExit(sessionID string, exitCode int) []event.Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.sessions[sessionID]
	delete(d.sessions, sessionID)
	if s == nil || len(s.endpoints) == 0 {
		return nil
	}
	return []event.Event{event.New(sessionID, event.TypeServerCrashed, event.ServerCrashed{
		ExitCode:  exitCode,
		Endpoints: s.endpoints,
	})}
}

func (d *LivenessDetector) Cleanup(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sessionID)
}

// scanEndpoints applies the pattern rules to the window and returns every
// endpoint found, unnormalized duplicates included; the caller dedups.
func scanEndpoints(window string) []event.ServerDetected {
	var out []event.ServerDetected

	for _, m := range urlRe.FindAllStringSubmatch(window, -1) {
		port, _ := strconv.Atoi(m[3])
		if !validPort(port) {
			continue
		}
		out = append(out, endpoint(m[1], m[2], port))
	}

	for _, m := range hostPortRe.FindAllStringSubmatch(window, -1) {
		port, _ := strconv.Atoi(m[2])
		if !validPort(port) {
			continue
		}
		out = append(out, endpoint("http", m[1], port))
	}

	for _, m := range barePortRe.FindAllStringSubmatch(window, -1) {
		port, _ := strconv.Atoi(m[1])
		if !validPort(port) {
			continue
		}
		out = append(out, endpoint("http", "localhost", port))
	}
	return out
}

func endpoint(scheme, host string, port int) event.ServerDetected {
	return event.ServerDetected{
		URL:    fmt.Sprintf("%s://%s:%d", scheme, host, port),
		Scheme: scheme,
		Host:   host,
		Port:   port,
	}
}

func validPort(port int) bool { return port > 0 && port < 65536 }
