package detect

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agent-relay/backend/internal/event"
	"github.com/agent-relay/backend/internal/extract"
)

// reviewBufferCap bounds the accumulated output kept per armed session.
const reviewBufferCap = 512 << 10

// ReviewDetector extracts structured review findings from free-form agent
// output. It is armed per session via Register; unarmed sessions pass
// through untouched. Findings are recovered with three strategies, tried in
// order against the full accumulated buffer on every chunk:
//
//  1. a fenced code block tagged as json
//  2. the first balanced bracketed list that parses as findings
//  3. a natural-language clean verdict ("no issues found")
//
// At most one review-completed event is emitted per session. If the process
// exits before any strategy succeeds, one last attempt runs over the buffer
// and, failing that, an explicit empty result is emitted with source "exit".
type ReviewDetector struct {
	mu       sync.Mutex
	sessions map[string]*reviewSession
	logger   *zap.Logger
}

type reviewSession struct {
	reviewID string
	buf      strings.Builder
	done     bool
}

// NewReviewDetector creates a detector with no armed sessions.
func NewReviewDetector(logger *zap.Logger) *ReviewDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReviewDetector{
		sessions: make(map[string]*reviewSession),
		logger:   logger,
	}
}

func (d *ReviewDetector) Name() string { return "review" }

// Register arms the detector for a session. reviewID may be empty, in which
// case one is generated. Re-registering an armed session starts a fresh
// review, discarding accumulated output.
func (d *ReviewDetector) Register(sessionID, reviewID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if reviewID == "" {
		reviewID = uuid.NewString()
	}
	d.sessions[sessionID] = &reviewSession{reviewID: reviewID}
	d.logger.Info("review armed",
		zap.String("session", sessionID),
		zap.String("review", reviewID))
	return reviewID
}

func (d *ReviewDetector) ProcessOutput(sessionID, chunk string) []event.Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.sessions[sessionID]
	if s == nil || s.done {
		return nil
	}

	s.buf.WriteString(extract.StripANSI(chunk))
	if s.buf.Len() > reviewBufferCap {
		tail := s.buf.String()
		tail = tail[len(tail)-reviewBufferCap:]
		s.buf.Reset()
		s.buf.WriteString(tail)
	}

	findings, source, ok := extractFindings(s.buf.String())
	if !ok {
		return nil
	}
	s.done = true
	return []event.Event{event.New(sessionID, event.TypeReviewCompleted, event.ReviewCompleted{
		ReviewID: s.reviewID,
		Source:   source,
		Findings: findings,
	})}
}

func (d *ReviewDetector) OnExit(sessionID string, exitCode int) []event.Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.sessions[sessionID]
	delete(d.sessions, sessionID)
	if s == nil || s.done {
		return nil
	}

	findings, source, ok := extractFindings(s.buf.String())
	if !ok {
		// Explicit empty result, distinguishable from a clean verdict.
		findings, source = []event.Finding{}, event.ReviewSourceExit
	}
	return []event.Event{event.New(sessionID, event.TypeReviewCompleted, event.ReviewCompleted{
		ReviewID: s.reviewID,
		Source:   source,
		Findings: findings,
	})}
}

func (d *ReviewDetector) Cleanup(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sessionID)
}

var (
	jsonFenceRe = regexp.MustCompile("(?s)```json\\s*\\n(.*?)```")

	cleanVerdictRe = regexp.MustCompile(`(?i)\bno (issues|problems|findings|bugs)( were)? (found|detected|identified)\b`)
)

// extractFindings runs the three strategies in order over the buffer.
func extractFindings(buf string) ([]event.Finding, string, bool) {
	if m := jsonFenceRe.FindStringSubmatch(buf); m != nil {
		if findings, ok := parseFindingList(m[1]); ok {
			return findings, event.ReviewSourceFence, true
		}
	}

	// Bracket scan: the first balanced list whose contents parse as
	// findings. Non-parsing lists ("[INFO]" and friends) are skipped.
	rest := buf
	for {
		arr, ok := extract.FirstArray(rest)
		if !ok {
			break
		}
		if findings, ok := parseFindingList(arr); ok {
			return findings, event.ReviewSourceBracket, true
		}
		i := strings.IndexByte(rest, '[')
		rest = rest[i+1:]
	}

	if cleanVerdictRe.MatchString(buf) {
		return []event.Finding{}, event.ReviewSourcePhrase, true
	}
	return nil, "", false
}

// rawFinding accepts the loose field spellings agents actually produce.
type rawFinding struct {
	Title       string `json:"title"`
	Issue       string `json:"issue"`
	Body        string `json:"body"`
	Description string `json:"description"`
	File        string `json:"file"`
	Path        string `json:"path"`
	Line        int    `json:"line"`
	Severity    string `json:"severity"`
	Category    string `json:"category"`
}

// parseFindingList parses text as a list of findings and validates each.
// Placeholder/template records are dropped; a fully-empty result after
// filtering is still a success (a genuine clean review).
func parseFindingList(text string) ([]event.Finding, bool) {
	var raw []rawFinding
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &raw); err != nil {
		return nil, false
	}

	findings := make([]event.Finding, 0, len(raw))
	for _, r := range raw {
		f, ok := validateFinding(r)
		if !ok {
			continue
		}
		findings = append(findings, f)
	}
	return findings, true
}

func validateFinding(r rawFinding) (event.Finding, bool) {
	title := firstNonEmpty(r.Title, r.Issue)
	if title == "" {
		return event.Finding{}, false
	}
	// Template leftovers from prompt examples are not findings.
	if strings.Contains(r.Severity, "|") || strings.Contains(r.Category, "|") {
		return event.Finding{}, false
	}
	file := firstNonEmpty(r.File, r.Path)
	if strings.Contains(file, "path/to") {
		return event.Finding{}, false
	}
	if strings.HasPrefix(title, "<") && strings.HasSuffix(title, ">") {
		return event.Finding{}, false
	}

	return event.Finding{
		Title:    title,
		Body:     firstNonEmpty(r.Body, r.Description),
		File:     file,
		Line:     r.Line,
		Severity: normalizeSeverity(r.Severity),
		Category: r.Category,
	}, true
}

// normalizeSeverity folds the severity vocabulary agents use into four
// canonical levels. Unknown values default to medium.
func normalizeSeverity(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "critical", "major", "error", "blocker":
		return "high"
	case "medium", "moderate", "warning", "warn":
		return "medium"
	case "low", "minor", "trivial":
		return "low"
	case "info", "note", "nit", "style":
		return "info"
	default:
		return "medium"
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
