package detect

import (
	"testing"

	"github.com/agent-relay/backend/internal/event"
)

func reviewPayload(t *testing.T, events []event.Event) event.ReviewCompleted {
	t.Helper()
	if len(events) != 1 || events[0].Type != event.TypeReviewCompleted {
		t.Fatalf("got %v, want one review-completed", eventTypes(events))
	}
	return events[0].Payload.(event.ReviewCompleted)
}

func TestReviewUnarmedSessionIgnored(t *testing.T) {
	d := NewReviewDetector(nil)
	if events := d.ProcessOutput("s1", `[{"title":"bug","severity":"high"}]`); len(events) != 0 {
		t.Errorf("unarmed session yielded %v", eventTypes(events))
	}
}

func TestReviewFenceStrategy(t *testing.T) {
	d := NewReviewDetector(nil)
	d.Register("s1", "rev-1")

	out := "Here is my review:\n```json\n[{\"title\":\"nil deref in handler\",\"file\":\"server.go\",\"line\":42,\"severity\":\"high\"}]\n```\ndone"
	res := reviewPayload(t, d.ProcessOutput("s1", out))
	if res.ReviewID != "rev-1" || res.Source != event.ReviewSourceFence {
		t.Errorf("result = %+v", res)
	}
	if len(res.Findings) != 1 || res.Findings[0].Title != "nil deref in handler" {
		t.Errorf("findings = %+v", res.Findings)
	}
}

func TestReviewBracketStrategy(t *testing.T) {
	d := NewReviewDetector(nil)
	d.Register("s1", "rev-1")

	// "[INFO]" is a bracketed list that does not parse as findings; the
	// scan must move past it.
	out := `[INFO] starting review... [{"title":"missing error check","severity":"major"}]`
	res := reviewPayload(t, d.ProcessOutput("s1", out))
	if res.Source != event.ReviewSourceBracket {
		t.Errorf("source = %q", res.Source)
	}
	if len(res.Findings) != 1 || res.Findings[0].Severity != "high" {
		t.Errorf("findings = %+v", res.Findings)
	}
}

func TestReviewEmptyListIsCleanResult(t *testing.T) {
	d := NewReviewDetector(nil)
	d.Register("s1", "rev-1")

	res := reviewPayload(t, d.ProcessOutput("s1", "result: []"))
	if res.Source != event.ReviewSourceBracket {
		t.Errorf("source = %q", res.Source)
	}
	if res.Findings == nil || len(res.Findings) != 0 {
		t.Errorf("findings = %#v, want empty non-nil list", res.Findings)
	}
}

func TestReviewPhraseStrategy(t *testing.T) {
	d := NewReviewDetector(nil)
	d.Register("s1", "rev-1")

	res := reviewPayload(t, d.ProcessOutput("s1", "I reviewed the changes. No issues found."))
	if res.Source != event.ReviewSourcePhrase || len(res.Findings) != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestReviewPlaceholderFindingsDropped(t *testing.T) {
	d := NewReviewDetector(nil)
	d.Register("s1", "rev-1")

	out := `[
		{"title":"<short description>","severity":"high"},
		{"title":"real finding","severity":"high|medium|low"},
		{"title":"template path","file":"path/to/file.go","severity":"low"},
		{"title":"genuine bug","file":"cmd/main.go","severity":"low"}
	]`
	res := reviewPayload(t, d.ProcessOutput("s1", out))
	if len(res.Findings) != 1 || res.Findings[0].Title != "genuine bug" {
		t.Errorf("findings = %+v", res.Findings)
	}
}

func TestReviewSeverityNormalized(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"critical", "high"},
		{"ERROR", "high"},
		{"warning", "medium"},
		{"minor", "low"},
		{"nit", "info"},
		{"banana", "medium"},
		{"", "medium"},
	}
	for _, tt := range tests {
		if got := normalizeSeverity(tt.in); got != tt.want {
			t.Errorf("normalizeSeverity(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestReviewAtMostOnce(t *testing.T) {
	d := NewReviewDetector(nil)
	d.Register("s1", "rev-1")

	first := d.ProcessOutput("s1", `[{"title":"bug one","severity":"high"}]`)
	if len(first) != 1 {
		t.Fatalf("got %v", eventTypes(first))
	}
	if again := d.ProcessOutput("s1", `[{"title":"bug two","severity":"high"}]`); len(again) != 0 {
		t.Errorf("second completion yielded %v", eventTypes(again))
	}
	if onExit := d.OnExit("s1", 0); len(onExit) != 0 {
		t.Errorf("exit after completion yielded %v", eventTypes(onExit))
	}
}

func TestReviewFindingsSplitAcrossChunks(t *testing.T) {
	d := NewReviewDetector(nil)
	d.Register("s1", "rev-1")

	if events := d.ProcessOutput("s1", `thinking... [{"title":"late finding",`); len(events) != 0 {
		t.Fatalf("incomplete list yielded %v", eventTypes(events))
	}
	res := reviewPayload(t, d.ProcessOutput("s1", `"severity":"low"}]`))
	if res.Source != event.ReviewSourceBracket || len(res.Findings) != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestReviewExitWithoutFindings(t *testing.T) {
	d := NewReviewDetector(nil)
	d.Register("s1", "rev-1")

	d.ProcessOutput("s1", "unstructured rambling, nothing extractable")
	res := reviewPayload(t, d.OnExit("s1", 1))
	if res.Source != event.ReviewSourceExit {
		t.Errorf("source = %q, want %q", res.Source, event.ReviewSourceExit)
	}
	if res.Findings == nil || len(res.Findings) != 0 {
		t.Errorf("findings = %#v, want empty non-nil list", res.Findings)
	}
}

func TestReviewGeneratedID(t *testing.T) {
	d := NewReviewDetector(nil)
	id := d.Register("s1", "")
	if id == "" {
		t.Fatal("empty generated review id")
	}
	res := reviewPayload(t, d.ProcessOutput("s1", "no issues found"))
	if res.ReviewID != id {
		t.Errorf("review id = %q, want %q", res.ReviewID, id)
	}
}
