package host

import (
	"os"
	"testing"
	"time"

	"github.com/agent-relay/backend/internal/session"
)

func TestSamplerTracksOwnProcess(t *testing.T) {
	store := session.NewStore()
	tracker := session.NewTracker(store, nil, nil)
	tracker.SetPID("s1", os.Getpid())

	a := NewActivitySampler(store, tracker, time.Second, 5.0, nil)

	// First sample primes the CPU delta, second produces a verdict.
	a.sample()
	a.sample()

	if _, ok := a.procs[int32(os.Getpid())]; !ok {
		t.Error("sampler did not retain handle for live process")
	}
	if _, ok := store.Get("s1"); !ok {
		t.Error("summary lost")
	}
}

func TestSamplerForgetsDeadPID(t *testing.T) {
	store := session.NewStore()
	tracker := session.NewTracker(store, nil, nil)

	// A pid that cannot exist.
	tracker.SetPID("s1", 1<<22+12345)
	a := NewActivitySampler(store, tracker, time.Second, 5.0, nil)
	a.sample()

	if len(a.procs) != 0 {
		t.Errorf("sampler retained %d handles for nonexistent process", len(a.procs))
	}
}

func TestSamplerSkipsTerminalSessions(t *testing.T) {
	store := session.NewStore()
	tracker := session.NewTracker(store, nil, nil)

	code := 0
	store.Update(&session.Summary{ID: "s1", PID: os.Getpid(), Activity: session.Complete, ExitCode: &code})
	a := NewActivitySampler(store, tracker, time.Second, 5.0, nil)
	a.sample()

	if len(a.procs) != 0 {
		t.Errorf("sampler tracked terminal session, procs = %d", len(a.procs))
	}
}
