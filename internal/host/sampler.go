package host

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/agent-relay/backend/internal/session"
)

// ActivitySampler polls CPU usage for every session with an attached pid
// and flags sessions whose process is actively burning CPU. The flag feeds
// the summary's churning indicator, which distinguishes "quiet because
// thinking locally" from "quiet because stuck".
type ActivitySampler struct {
	store     *session.Store
	tracker   *session.Tracker
	interval  time.Duration
	threshold float64 // CPU percent above which a process counts as churning
	logger    *zap.Logger

	procs map[int32]*process.Process
}

func NewActivitySampler(store *session.Store, tracker *session.Tracker, interval time.Duration, threshold float64, logger *zap.Logger) *ActivitySampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActivitySampler{
		store:     store,
		tracker:   tracker,
		interval:  interval,
		threshold: threshold,
		logger:    logger,
		procs:     make(map[int32]*process.Process),
	}
}

// Run samples until ctx is cancelled.
func (a *ActivitySampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.sample()
		}
	}
}

func (a *ActivitySampler) sample() {
	live := make(map[int32]bool)
	for _, sum := range a.store.GetAll() {
		if sum.PID == 0 || sum.IsTerminal() {
			continue
		}
		pid := int32(sum.PID)
		live[pid] = true

		p, ok := a.procs[pid]
		if !ok {
			var err error
			p, err = process.NewProcess(pid)
			if err != nil {
				// Process already gone; the exit notification will
				// arrive through the normal channel.
				continue
			}
			a.procs[pid] = p
			// First Percent call primes the delta; skip the verdict.
			p.Percent(0)
			continue
		}

		cpu, err := p.Percent(0)
		if err != nil {
			delete(a.procs, pid)
			a.tracker.SetChurning(sum.ID, false)
			continue
		}
		a.tracker.SetChurning(sum.ID, cpu >= a.threshold)
	}

	// Forget processes whose sessions are gone.
	for pid := range a.procs {
		if !live[pid] {
			delete(a.procs, pid)
		}
	}
}
