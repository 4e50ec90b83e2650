// Package host bridges the engine to the process host through two side
// channels: a spool directory where hosts append decoded terminal output,
// and a CPU sampler that watches attached process ids.
package host

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agent-relay/backend/internal/detect"
	"github.com/agent-relay/backend/internal/event"
	"github.com/agent-relay/backend/internal/ws"
)

// SpoolTailer ingests sessions from a spool directory. A host appends
// decoded output to <session>.out and, when the process terminates, writes
// the exit code into <session>.exit. The tailer follows appends with
// fsnotify, feeds chunks to the registry in arrival order, and handles the
// exit marker exactly once before deleting both files.
type SpoolTailer struct {
	dir         string
	registry    *detect.Registry
	broadcaster *ws.Broadcaster
	logger      *zap.Logger

	mu      sync.Mutex
	offsets map[string]int64 // session id -> bytes consumed from .out
}

func NewSpoolTailer(dir string, registry *detect.Registry, broadcaster *ws.Broadcaster, logger *zap.Logger) *SpoolTailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SpoolTailer{
		dir:         dir,
		registry:    registry,
		broadcaster: broadcaster,
		logger:      logger,
		offsets:     make(map[string]int64),
	}
}

// Run watches the spool directory until ctx is cancelled. Files that exist
// at startup are consumed first so a restart does not drop sessions.
func (t *SpoolTailer) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(t.dir); err != nil {
		return err
	}

	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			t.handlePath(filepath.Join(t.dir, entry.Name()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				t.handlePath(ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			t.logger.Warn("spool watcher error", zap.Error(err))
		}
	}
}

func (t *SpoolTailer) handlePath(path string) {
	base := filepath.Base(path)
	switch {
	case strings.HasSuffix(base, ".out"):
		t.consumeOutput(strings.TrimSuffix(base, ".out"), path)
	case strings.HasSuffix(base, ".exit"):
		t.consumeExit(strings.TrimSuffix(base, ".exit"), path)
	}
}

// consumeOutput reads everything appended since the last offset.
func (t *SpoolTailer) consumeOutput(sessionID, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		t.logger.Warn("spool open failed", zap.String("session", sessionID), zap.Error(err))
		return
	}
	defer f.Close()

	offset := t.offsets[sessionID]
	if info, err := f.Stat(); err == nil && info.Size() < offset {
		// File was truncated or replaced; start over.
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return
	}

	data, err := io.ReadAll(f)
	if err != nil {
		t.logger.Warn("spool read failed", zap.String("session", sessionID), zap.Error(err))
		return
	}
	if len(data) == 0 {
		return
	}
	t.offsets[sessionID] = offset + int64(len(data))

	events := t.registry.ProcessOutput(sessionID, string(data))
	t.publish(events)
}

// consumeExit drains any remaining output, delivers the exit notification,
// and removes the session's spool files.
func (t *SpoolTailer) consumeExit(sessionID, path string) {
	outPath := filepath.Join(t.dir, sessionID+".out")
	if _, err := os.Stat(outPath); err == nil {
		t.consumeOutput(sessionID, outPath)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	exitCode, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.logger.Warn("bad exit marker", zap.String("session", sessionID), zap.String("content", string(data)))
		exitCode = -1
	}

	events := t.registry.OnExit(sessionID, exitCode)
	t.publish(events)
	t.registry.Cleanup(sessionID)
	delete(t.offsets, sessionID)

	os.Remove(path)
	os.Remove(outPath)
	t.logger.Info("spool session finished",
		zap.String("session", sessionID),
		zap.Int("exitCode", exitCode))
}

func (t *SpoolTailer) publish(events []event.Event) {
	if t.broadcaster != nil {
		t.broadcaster.QueueEvents(events)
	}
}
