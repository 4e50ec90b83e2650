package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agent-relay/backend/internal/event"
	"github.com/agent-relay/backend/internal/session"
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// Broadcaster fans session summaries and canonical event batches out to
// websocket subscribers. Summary deltas and event batches are throttled into
// periodic flushes; full snapshots go out on connect and on a slow ticker so
// late or lossy clients resynchronize.
type Broadcaster struct {
	mu             sync.RWMutex
	clients        map[*client]bool
	store          *session.Store
	throttle       time.Duration
	snapshotTicker *time.Ticker
	logger         *zap.Logger

	flushMu        sync.Mutex
	pendingUpdates []*session.Summary
	pendingRemoved []string
	pendingEvents  []event.Event
	flushTimer     *time.Timer
}

func NewBroadcaster(store *session.Store, throttle, snapshotInterval time.Duration, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broadcaster{
		clients:  make(map[*client]bool),
		store:    store,
		throttle: throttle,
		logger:   logger,
	}

	b.snapshotTicker = time.NewTicker(snapshotInterval)
	go b.snapshotLoop()

	return b
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) *client {
	c := newClient(conn)

	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	snapshot := WSMessage{
		Type: MsgSnapshot,
		Payload: SnapshotPayload{
			Sessions: b.store.GetAll(),
		},
	}
	data, _ := json.Marshal(snapshot)

	select {
	case c.send <- data:
	default:
		// Client too slow, drop the snapshot; the ticker will resend.
	}

	return c
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// QueueEvents schedules a canonical event batch for the next flush.
func (b *Broadcaster) QueueEvents(events []event.Event) {
	if len(events) == 0 {
		return
	}
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.pendingEvents = append(b.pendingEvents, events...)
	b.scheduleFlush()
}

// QueueEvent schedules a single event; used for asynchronous emissions.
func (b *Broadcaster) QueueEvent(ev event.Event) {
	b.QueueEvents([]event.Event{ev})
}

func (b *Broadcaster) QueueUpdate(summaries []*session.Summary) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.pendingUpdates = append(b.pendingUpdates, summaries...)
	b.scheduleFlush()
}

func (b *Broadcaster) QueueRemoval(ids []string) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.pendingRemoved = append(b.pendingRemoved, ids...)
	b.scheduleFlush()
}

// QueueCompletion bypasses the throttle; terminal transitions go out at once.
func (b *Broadcaster) QueueCompletion(sessionID string, activity session.Activity, name string) {
	msg := WSMessage{
		Type: MsgCompletion,
		Payload: CompletionPayload{
			SessionID: sessionID,
			Activity:  activity,
			Name:      name,
		},
	}
	b.broadcast(msg)
}

// ObserveSession adapts the broadcaster to the tracker's observer callback.
func (b *Broadcaster) ObserveSession(ev session.Event) {
	switch ev.Type {
	case session.EventTerminal:
		b.QueueCompletion(ev.Summary.ID, ev.Summary.Activity, ev.Summary.Name)
	default:
		b.QueueUpdate([]*session.Summary{ev.Summary})
	}
}

func (b *Broadcaster) scheduleFlush() {
	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	updates := b.pendingUpdates
	removed := b.pendingRemoved
	events := b.pendingEvents
	b.pendingUpdates = nil
	b.pendingRemoved = nil
	b.pendingEvents = nil
	b.flushTimer = nil
	b.flushMu.Unlock()

	if len(events) > 0 {
		b.broadcast(WSMessage{
			Type:    MsgEvents,
			Payload: EventsPayload{Events: events},
		})
	}

	if len(updates) == 0 && len(removed) == 0 {
		return
	}
	b.broadcast(WSMessage{
		Type: MsgDelta,
		Payload: DeltaPayload{
			Updates: updates,
			Removed: removed,
		},
	})
}

func (b *Broadcaster) snapshotLoop() {
	for range b.snapshotTicker.C {
		msg := WSMessage{
			Type: MsgSnapshot,
			Payload: SnapshotPayload{
				Sessions: b.store.GetAll(),
			},
		}
		b.broadcast(msg)
	}
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("broadcast marshal failed", zap.Error(err))
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			// Client can't keep up, disconnect it
			b.logger.Warn("ws client too slow, disconnecting")
			b.RemoveClient(c)
		}
	}
}

// Stop halts the snapshot ticker. Pending flush timers drain on their own.
func (b *Broadcaster) Stop() {
	b.snapshotTicker.Stop()
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
