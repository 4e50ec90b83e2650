package ws

import (
	"github.com/agent-relay/backend/internal/event"
	"github.com/agent-relay/backend/internal/session"
)

type MessageType string

const (
	MsgSnapshot   MessageType = "snapshot"
	MsgDelta      MessageType = "delta"
	MsgEvents     MessageType = "events"
	MsgCompletion MessageType = "completion"
	MsgError      MessageType = "error"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

type SnapshotPayload struct {
	Sessions []*session.Summary `json:"sessions"`
}

type DeltaPayload struct {
	Updates []*session.Summary `json:"updates"`
	Removed []string           `json:"removed,omitempty"`
}

// EventsPayload carries a batch of canonical events in emission order.
type EventsPayload struct {
	Events []event.Event `json:"events"`
}

type CompletionPayload struct {
	SessionID string           `json:"sessionId"`
	Activity  session.Activity `json:"activity"`
	Name      string           `json:"name"`
}

// IngestFrame is one inbound frame on the ingest socket. The process host
// pushes decoded terminal output and lifecycle notifications through these.
type IngestFrame struct {
	Type      string `json:"type"` // output | exit | attach | review
	SessionID string `json:"sessionId"`
	Data      string `json:"data,omitempty"`     // output: decoded chunk
	ExitCode  int    `json:"exitCode,omitempty"` // exit
	PID       int    `json:"pid,omitempty"`      // attach
	ReviewID  string `json:"reviewId,omitempty"` // review
}
