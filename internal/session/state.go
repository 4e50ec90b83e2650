package session

import (
	"encoding/json"
	"time"

	"github.com/agent-relay/backend/internal/event"
)

type Activity int

const (
	Starting Activity = iota
	Thinking
	Responding
	ToolUse
	Waiting
	Idle
	Complete
	Errored
)

var activityNames = map[Activity]string{
	Starting:   "starting",
	Thinking:   "thinking",
	Responding: "responding",
	ToolUse:    "tool_use",
	Waiting:    "waiting",
	Idle:       "idle",
	Complete:   "complete",
	Errored:    "errored",
}

var activityFromName = map[string]Activity{
	"starting":   Starting,
	"thinking":   Thinking,
	"responding": Responding,
	"tool_use":   ToolUse,
	"waiting":    Waiting,
	"idle":       Idle,
	"complete":   Complete,
	"errored":    Errored,
}

func (a Activity) String() string {
	if s, ok := activityNames[a]; ok {
		return s
	}
	return "unknown"
}

func (a Activity) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Activity) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := activityFromName[s]; ok {
		*a = v
	}
	return nil
}

// Summary is the rolled-up view of one session, folded from the canonical
// event stream. It is what the API and websocket snapshots serve.
type Summary struct {
	ID                string      `json:"id"`
	Name              string      `json:"name,omitempty"`
	ProtocolSessionID string      `json:"protocolSessionId,omitempty"`
	Model             string      `json:"model,omitempty"`
	WorkingDir        string      `json:"workingDir,omitempty"`
	Activity          Activity    `json:"activity"`
	CurrentTool       string      `json:"currentTool,omitempty"`
	Usage             event.Usage `json:"usage"`
	MessageCount      int         `json:"messageCount"`
	ToolCallCount     int         `json:"toolCallCount"`
	ErrorCount        int         `json:"errorCount"`
	FindingCount      int         `json:"findingCount,omitempty"`
	PendingApprovals  int         `json:"pendingApprovals,omitempty"`
	Endpoints         []string    `json:"endpoints,omitempty"`
	LastError         string      `json:"lastError,omitempty"`
	PID               int         `json:"pid,omitempty"`
	IsChurning        bool        `json:"isChurning,omitempty"`
	StartedAt         time.Time   `json:"startedAt"`
	LastEventAt       time.Time   `json:"lastEventAt"`
	CompletedAt       *time.Time  `json:"completedAt,omitempty"`
	ExitCode          *int        `json:"exitCode,omitempty"`
}

// Clone returns a deep copy so the copy can be mutated independently.
func (s *Summary) Clone() *Summary {
	c := *s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	if s.ExitCode != nil {
		n := *s.ExitCode
		c.ExitCode = &n
	}
	if len(s.Endpoints) > 0 {
		c.Endpoints = append([]string(nil), s.Endpoints...)
	}
	return &c
}

func (s *Summary) IsTerminal() bool {
	return s.Activity == Complete || s.Activity == Errored
}
