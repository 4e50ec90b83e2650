package session

// EventType classifies summary lifecycle notifications.
type EventType int

const (
	EventNew      EventType = iota // session first observed
	EventUpdate                    // summary changed
	EventTerminal                  // session reached a terminal activity
)

// Event carries a summary snapshot to observers.
type Event struct {
	Type        EventType
	Summary     *Summary // deep copy, safe to retain
	ActiveCount int      // non-terminal sessions at event time
}
