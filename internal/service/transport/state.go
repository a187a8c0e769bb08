package transport

import "pm_chat/internal/model"

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StatePolling
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StatePolling:
		return "polling"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

type Source string

const (
	SourceSocket Source = "socket"
	SourcePoll   Source = "poll"
)

type EventKind int

const (
	// EventFrame carries an inbound frame: chat_message, delivery_ack,
	// typing, pong or error.
	EventFrame EventKind = iota
	// EventReady fires when the relay acknowledged auth and sends are allowed.
	EventReady
	// EventState reports a state transition. These are dropped when the
	// consumer lags.
	EventState
)

type Event struct {
	Kind   EventKind
	Source Source
	Frame  *model.Frame
	// StoredAt is the relay's store time for polled messages.
	StoredAt int64
	State    State
}
