// Package subchannel implements the per-stream lifecycle FSM (§4.3) and
// the application-facing subchannel handle (§6): a byte-oriented
// pseudo-connection multiplexed over one L3 durable session.
package subchannel

import "fmt"

// State is one of the four legal subchannel states.
type State int32

const (
	StateIdle State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one of the five inputs driving the FSM.
type Event int32

const (
	EventRemoteOpen Event = iota
	EventRemoteData
	EventLocalData
	EventLocalClose
	EventRemoteClose
)

func (e Event) String() string {
	switch e {
	case EventRemoteOpen:
		return "remote_open"
	case EventRemoteData:
		return "remote_data"
	case EventLocalData:
		return "local_data"
	case EventLocalClose:
		return "local_close"
	case EventRemoteClose:
		return "remote_close"
	default:
		return "unknown"
	}
}

// Action is what the FSM transition instructs the caller to do. Actions
// are returned rather than performed inline so the FSM itself stays a
// pure (state, event) -> (state, []action) function, independent of the
// session/application wiring around it.
type Action int32

const (
	// ActionDeliver delivers the event's data payload to the application.
	ActionDeliver Action = iota
	// ActionSendData tells L3 to send the event's data payload.
	ActionSendData
	// ActionSendClose tells L3 to send a CLOSE record for this subchannel.
	ActionSendClose
	// ActionDeregister removes the subchannel from the session's registry.
	ActionDeregister
	// ActionFinalize drains buffers and signals EOF to the application.
	ActionFinalize
	// ActionIgnore silently discards the event.
	ActionIgnore
	// ActionProtocolError reports a local, non-fatal protocol violation.
	ActionProtocolError
)

// ErrProtocol is wrapped into errors surfaced for ActionProtocolError.
// It never tears down L3 or other subchannels; it is local to the one
// misbehaving subchannel (§7).
type ErrProtocol struct {
	State State
	Event Event
}

func (e *ErrProtocol) Error() string {
	return fmt.Sprintf("subchannel: illegal transition: event %s in state %s", e.Event, e.State)
}

// Step applies event to state and returns the resulting state and the
// actions the caller must perform, per the transition table in §4.3.
func Step(state State, event Event) (State, []Action) {
	switch state {
	case StateIdle:
		if event == EventRemoteOpen {
			return StateOpen, nil
		}
		return StateIdle, []Action{ActionProtocolError}

	case StateOpen:
		switch event {
		case EventRemoteOpen:
			return StateOpen, []Action{ActionProtocolError}
		case EventRemoteData:
			return StateOpen, []Action{ActionDeliver}
		case EventLocalData:
			return StateOpen, []Action{ActionSendData}
		case EventLocalClose:
			return StateClosing, []Action{ActionSendClose}
		case EventRemoteClose:
			return StateClosed, []Action{ActionSendClose, ActionDeregister}
		}

	case StateClosing:
		switch event {
		case EventRemoteClose:
			return StateClosed, []Action{ActionDeregister, ActionFinalize}
		case EventRemoteData:
			return StateClosing, []Action{ActionIgnore}
		default:
			return StateClosing, []Action{ActionProtocolError}
		}

	case StateClosed:
		return StateClosed, []Action{ActionProtocolError}
	}

	return state, []Action{ActionProtocolError}
}
