package exchange

import (
	"fmt"
	"time"
)

// Event is a request lifecycle event.
type Event string

const (
	EventSend            Event = "SEND"
	EventAccept          Event = "ACCEPT"
	EventDecline         Event = "DECLINE"
	EventWithdraw        Event = "WITHDRAW"
	EventExpire          Event = "EXPIRE"
	EventScheduleMeeting Event = "SCHEDULE_MEETING"
	EventCancel          Event = "CANCEL"
	EventComplete        Event = "COMPLETE"
	EventDispute         Event = "DISPUTE"
	EventResolve         Event = "RESOLVE"
)

// ParseEvent maps an event name from the wire onto the closed event set.
// SEND is creation-internal and not accepted from clients.
func ParseEvent(s string) (Event, error) {
	switch Event(s) {
	case EventAccept, EventDecline, EventWithdraw, EventExpire, EventScheduleMeeting,
		EventCancel, EventComplete, EventDispute, EventResolve:
		return Event(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEvent, s)
}

// transitions is the full request state machine. DISPUTE from COMPLETED is
// the one exception event out of a quasi-terminal state; every other
// terminal state accepts nothing.
var transitions = map[Status]map[Event]Status{
	StatusIdle: {
		EventSend: StatusSent,
	},
	StatusSent: {
		EventAccept:   StatusAccepted,
		EventDecline:  StatusDeclined,
		EventWithdraw: StatusWithdrawn,
		EventExpire:   StatusExpired,
	},
	StatusAccepted: {
		EventScheduleMeeting: StatusMeetingScheduled,
		EventCancel:          StatusCancelled,
		EventComplete:        StatusCompleted,
	},
	StatusMeetingScheduled: {
		EventComplete: StatusCompleted,
		EventCancel:   StatusCancelled,
	},
	StatusCompleted: {
		EventDispute: StatusDisputed,
	},
	StatusDisputed: {
		EventResolve: StatusResolved,
	},
}

// InvalidTransitionError names the state and event of an illegal transition.
type InvalidTransitionError struct {
	Entity string
	From   Status
	Event  Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s in %s cannot accept %s", e.Entity, e.From, e.Event)
}

// ErrInvalidTransition lets callers match any invalid transition with errors.Is.
var ErrInvalidTransition = &InvalidTransitionError{}

func (e *InvalidTransitionError) Is(target error) bool {
	_, ok := target.(*InvalidTransitionError)
	return ok
}

// InvalidTransition marks the error for packages that cannot import this one.
func (e *InvalidTransitionError) InvalidTransition() bool { return true }

// Transition records one applied event for the machine history.
type Transition struct {
	Event Event     `json:"event"`
	From  Status    `json:"from"`
	To    Status    `json:"to"`
	At    time.Time `json:"at"`
}

// Next computes the state after event, or fails without side effects.
func Next(from Status, event Event) (Status, error) {
	to, ok := transitions[from][event]
	if !ok {
		return from, &InvalidTransitionError{Entity: "request", From: from, Event: event}
	}
	return to, nil
}

// Machine rehydrates a request FSM from a persisted status.
type Machine struct {
	state   Status
	history []Transition
}

// NewMachine creates a machine positioned at the given status.
func NewMachine(s Status) *Machine {
	return &Machine{state: s}
}

// State returns the current state.
func (m *Machine) State() Status { return m.state }

// Can reports whether event is legal from the current state.
func (m *Machine) Can(event Event) bool {
	_, ok := transitions[m.state][event]
	return ok
}

// Apply advances the machine and appends a transition record.
func (m *Machine) Apply(event Event) (Transition, error) {
	to, err := Next(m.state, event)
	if err != nil {
		return Transition{}, err
	}
	t := Transition{Event: event, From: m.state, To: to, At: time.Now()}
	m.state = to
	m.history = append(m.history, t)
	return t, nil
}

// History returns the transitions applied to this machine instance.
func (m *Machine) History() []Transition {
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}
