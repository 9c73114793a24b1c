package listing

import (
	"fmt"
	"time"
)

// Event is a listing lifecycle event.
type Event string

const (
	EventSubmit           Event = "SUBMIT"
	EventApprove          Event = "APPROVE"
	EventReject           Event = "REJECT"
	EventFlag             Event = "FLAG"
	EventInterest         Event = "INTEREST"
	EventBeginTransaction Event = "BEGIN_TRANSACTION"
	EventComplete         Event = "COMPLETE"
	EventExpire           Event = "EXPIRE"
	EventArchive          Event = "ARCHIVE"
	EventRemove           Event = "REMOVE"
)

// ParseEvent maps an event name from the wire onto the closed event set.
func ParseEvent(s string) (Event, error) {
	switch Event(s) {
	case EventSubmit, EventApprove, EventReject, EventFlag, EventInterest,
		EventBeginTransaction, EventComplete, EventExpire, EventArchive, EventRemove:
		return Event(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEvent, s)
}

// transitions is the full listing state machine. Any (state, event) pair
// missing here is an invalid transition; the machine never guesses.
var transitions = map[Status]map[Event]Status{
	StatusDraft: {
		EventSubmit:  StatusPendingReview,
		EventArchive: StatusArchived,
		EventRemove:  StatusRemoved,
	},
	StatusPendingReview: {
		EventApprove: StatusApproved,
		EventReject:  StatusRejected,
		EventRemove:  StatusRemoved,
	},
	StatusApproved: {
		EventInterest: StatusInterestReceived,
		EventFlag:     StatusFlagged,
		EventExpire:   StatusExpired,
		EventArchive:  StatusArchived,
		EventRemove:   StatusRemoved,
	},
	StatusInterestReceived: {
		EventBeginTransaction: StatusInTransaction,
		EventFlag:             StatusFlagged,
		EventExpire:           StatusExpired,
		EventArchive:          StatusArchived,
		EventRemove:           StatusRemoved,
	},
	StatusInTransaction: {
		EventComplete: StatusCompleted,
		EventFlag:     StatusFlagged,
		EventRemove:   StatusRemoved,
	},
	StatusCompleted: {
		EventArchive: StatusArchived,
	},
	StatusFlagged: {
		EventApprove: StatusApproved,
		EventRemove:  StatusRemoved,
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
		return from, &InvalidTransitionError{Entity: "listing", From: from, Event: event}
	}
	return to, nil
}

// Machine rehydrates a listing FSM from a persisted status. Pure: no I/O,
// the caller persists the result.
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
	_, ok := m.state.can(event)
	return ok
}

func (s Status) can(event Event) (Status, bool) {
	to, ok := transitions[s][event]
	return to, ok
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
