package exchange

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allEvents = []Event{
	EventSend, EventAccept, EventDecline, EventWithdraw, EventExpire,
	EventScheduleMeeting, EventCancel, EventComplete, EventDispute, EventResolve,
}

var allStatuses = []Status{
	StatusIdle, StatusSent, StatusAccepted, StatusDeclined, StatusMeetingScheduled,
	StatusCompleted, StatusExpired, StatusCancelled, StatusWithdrawn,
	StatusDisputed, StatusResolved,
}

func TestParseEvent(t *testing.T) {
	e, err := ParseEvent("ACCEPT")
	require.NoError(t, err)
	assert.Equal(t, EventAccept, e)

	// SEND is creation-internal, never accepted from the wire.
	_, err = ParseEvent("SEND")
	assert.ErrorIs(t, err, ErrUnknownEvent)
	_, err = ParseEvent("accept")
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestMachineTotality(t *testing.T) {
	for _, s := range allStatuses {
		for _, e := range allEvents {
			m := NewMachine(s)
			_, legal := transitions[s][e]
			_, err := m.Apply(e)
			if legal {
				assert.NoError(t, err, "(%s, %s)", s, e)
				continue
			}
			require.Error(t, err, "(%s, %s)", s, e)
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, s, m.State())

			var ite *InvalidTransitionError
			require.True(t, errors.As(err, &ite))
			assert.Equal(t, "request", ite.Entity)
			assert.Equal(t, s, ite.From)
			assert.Equal(t, e, ite.Event)
		}
	}
}

func TestTerminalButReopenable(t *testing.T) {
	// DISPUTE is legal from COMPLETED and nowhere else.
	for _, s := range allStatuses {
		_, err := Next(s, EventDispute)
		if s == StatusCompleted {
			assert.NoError(t, err)
		} else {
			assert.Error(t, err, "DISPUTE from %s", s)
		}
	}
	// DISPUTED only accepts the admin resolution.
	for _, e := range allEvents {
		_, err := Next(StatusDisputed, e)
		if e == EventResolve {
			assert.NoError(t, err)
		} else {
			assert.Error(t, err, "%s from DISPUTED", e)
		}
	}
	// Hard terminal states accept nothing.
	for _, s := range []Status{StatusDeclined, StatusExpired, StatusCancelled, StatusWithdrawn, StatusResolved} {
		assert.Empty(t, transitions[s], "terminal state %s", s)
		assert.True(t, s.Terminal())
	}
}

func TestEventScopes(t *testing.T) {
	// Declining only from SENT; cancelling from ACCEPTED or MEETING_SCHEDULED;
	// withdrawing only from SENT.
	for _, s := range allStatuses {
		_, declineErr := Next(s, EventDecline)
		assert.Equal(t, s == StatusSent, declineErr == nil, "DECLINE from %s", s)

		_, withdrawErr := Next(s, EventWithdraw)
		assert.Equal(t, s == StatusSent, withdrawErr == nil, "WITHDRAW from %s", s)

		_, cancelErr := Next(s, EventCancel)
		legal := s == StatusAccepted || s == StatusMeetingScheduled
		assert.Equal(t, legal, cancelErr == nil, "CANCEL from %s", s)
	}
}

func TestActiveStatuses(t *testing.T) {
	for _, s := range allStatuses {
		want := s == StatusSent || s == StatusAccepted || s == StatusMeetingScheduled
		assert.Equal(t, want, s.Active(), "status %s", s)
	}
}

func TestMachineHistory(t *testing.T) {
	m := NewMachine(StatusIdle)
	for _, e := range []Event{EventSend, EventAccept, EventScheduleMeeting, EventComplete} {
		_, err := m.Apply(e)
		require.NoError(t, err)
	}
	h := m.History()
	require.Len(t, h, 4)
	assert.Equal(t, StatusIdle, h[0].From)
	assert.Equal(t, StatusCompleted, h[3].To)
	for i := 1; i < len(h); i++ {
		assert.Equal(t, h[i-1].To, h[i].From)
		assert.False(t, h[i].At.Before(h[i-1].At))
	}
}
