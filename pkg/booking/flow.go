// Package booking implements the scheduling sub-dialogue: a small state
// machine that collects a preferred time and an email over speech, confirms
// them, and commits a calendar booking.
package booking

import "time"

// State is the current step of the scheduling dialogue.
type State string

const (
	StateIdle                 State = "idle"
	StateAwaitingTime         State = "awaiting_time"
	StateAwaitingEmail        State = "awaiting_email"
	StateConfirmEmail         State = "confirm_email"
	StateConfirmExistingEmail State = "confirm_existing_email"
)

// Flow is the per-call scheduling state. It is owned by the call's session
// and mutated only by Machine methods. PreferredTime is set only on the
// awaiting_time → awaiting_email transition; Email only on entry to one of
// the confirmation states.
type Flow struct {
	State         State
	PreferredTime time.Time
	Email         string
}

// NewFlow returns a flow in the idle state.
func NewFlow() Flow {
	return Flow{State: StateIdle}
}

func (f *Flow) reset() {
	f.State = StateIdle
	f.PreferredTime = time.Time{}
	f.Email = ""
}
