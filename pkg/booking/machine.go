package booking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxline/callbridge/pkg/store"
)

// Calendar creates events in the external calendar service. Implementations
// are opaque to the state machine; only success and the external event id
// matter here.
type Calendar interface {
	CreateEvent(ctx context.Context, summary, description string, start, end time.Time, attendeeEmail string) (string, error)
}

const (
	promptTime          = "Great. What day and time would suit you?"
	repromptTime        = "Sorry, I didn't catch a time. Could you give me a day and time, for example next Tuesday at 3 pm?"
	promptSpellEmail    = "Could you spell out your email address for me, using the words at and dot?"
	repromptSpellEmail  = "I couldn't make out a valid email address there. Could you spell it again, letter by letter, using the words at and dot?"
	repromptYesNo       = "Sorry, was that a yes or a no?"
	commitFailedMessage = "I'm sorry, I couldn't complete the booking just now. Please ask me to schedule again in a moment."
)

// Machine drives the scheduling dialogue for one call. It mutates the
// session's Flow and talks to the store and the calendar; every returned
// string is a prompt to be spoken to the caller, empty when there is
// nothing to say.
type Machine struct {
	store    store.Store
	calendar Calendar
	logger   *slog.Logger
	now      func() time.Time
}

// NewMachine wires the scheduling dialogue against the given store and
// calendar service.
func NewMachine(st store.Store, cal Calendar, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{store: st, calendar: cal, logger: logger, now: time.Now}
}

// Begin starts time collection. Called when scheduling intent is detected
// or the scheduling tool is invoked; a no-op prompt repeat if collection is
// already underway.
func (m *Machine) Begin(ctx context.Context, flow *Flow, phone string) string {
	if flow.State != StateIdle {
		return promptTime
	}
	m.enterState(ctx, flow, phone, StateAwaitingTime)
	return promptTime
}

// HandleUserText feeds a finalized caller utterance into the current state.
// The empty return means the utterance was not for the scheduling dialogue.
func (m *Machine) HandleUserText(ctx context.Context, flow *Flow, phone, conversationID, text string) string {
	switch flow.State {
	case StateAwaitingTime:
		return m.handleAwaitingTime(ctx, flow, phone, text)
	case StateAwaitingEmail:
		return m.handleAwaitingEmail(ctx, flow, phone, text)
	case StateConfirmEmail:
		return m.handleConfirmEmail(ctx, flow, phone, conversationID, text)
	case StateConfirmExistingEmail:
		return m.handleConfirmExistingEmail(ctx, flow, phone, conversationID, text)
	default:
		return ""
	}
}

func (m *Machine) handleAwaitingTime(ctx context.Context, flow *Flow, phone, text string) string {
	resolved, ok := ParseSpokenTime(text, m.now())
	if !ok {
		return repromptTime
	}
	flow.PreferredTime = resolved
	return m.enterEmailCollection(ctx, flow, phone)
}

// enterEmailCollection routes to the stored-email confirmation branch when
// the caller already has an address on file, otherwise asks them to spell
// one. Shared by the awaiting_time transition and the confirm_email decline
// path.
func (m *Machine) enterEmailCollection(ctx context.Context, flow *Flow, phone string) string {
	user, err := m.store.CreateOrGetUser(ctx, phone)
	if err != nil {
		m.logger.Warn("stored email lookup failed, collecting fresh", "error", err)
		user = &store.User{Phone: phone}
	}
	if user.Email != "" {
		flow.Email = user.Email
		m.enterState(ctx, flow, phone, StateConfirmExistingEmail)
		return fmt.Sprintf("I have your email on file as %s. Should I use that one?", spellOutEmail(user.Email))
	}
	flow.Email = ""
	m.enterState(ctx, flow, phone, StateAwaitingEmail)
	return promptSpellEmail
}

func (m *Machine) handleAwaitingEmail(ctx context.Context, flow *Flow, phone, text string) string {
	email, ok := ReconstructSpokenEmail(text)
	if !ok {
		return repromptSpellEmail
	}
	flow.Email = email
	m.enterState(ctx, flow, phone, StateConfirmEmail)
	return fmt.Sprintf("I heard %s. Is that right?", spellOutEmail(email))
}

func (m *Machine) handleConfirmEmail(ctx context.Context, flow *Flow, phone, conversationID, text string) string {
	switch ClassifyConfirmation(text) {
	case ConfirmationYes:
		return m.commit(ctx, flow, phone, conversationID)
	case ConfirmationNo:
		return m.enterEmailCollection(ctx, flow, phone)
	default:
		return repromptYesNo
	}
}

func (m *Machine) handleConfirmExistingEmail(ctx context.Context, flow *Flow, phone, conversationID, text string) string {
	switch ClassifyConfirmation(text) {
	case ConfirmationYes:
		return m.commit(ctx, flow, phone, conversationID)
	case ConfirmationNo:
		flow.Email = ""
		m.enterState(ctx, flow, phone, StateAwaitingEmail)
		return promptSpellEmail
	default:
		return repromptYesNo
	}
}

// commit attempts the calendar booking and always returns the flow to idle.
// The booking itself is never retried automatically; only its constituent
// persistence calls are, inside the retrying store.
func (m *Machine) commit(ctx context.Context, flow *Flow, phone, conversationID string) string {
	start := flow.PreferredTime
	end := start.Add(DefaultSessionDuration)
	email := flow.Email

	defer func() {
		flow.reset()
		m.persistState(ctx, flow, phone)
	}()

	eventID, err := m.calendar.CreateEvent(ctx,
		"Training session",
		fmt.Sprintf("Training session booked by phone for %s.", phone),
		start, end, email)
	if err != nil {
		m.logger.Warn("calendar booking failed", "phone", phone, "error", err)
		return commitFailedMessage
	}

	if err := m.store.CreateBooking(ctx, &store.Booking{
		Phone:           phone,
		ConversationID:  conversationID,
		ExternalEventID: eventID,
		ScheduledTime:   start,
		Email:           email,
	}); err != nil {
		m.logger.Error("booking record persist failed", "phone", phone, "event_id", eventID, "error", err)
	}
	if err := m.store.UpdateUserEmail(ctx, phone, email); err != nil {
		m.logger.Warn("user email persist failed", "phone", phone, "error", err)
	}

	return fmt.Sprintf("You're booked for %s. A calendar invitation is on its way to %s.",
		start.Format("Monday, January 2 at 3:04 PM"), email)
}

func (m *Machine) enterState(ctx context.Context, flow *Flow, phone string, next State) {
	flow.State = next
	m.persistState(ctx, flow, phone)
}

func (m *Machine) persistState(ctx context.Context, flow *Flow, phone string) {
	if err := m.store.UpdateBookingState(ctx, phone, string(flow.State)); err != nil {
		m.logger.Warn("booking state persist failed", "phone", phone, "state", flow.State, "error", err)
	}
}

// spellOutEmail spaces out the address so the speech model reads it
// character by character instead of as a word.
func spellOutEmail(email string) string {
	out := make([]rune, 0, len(email)*2)
	for i, r := range email {
		if i > 0 {
			out = append(out, ' ')
		}
		switch r {
		case '@':
			out = append(out, []rune("at")...)
		case '.':
			out = append(out, []rune("dot")...)
		default:
			out = append(out, r)
		}
	}
	return string(out)
}
