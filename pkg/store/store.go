package store

import "context"

// Store defines persistence for users, conversations, and bookings. The
// backing service is remote; callers should assume any operation can fail
// transiently and wrap the store with NewRetrying.
//
// All operations are safe for concurrent use across call sessions: rows are
// keyed by phone number or conversation id and writes use upsert semantics,
// so no cross-session coordination is needed on top.
type Store interface {
	// CreateOrGetUser returns the user for phone, creating an empty record
	// on first contact.
	CreateOrGetUser(ctx context.Context, phone string) (*User, error)

	// UpdateUserName sets the user's name only when no name is stored yet.
	UpdateUserName(ctx context.Context, phone, name string) error

	// UpdateUserEmail sets the user's email only when no email is stored yet.
	UpdateUserEmail(ctx context.Context, phone, email string) error

	// CreateConversation opens the conversation record for a call. The
	// conversation id equals callID.
	CreateConversation(ctx context.Context, phone, callID string) (*Conversation, error)

	// UpdateConversation applies the non-nil fields of upd to the record.
	UpdateConversation(ctx context.Context, id string, upd ConversationUpdate) error

	// FinalizeConversation stores the full dialogue and summary and stamps
	// the end time. Calling it again for the same id overwrites with the
	// same values, so repeats are harmless.
	FinalizeConversation(ctx context.Context, id string, dialogue []DialogueTurn, summary string) error

	// GetLastConversation returns the most recently ended conversation for
	// phone, or nil if the caller has none.
	GetLastConversation(ctx context.Context, phone string) (*Conversation, error)

	// CreateBooking persists a confirmed booking.
	CreateBooking(ctx context.Context, b *Booking) error

	// UpdateBookingState records the caller's current scheduling-dialogue
	// state so a dropped call leaves an inspectable trace.
	UpdateBookingState(ctx context.Context, phone, state string) error
}
