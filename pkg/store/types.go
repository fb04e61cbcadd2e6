package store

import "time"

// Speaker identifies who produced a dialogue turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// DialogueTurn is one utterance in a conversation transcript.
type DialogueTurn struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// User is a caller identified by phone number. Name and Email start empty
// and are filled in as the agent learns them; once set they are never
// overwritten by extraction.
type User struct {
	Phone        string
	Name         string
	Email        string
	BookingState string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Conversation is the persisted record of one call. Its ID equals the
// carrier call identifier.
type Conversation struct {
	ID           string
	Phone        string
	LastQuestion string
	LastAnswer   string
	Dialogue     []DialogueTurn
	Summary      string
	StartedAt    time.Time
	EndedAt      *time.Time
}

// Booking is a confirmed scheduled session backed by an external calendar
// event.
type Booking struct {
	Phone           string
	ConversationID  string
	ExternalEventID string
	ScheduledTime   time.Time
	Email           string
	CreatedAt       time.Time
}

// ConversationUpdate carries the fields UpdateConversation may change. Nil
// pointers leave the stored value untouched.
type ConversationUpdate struct {
	LastQuestion *string
	LastAnswer   *string
	Dialogue     []DialogueTurn
}
