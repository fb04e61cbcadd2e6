package session

import (
	"github.com/voxline/callbridge/pkg/booking"
	"github.com/voxline/callbridge/pkg/store"
)

// State is the per-call working set. It lives for exactly one phone call and
// is only touched from the session's owning goroutine, so no locking.
type State struct {
	CallSID   string
	StreamSID string
	Phone     string

	ConversationID string
	CallerName     string

	// Dialogue accumulates finalized turns in spoken order.
	Dialogue          []store.DialogueTurn
	LastUserUtterance string

	Flow booking.Flow

	// Lifecycle flags. The config payload is only useful once the model
	// session exists, and the greeting only once both sides are up.
	SessionReady bool
	CallStarted  bool
	Greeted      bool

	// SuppressNextAssistantText drops the next finalized assistant
	// transcript from the dialogue. Set around filler speech the bridge
	// asks for itself, like the knowledge-lookup acknowledgement.
	SuppressNextAssistantText bool

	// LastSummary is the previous conversation's summary, used to greet
	// returning callers with context.
	LastSummary string

	finalized bool
}

func (st *State) appendTurn(speaker store.Speaker, text string) {
	st.Dialogue = append(st.Dialogue, store.DialogueTurn{Speaker: speaker, Text: text})
}
