package session

import (
	"context"
	"log/slog"

	"github.com/voxline/callbridge/pkg/store"
)

// TextOps is the offline language-model surface the finalizer needs.
type TextOps interface {
	Summarize(ctx context.Context, dialogue []store.DialogueTurn) (string, error)
	ExtractName(ctx context.Context, dialogue []store.DialogueTurn) (string, error)
	ExtractEmail(ctx context.Context, dialogue []store.DialogueTurn) (string, error)
}

// Finalizer closes a conversation out after the call drops: it summarizes the
// dialogue, stamps the end time, and backfills caller profile fields the call
// surfaced. Each step is independent; one failing never blocks the others.
type Finalizer struct {
	store  store.Store
	text   TextOps
	logger *slog.Logger
}

func NewFinalizer(st store.Store, text TextOps, logger *slog.Logger) *Finalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Finalizer{store: st, text: text, logger: logger}
}

// Finalize runs once per call. Calling it again is a no-op.
func (f *Finalizer) Finalize(ctx context.Context, st *State) {
	if st.finalized {
		return
	}
	st.finalized = true

	if st.ConversationID == "" {
		return
	}
	log := f.logger.With("conversation_id", st.ConversationID, "phone", st.Phone)

	if len(st.Dialogue) == 0 {
		log.Info("call ended with no dialogue, skipping summary")
		if err := f.store.FinalizeConversation(ctx, st.ConversationID, nil, ""); err != nil {
			log.Error("could not close empty conversation", "error", err)
		}
		return
	}

	summary, err := f.text.Summarize(ctx, st.Dialogue)
	if err != nil {
		log.Error("summary generation failed", "error", err)
		summary = ""
	}
	if err := f.store.FinalizeConversation(ctx, st.ConversationID, st.Dialogue, summary); err != nil {
		log.Error("could not finalize conversation", "error", err)
	}

	name, err := f.text.ExtractName(ctx, st.Dialogue)
	if err != nil {
		log.Warn("name extraction failed", "error", err)
	} else if name != "" {
		if err := f.store.UpdateUserName(ctx, st.Phone, name); err != nil {
			log.Warn("could not save caller name", "error", err)
		}
	}

	email, err := f.text.ExtractEmail(ctx, st.Dialogue)
	if err != nil {
		log.Warn("email extraction failed", "error", err)
	} else if email != "" {
		if err := f.store.UpdateUserEmail(ctx, st.Phone, email); err != nil {
			log.Warn("could not save caller email", "error", err)
		}
	}
}
