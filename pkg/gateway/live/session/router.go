package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/voxline/callbridge/pkg/booking"
	"github.com/voxline/callbridge/pkg/gateway/live/protocol"
	"github.com/voxline/callbridge/pkg/gateway/live/realtime"
	"github.com/voxline/callbridge/pkg/store"
)

// Effects is everything the router does to the outside world. The bridge
// backs it with the real sockets; tests back it with a recorder.
type Effects interface {
	// SendToCaller queues a frame for the carrier stream.
	SendToCaller(payload []byte) error
	// SendToCallerPriority queues a frame ahead of everything else.
	SendToCallerPriority(payload []byte) error
	// SendAssistantAudio queues synthesized speech tagged with its
	// response ID so a later cancel can drop it at the writer.
	SendAssistantAudio(responseID string, payload []byte) error
	// SendToModel writes one client event to the model session.
	SendToModel(v any) error
	// CancelAssistantAudio marks a response ID so queued audio for it is
	// discarded instead of written.
	CancelAssistantAudio(responseID string)
	// Hangup ends the call from our side.
	Hangup()
}

// KnowledgeLookup answers factual questions about the business.
type KnowledgeLookup interface {
	Lookup(ctx context.Context, query string) (string, error)
}

const (
	knowledgeAckSpeech    = "Give me one moment while I look that up."
	knowledgeFailAnswer   = "I could not find that information right now. Offer to have someone call the caller back."
	knowledgeAnswerPrompt = "Answer the caller using only the lookup result you just received. Summarize it in one or two spoken sentences and do not add information beyond it."
	greetingNew           = "Thank you for calling the studio. How can I help you today?"
	greetingReturningFmt  = "Welcome back%s. Last time we spoke about: %s. How can I help you today?"
	greetingKnownNameFmt  = "Welcome back%s. How can I help you today?"
)

// Router owns the per-call conversational state and turns decoded events from
// either socket into effects. It runs on the bridge's single event goroutine.
type Router struct {
	effects   Effects
	store     store.Store
	machine   *booking.Machine
	knowledge KnowledgeLookup
	logger    *slog.Logger

	modelCfg    realtime.SessionConfig
	settleDelay time.Duration
	settle      func(time.Duration)

	state State

	// currentResponseID tracks the response whose audio is streaming to
	// the caller, empty when nothing is in flight.
	currentResponseID string
	lastFinalizedID   string

	configSent   bool
	configAcked  bool
	configResent bool
}

type RouterDeps struct {
	Effects     Effects
	Store       store.Store
	Machine     *booking.Machine
	Knowledge   KnowledgeLookup
	Logger      *slog.Logger
	ModelConfig realtime.SessionConfig
	SettleDelay time.Duration
	Settle      func(time.Duration)
}

func NewRouter(deps RouterDeps) *Router {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Settle == nil {
		deps.Settle = time.Sleep
	}
	if deps.SettleDelay <= 0 {
		deps.SettleDelay = 250 * time.Millisecond
	}
	r := &Router{
		effects:     deps.Effects,
		store:       deps.Store,
		machine:     deps.Machine,
		knowledge:   deps.Knowledge,
		logger:      deps.Logger,
		modelCfg:    deps.ModelConfig,
		settleDelay: deps.SettleDelay,
		settle:      deps.Settle,
	}
	r.state.Flow = booking.NewFlow()
	return r
}

// State exposes the call state to the bridge for finalization.
func (r *Router) State() *State { return &r.state }

// HandleTelephonyEvent processes one decoded carrier frame.
func (r *Router) HandleTelephonyEvent(ctx context.Context, ev any) error {
	switch m := ev.(type) {
	case protocol.Connected:
		return nil
	case protocol.Start:
		return r.handleCallStart(ctx, m)
	case protocol.Media:
		return r.effects.SendToModel(realtime.NewAudioAppend(m.Media.Payload))
	case protocol.Mark:
		return nil
	case protocol.Stop:
		r.logger.Info("call ended by caller", "call_sid", r.state.CallSID)
		r.effects.Hangup()
		return nil
	case protocol.Other:
		r.logger.Debug("ignoring carrier frame", "event", m.Event)
		return nil
	default:
		return nil
	}
}

// HandleModelEvent processes one decoded model event.
func (r *Router) HandleModelEvent(ctx context.Context, ev any) error {
	switch m := ev.(type) {
	case realtime.SessionCreated:
		return r.handleSessionCreated()
	case realtime.SessionUpdated:
		return r.handleSessionUpdated(ctx)
	case realtime.SpeechStarted:
		return r.handleSpeechStarted()
	case realtime.AudioDelta:
		return r.handleAudioDelta(m)
	case realtime.AudioTranscriptDone:
		return r.handleAssistantText(ctx, m.ResponseID, m.Transcript)
	case realtime.TextDone:
		return r.handleAssistantText(ctx, m.ResponseID, m.Text)
	case realtime.InputTranscriptionDone:
		return r.handleCallerText(ctx, m.Transcript)
	case realtime.FunctionCallArgsDone:
		return r.handleFunctionCall(ctx, m)
	case realtime.ErrorEvent:
		return r.handleModelError(m)
	case realtime.Other:
		return nil
	default:
		return nil
	}
}

func (r *Router) handleCallStart(ctx context.Context, m protocol.Start) error {
	r.state.CallSID = m.Start.CallSID
	r.state.StreamSID = m.Start.StreamSID
	r.state.Phone = strings.TrimSpace(m.Start.CustomParameters["phone"])
	r.state.CallStarted = true

	if r.state.Phone == "" {
		r.logger.Warn("call started without a caller number", "call_sid", r.state.CallSID)
		r.state.Phone = "unknown"
	}

	user, err := r.store.CreateOrGetUser(ctx, r.state.Phone)
	if err != nil {
		return fmt.Errorf("register caller: %w", err)
	}
	r.state.CallerName = user.Name

	conv, err := r.store.CreateConversation(ctx, r.state.Phone, r.state.CallSID)
	if err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}
	r.state.ConversationID = conv.ID

	last, err := r.store.GetLastConversation(ctx, r.state.Phone)
	if err != nil {
		r.logger.Warn("could not load previous conversation", "error", err)
	} else if last != nil {
		r.state.LastSummary = last.Summary
	}

	r.logger.Info("call started",
		"call_sid", r.state.CallSID,
		"stream_sid", r.state.StreamSID,
		"phone", r.state.Phone,
		"conversation_id", r.state.ConversationID,
	)
	return r.maybeGreet()
}

func (r *Router) handleSessionCreated() error {
	// The model drops configuration sent in the same instant the session
	// comes up, so give it a beat before the update.
	r.settle(r.settleDelay)
	r.configSent = true
	return r.effects.SendToModel(realtime.NewSessionUpdate(r.modelCfg))
}

func (r *Router) handleSessionUpdated(ctx context.Context) error {
	r.configAcked = true
	r.state.SessionReady = true
	return r.maybeGreet()
}

// maybeGreet speaks the opener once both the carrier stream and the model
// session are up, whichever arrives second.
func (r *Router) maybeGreet() error {
	if r.state.Greeted || !r.state.SessionReady || !r.state.CallStarted {
		return nil
	}
	r.state.Greeted = true

	greeting := greetingNew
	if r.state.LastSummary != "" {
		name := ""
		if r.state.CallerName != "" {
			name = ", " + r.state.CallerName
		}
		greeting = fmt.Sprintf(greetingReturningFmt, name, r.state.LastSummary)
	} else if r.state.CallerName != "" {
		greeting = fmt.Sprintf(greetingKnownNameFmt, ", "+r.state.CallerName)
	}
	return r.speakVerbatim(greeting)
}

func (r *Router) handleSpeechStarted() error {
	if r.currentResponseID == "" {
		return nil
	}
	// The caller talked over the assistant. Drop queued audio, tell the
	// carrier to flush its playback buffer, and abort the model response.
	r.effects.CancelAssistantAudio(r.currentResponseID)
	clearFrame, err := protocol.OutboundClear(r.state.StreamSID)
	if err != nil {
		return err
	}
	if err := r.effects.SendToCallerPriority(clearFrame); err != nil {
		return err
	}
	if err := r.effects.SendToModel(realtime.NewResponseCancel()); err != nil {
		return err
	}
	r.currentResponseID = ""
	return nil
}

func (r *Router) handleAudioDelta(m realtime.AudioDelta) error {
	if r.state.StreamSID == "" {
		return nil
	}
	if m.ResponseID != "" {
		r.currentResponseID = m.ResponseID
	}
	frame, err := protocol.OutboundMedia(r.state.StreamSID, m.Delta)
	if err != nil {
		return err
	}
	return r.effects.SendAssistantAudio(m.ResponseID, frame)
}

func (r *Router) handleAssistantText(ctx context.Context, responseID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	// A spoken response reports both a text.done and an audio_transcript.done;
	// record it once.
	if responseID != "" && responseID == r.lastFinalizedID {
		return nil
	}
	r.lastFinalizedID = responseID

	if r.currentResponseID == responseID {
		r.currentResponseID = ""
		// Queue a bookmark behind the response's audio so the carrier
		// reports when playback of this response completes.
		if err := r.sendPlaybackMark(responseID); err != nil {
			return err
		}
	}

	if r.state.SuppressNextAssistantText {
		r.state.SuppressNextAssistantText = false
		return nil
	}

	r.state.appendTurn(store.SpeakerAssistant, text)
	r.persistDialogue(ctx, store.ConversationUpdate{
		LastAnswer: &text,
		Dialogue:   r.state.Dialogue,
	})

	if r.state.Flow.State == booking.StateIdle && booking.MatchesSchedulingIntent(text) {
		return r.beginBooking(ctx)
	}
	return nil
}

func (r *Router) sendPlaybackMark(responseID string) error {
	if r.state.StreamSID == "" || responseID == "" {
		return nil
	}
	frame, err := protocol.OutboundMark(r.state.StreamSID, responseID)
	if err != nil {
		return err
	}
	return r.effects.SendToCaller(frame)
}

func (r *Router) handleCallerText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	r.state.LastUserUtterance = text
	r.state.appendTurn(store.SpeakerUser, text)
	r.persistDialogue(ctx, store.ConversationUpdate{
		LastQuestion: &text,
		Dialogue:     r.state.Dialogue,
	})

	if r.state.Flow.State != booking.StateIdle {
		reply := r.machine.HandleUserText(ctx, &r.state.Flow, r.state.Phone, r.state.ConversationID, text)
		return r.speakVerbatim(reply)
	}
	if booking.MatchesSchedulingIntent(text) {
		return r.beginBooking(ctx)
	}
	return nil
}

func (r *Router) beginBooking(ctx context.Context) error {
	prompt := r.machine.Begin(ctx, &r.state.Flow, r.state.Phone)
	return r.speakVerbatim(prompt)
}

func (r *Router) handleFunctionCall(ctx context.Context, m realtime.FunctionCallArgsDone) error {
	switch m.Name {
	case realtime.ToolLookupKnowledge:
		return r.handleKnowledgeCall(ctx, m)
	case realtime.ToolScheduleSession:
		if err := r.effects.SendToModel(realtime.NewFunctionCallOutput(m.CallID, `{"status":"booking started"}`)); err != nil {
			return err
		}
		return r.beginBooking(ctx)
	default:
		r.logger.Warn("model invoked unknown tool", "name", m.Name)
		return r.effects.SendToModel(realtime.NewFunctionCallOutput(m.CallID, `{"error":"unknown tool"}`))
	}
}

func (r *Router) handleKnowledgeCall(ctx context.Context, m realtime.FunctionCallArgsDone) error {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(m.Arguments), &args); err != nil {
		r.logger.Warn("bad knowledge lookup arguments", "error", err)
		return r.effects.SendToModel(realtime.NewFunctionCallOutput(m.CallID, `{"error":"invalid arguments"}`))
	}

	// Fill the silence while the lookup runs, and keep the filler out of
	// the recorded dialogue.
	r.state.SuppressNextAssistantText = true
	if err := r.speakVerbatim(knowledgeAckSpeech); err != nil {
		return err
	}

	answer, err := r.knowledge.Lookup(ctx, args.Query)
	if err != nil {
		r.logger.Warn("knowledge lookup failed", "query", args.Query, "error", err)
		answer = knowledgeFailAnswer
	}

	output, err := json.Marshal(map[string]string{"answer": answer})
	if err != nil {
		return err
	}
	if err := r.effects.SendToModel(realtime.NewFunctionCallOutput(m.CallID, string(output))); err != nil {
		return err
	}
	return r.effects.SendToModel(realtime.NewInstructedResponse(knowledgeAnswerPrompt))
}

func (r *Router) handleModelError(m realtime.ErrorEvent) error {
	// One retry if the configuration raced the session coming up.
	if r.configSent && !r.configAcked && !r.configResent {
		r.logger.Warn("model rejected early event, resending configuration",
			"code", m.Error.Code, "message", m.Error.Message)
		r.configResent = true
		return r.effects.SendToModel(realtime.NewSessionUpdate(r.modelCfg))
	}
	r.logger.Error("model session error", "code", m.Error.Code, "message", m.Error.Message)
	return nil
}

// speakVerbatim asks the model to say a fixed line. The model still
// synthesizes the voice, so the line arrives back as ordinary audio deltas.
func (r *Router) speakVerbatim(text string) error {
	if text == "" {
		return nil
	}
	return r.effects.SendToModel(realtime.NewInstructedResponse("Say exactly the following, and nothing else: " + text))
}

func (r *Router) persistDialogue(ctx context.Context, upd store.ConversationUpdate) {
	if r.state.ConversationID == "" {
		return
	}
	if err := r.store.UpdateConversation(ctx, r.state.ConversationID, upd); err != nil {
		r.logger.Warn("could not persist dialogue turn",
			"conversation_id", r.state.ConversationID, "error", err)
	}
}
