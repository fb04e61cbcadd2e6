package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/voxline/callbridge/pkg/booking"
	"github.com/voxline/callbridge/pkg/gateway/live/protocol"
	"github.com/voxline/callbridge/pkg/gateway/live/realtime"
	"github.com/voxline/callbridge/pkg/store"
)

type effectCall struct {
	kind       string // "caller", "priority", "audio", "model", "cancel", "hangup"
	responseID string
	payload    string
	modelEvent any
}

type fakeEffects struct {
	calls []effectCall
}

func (f *fakeEffects) SendToCaller(payload []byte) error {
	f.calls = append(f.calls, effectCall{kind: "caller", payload: string(payload)})
	return nil
}

func (f *fakeEffects) SendToCallerPriority(payload []byte) error {
	f.calls = append(f.calls, effectCall{kind: "priority", payload: string(payload)})
	return nil
}

func (f *fakeEffects) SendAssistantAudio(responseID string, payload []byte) error {
	f.calls = append(f.calls, effectCall{kind: "audio", responseID: responseID, payload: string(payload)})
	return nil
}

func (f *fakeEffects) SendToModel(v any) error {
	f.calls = append(f.calls, effectCall{kind: "model", modelEvent: v})
	return nil
}

func (f *fakeEffects) CancelAssistantAudio(responseID string) {
	f.calls = append(f.calls, effectCall{kind: "cancel", responseID: responseID})
}

func (f *fakeEffects) Hangup() {
	f.calls = append(f.calls, effectCall{kind: "hangup"})
}

func (f *fakeEffects) kinds() []string {
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.kind
	}
	return out
}

// modelEventType returns the wire type of the i-th model send, or "".
func (f *fakeEffects) modelEventType(i int) string {
	if i < 0 || i >= len(f.calls) || f.calls[i].kind != "model" {
		return ""
	}
	data, err := json.Marshal(f.calls[i].modelEvent)
	if err != nil {
		return ""
	}
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return ""
	}
	return env.Type
}

func (f *fakeEffects) modelInstructions(i int) string {
	data, err := json.Marshal(f.calls[i].modelEvent)
	if err != nil {
		return ""
	}
	var env struct {
		Response struct {
			Instructions string `json:"instructions"`
		} `json:"response"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return ""
	}
	return env.Response.Instructions
}

type memStore struct {
	users         map[string]*store.User
	conversations map[string]*store.Conversation
	lastByPhone   map[string]*store.Conversation
	updates       []store.ConversationUpdate
	bookings      []*store.Booking
	states        []string
	failUser      error
}

func newMemStore() *memStore {
	return &memStore{
		users:         map[string]*store.User{},
		conversations: map[string]*store.Conversation{},
		lastByPhone:   map[string]*store.Conversation{},
	}
}

func (m *memStore) CreateOrGetUser(ctx context.Context, phone string) (*store.User, error) {
	if m.failUser != nil {
		return nil, m.failUser
	}
	if u, ok := m.users[phone]; ok {
		return u, nil
	}
	u := &store.User{Phone: phone, BookingState: "idle"}
	m.users[phone] = u
	return u, nil
}

func (m *memStore) UpdateUserName(ctx context.Context, phone, name string) error {
	if u, ok := m.users[phone]; ok && u.Name == "" {
		u.Name = name
	}
	return nil
}

func (m *memStore) UpdateUserEmail(ctx context.Context, phone, email string) error {
	if u, ok := m.users[phone]; ok && u.Email == "" {
		u.Email = email
	}
	return nil
}

func (m *memStore) CreateConversation(ctx context.Context, phone, callID string) (*store.Conversation, error) {
	c := &store.Conversation{ID: callID, Phone: phone}
	m.conversations[callID] = c
	return c, nil
}

func (m *memStore) UpdateConversation(ctx context.Context, id string, upd store.ConversationUpdate) error {
	m.updates = append(m.updates, upd)
	return nil
}

func (m *memStore) FinalizeConversation(ctx context.Context, id string, dialogue []store.DialogueTurn, summary string) error {
	if c, ok := m.conversations[id]; ok {
		c.Dialogue = dialogue
		c.Summary = summary
	}
	return nil
}

func (m *memStore) GetLastConversation(ctx context.Context, phone string) (*store.Conversation, error) {
	return m.lastByPhone[phone], nil
}

func (m *memStore) CreateBooking(ctx context.Context, b *store.Booking) error {
	m.bookings = append(m.bookings, b)
	return nil
}

func (m *memStore) UpdateBookingState(ctx context.Context, phone, state string) error {
	m.states = append(m.states, state)
	return nil
}

type stubCalendar struct{}

func (stubCalendar) CreateEvent(ctx context.Context, summary, description string, start, end time.Time, attendeeEmail string) (string, error) {
	return "evt_1", nil
}

type stubKnowledge struct {
	answer string
	err    error
	query  string
}

func (s *stubKnowledge) Lookup(ctx context.Context, query string) (string, error) {
	s.query = query
	return s.answer, s.err
}

func newTestRouter(t *testing.T) (*Router, *fakeEffects, *memStore, *stubKnowledge) {
	t.Helper()
	effects := &fakeEffects{}
	st := newMemStore()
	kn := &stubKnowledge{answer: "We open at six in the morning."}
	logger := slog.New(slog.DiscardHandler)
	r := NewRouter(RouterDeps{
		Effects:   effects,
		Store:     st,
		Machine:   booking.NewMachine(st, stubCalendar{}, logger),
		Knowledge: kn,
		Logger:    logger,
		ModelConfig: realtime.SessionConfig{
			Voice:        "alloy",
			Instructions: "You answer the studio phone.",
		},
		Settle: func(time.Duration) {},
	})
	return r, effects, st, kn
}

func TestNewRouter_FlowStartsIdle(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	if r.State().Flow.State != booking.StateIdle {
		t.Fatalf("flow state = %q, want %q", r.State().Flow.State, booking.StateIdle)
	}
}

func startFrame(phone string) protocol.Start {
	return protocol.Start{
		Event: "start",
		Start: protocol.StartPayload{
			StreamSID:        "MZ1",
			CallSID:          "CA1",
			CustomParameters: map[string]string{"phone": phone},
		},
	}
}

func bringUp(t *testing.T, r *Router, phone string) {
	t.Helper()
	ctx := context.Background()
	if err := r.HandleTelephonyEvent(ctx, startFrame(phone)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.HandleModelEvent(ctx, realtime.SessionCreated{Type: realtime.TypeSessionCreated}); err != nil {
		t.Fatalf("session.created: %v", err)
	}
	if err := r.HandleModelEvent(ctx, realtime.SessionUpdated{Type: realtime.TypeSessionUpdated}); err != nil {
		t.Fatalf("session.updated: %v", err)
	}
}

func TestRouter_ConfigSentAfterSessionCreated(t *testing.T) {
	r, effects, _, _ := newTestRouter(t)
	ctx := context.Background()

	if err := r.HandleModelEvent(ctx, realtime.SessionCreated{Type: realtime.TypeSessionCreated}); err != nil {
		t.Fatalf("session.created: %v", err)
	}
	if len(effects.calls) != 1 || effects.modelEventType(0) != "session.update" {
		t.Fatalf("expected a single session.update, got %v", effects.kinds())
	}
}

func TestRouter_GreetingWaitsForBothSides(t *testing.T) {
	r, effects, _, _ := newTestRouter(t)
	ctx := context.Background()

	if err := r.HandleModelEvent(ctx, realtime.SessionCreated{Type: realtime.TypeSessionCreated}); err != nil {
		t.Fatalf("session.created: %v", err)
	}
	if err := r.HandleModelEvent(ctx, realtime.SessionUpdated{Type: realtime.TypeSessionUpdated}); err != nil {
		t.Fatalf("session.updated: %v", err)
	}
	for i := range effects.calls {
		if effects.modelEventType(i) == "response.create" {
			t.Fatalf("greeted before the call started")
		}
	}

	if err := r.HandleTelephonyEvent(ctx, startFrame("+15550001111")); err != nil {
		t.Fatalf("start: %v", err)
	}
	last := len(effects.calls) - 1
	if effects.modelEventType(last) != "response.create" {
		t.Fatalf("expected greeting after start, got %v", effects.kinds())
	}
	if !strings.Contains(effects.modelInstructions(last), "Thank you for calling") {
		t.Fatalf("greeting instructions = %q", effects.modelInstructions(last))
	}
}

func TestRouter_ReturningCallerGreeting(t *testing.T) {
	r, effects, st, _ := newTestRouter(t)
	st.users["+15550001111"] = &store.User{Phone: "+15550001111", Name: "Jordan"}
	st.lastByPhone["+15550001111"] = &store.Conversation{
		ID:      "CA0",
		Summary: "Asked about personal training pricing.",
	}

	bringUp(t, r, "+15550001111")

	last := len(effects.calls) - 1
	instr := effects.modelInstructions(last)
	if !strings.Contains(instr, "Welcome back, Jordan") {
		t.Fatalf("greeting missing name: %q", instr)
	}
	if !strings.Contains(instr, "personal training pricing") {
		t.Fatalf("greeting missing last summary: %q", instr)
	}
}

func TestRouter_MediaForwardedToModel(t *testing.T) {
	r, effects, _, _ := newTestRouter(t)
	bringUp(t, r, "+15550001111")
	before := len(effects.calls)

	err := r.HandleTelephonyEvent(context.Background(), protocol.Media{
		Event: "media",
		Media: protocol.MediaPayload{Payload: "bXVsYXc="},
	})
	if err != nil {
		t.Fatalf("media: %v", err)
	}
	if effects.modelEventType(before) != "input_audio_buffer.append" {
		t.Fatalf("expected audio append, got %v", effects.kinds()[before:])
	}
}

func TestRouter_InterruptionClearsBeforeNewAudio(t *testing.T) {
	r, effects, _, _ := newTestRouter(t)
	bringUp(t, r, "+15550001111")
	ctx := context.Background()
	before := len(effects.calls)

	if err := r.HandleModelEvent(ctx, realtime.AudioDelta{ResponseID: "resp_A", Delta: "AAAA"}); err != nil {
		t.Fatalf("delta A: %v", err)
	}
	if err := r.HandleModelEvent(ctx, realtime.SpeechStarted{Type: realtime.TypeSpeechStarted}); err != nil {
		t.Fatalf("speech_started: %v", err)
	}
	if err := r.HandleModelEvent(ctx, realtime.AudioDelta{ResponseID: "resp_B", Delta: "BBBB"}); err != nil {
		t.Fatalf("delta B: %v", err)
	}

	calls := effects.calls[before:]
	wantKinds := []string{"audio", "cancel", "priority", "model", "audio"}
	if len(calls) != len(wantKinds) {
		t.Fatalf("got %d effects %v, want %v", len(calls), effects.kinds()[before:], wantKinds)
	}
	for i, k := range wantKinds {
		if calls[i].kind != k {
			t.Fatalf("effect %d = %q, want %q (all: %v)", i, calls[i].kind, k, effects.kinds()[before:])
		}
	}
	if calls[1].responseID != "resp_A" {
		t.Fatalf("canceled %q, want resp_A", calls[1].responseID)
	}
	if !strings.Contains(calls[2].payload, `"event":"clear"`) {
		t.Fatalf("priority frame was not a clear: %q", calls[2].payload)
	}
	if effects.modelEventType(before+3) != "response.cancel" {
		t.Fatalf("expected response.cancel toward the model")
	}
	if calls[4].responseID != "resp_B" {
		t.Fatalf("new audio tagged %q, want resp_B", calls[4].responseID)
	}
}

func TestRouter_PlaybackMarkAfterResponseAudio(t *testing.T) {
	r, effects, _, _ := newTestRouter(t)
	bringUp(t, r, "+15550001111")
	ctx := context.Background()
	before := len(effects.calls)

	if err := r.HandleModelEvent(ctx, realtime.AudioDelta{ResponseID: "resp_1", Delta: "AAAA"}); err != nil {
		t.Fatalf("delta: %v", err)
	}
	if err := r.HandleModelEvent(ctx, realtime.AudioTranscriptDone{ResponseID: "resp_1", Transcript: "We open at six."}); err != nil {
		t.Fatalf("audio_transcript.done: %v", err)
	}

	calls := effects.calls[before:]
	if len(calls) < 2 || calls[0].kind != "audio" || calls[1].kind != "caller" {
		t.Fatalf("effects = %v, want audio then mark", effects.kinds()[before:])
	}
	if !strings.Contains(calls[1].payload, `"event":"mark"`) || !strings.Contains(calls[1].payload, "resp_1") {
		t.Fatalf("mark frame = %q", calls[1].payload)
	}
}

func TestRouter_SpeechStartedWithoutActiveResponseIsNoop(t *testing.T) {
	r, effects, _, _ := newTestRouter(t)
	bringUp(t, r, "+15550001111")
	before := len(effects.calls)

	if err := r.HandleModelEvent(context.Background(), realtime.SpeechStarted{}); err != nil {
		t.Fatalf("speech_started: %v", err)
	}
	if len(effects.calls) != before {
		t.Fatalf("unexpected effects: %v", effects.kinds()[before:])
	}
}

func TestRouter_AssistantTextRecordedOnce(t *testing.T) {
	r, _, st, _ := newTestRouter(t)
	bringUp(t, r, "+15550001111")
	ctx := context.Background()

	if err := r.HandleModelEvent(ctx, realtime.TextDone{ResponseID: "resp_1", Text: "We open at six."}); err != nil {
		t.Fatalf("text.done: %v", err)
	}
	if err := r.HandleModelEvent(ctx, realtime.AudioTranscriptDone{ResponseID: "resp_1", Transcript: "We open at six."}); err != nil {
		t.Fatalf("audio_transcript.done: %v", err)
	}

	dialogue := r.State().Dialogue
	if len(dialogue) != 1 {
		t.Fatalf("dialogue = %+v, want one turn", dialogue)
	}
	if dialogue[0].Speaker != store.SpeakerAssistant || dialogue[0].Text != "We open at six." {
		t.Fatalf("turn = %+v", dialogue[0])
	}
	if len(st.updates) != 1 || st.updates[0].LastAnswer == nil || *st.updates[0].LastAnswer != "We open at six." {
		t.Fatalf("updates = %+v", st.updates)
	}
}

func TestRouter_CallerTranscriptRecorded(t *testing.T) {
	r, _, st, _ := newTestRouter(t)
	bringUp(t, r, "+15550001111")

	err := r.HandleModelEvent(context.Background(), realtime.InputTranscriptionDone{Transcript: "What time do you open?"})
	if err != nil {
		t.Fatalf("transcription: %v", err)
	}
	stt := r.State()
	if stt.LastUserUtterance != "What time do you open?" {
		t.Fatalf("last utterance = %q", stt.LastUserUtterance)
	}
	if len(stt.Dialogue) != 1 || stt.Dialogue[0].Speaker != store.SpeakerUser {
		t.Fatalf("dialogue = %+v", stt.Dialogue)
	}
	if len(st.updates) != 1 || st.updates[0].LastQuestion == nil {
		t.Fatalf("updates = %+v", st.updates)
	}
}

func TestRouter_CallerIntentStartsBooking(t *testing.T) {
	r, effects, _, _ := newTestRouter(t)
	bringUp(t, r, "+15550001111")

	err := r.HandleModelEvent(context.Background(), realtime.InputTranscriptionDone{
		Transcript: "I'd like to book a training session please.",
	})
	if err != nil {
		t.Fatalf("transcription: %v", err)
	}
	if r.State().Flow.State != booking.StateAwaitingTime {
		t.Fatalf("flow state = %q", r.State().Flow.State)
	}
	last := len(effects.calls) - 1
	if effects.modelEventType(last) != "response.create" {
		t.Fatalf("expected a spoken prompt, got %v", effects.kinds())
	}
	if !strings.Contains(effects.modelInstructions(last), "day and time") {
		t.Fatalf("prompt = %q", effects.modelInstructions(last))
	}
}

func TestRouter_AssistantIntentStartsBooking(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	bringUp(t, r, "+15550001111")

	err := r.HandleModelEvent(context.Background(), realtime.TextDone{
		ResponseID: "resp_1",
		Text:       "I can book you in for a session.",
	})
	if err != nil {
		t.Fatalf("text.done: %v", err)
	}
	if r.State().Flow.State != booking.StateAwaitingTime {
		t.Fatalf("flow state = %q", r.State().Flow.State)
	}
}

func TestRouter_ActiveFlowRoutesCallerTextToMachine(t *testing.T) {
	r, effects, _, _ := newTestRouter(t)
	bringUp(t, r, "+15550001111")
	ctx := context.Background()

	if err := r.HandleModelEvent(ctx, realtime.InputTranscriptionDone{Transcript: "book a session"}); err != nil {
		t.Fatalf("intent: %v", err)
	}
	if err := r.HandleModelEvent(ctx, realtime.InputTranscriptionDone{Transcript: "tomorrow at 3pm"}); err != nil {
		t.Fatalf("time: %v", err)
	}
	if r.State().Flow.State != booking.StateAwaitingEmail {
		t.Fatalf("flow state = %q", r.State().Flow.State)
	}
	last := len(effects.calls) - 1
	if !strings.Contains(effects.modelInstructions(last), "email") {
		t.Fatalf("prompt = %q", effects.modelInstructions(last))
	}
}

func TestRouter_KnowledgeLookup(t *testing.T) {
	r, effects, _, kn := newTestRouter(t)
	bringUp(t, r, "+15550001111")
	ctx := context.Background()
	before := len(effects.calls)

	err := r.HandleModelEvent(ctx, realtime.FunctionCallArgsDone{
		CallID:    "call_1",
		Name:      realtime.ToolLookupKnowledge,
		Arguments: `{"query":"opening hours"}`,
	})
	if err != nil {
		t.Fatalf("function call: %v", err)
	}
	if kn.query != "opening hours" {
		t.Fatalf("lookup query = %q", kn.query)
	}

	// Ack speech, then the tool output, then the constrained follow-up.
	if got := effects.modelEventType(before); got != "response.create" {
		t.Fatalf("first effect = %q, want ack response.create", got)
	}
	if !strings.Contains(effects.modelInstructions(before), "one moment") {
		t.Fatalf("ack = %q", effects.modelInstructions(before))
	}
	if got := effects.modelEventType(before + 1); got != "conversation.item.create" {
		t.Fatalf("second effect = %q, want function output", got)
	}
	if !strings.Contains(fmt.Sprintf("%v", effects.calls[before+1].modelEvent), "six in the morning") {
		t.Fatalf("function output missing answer")
	}
	if got := effects.modelEventType(before + 2); got != "response.create" {
		t.Fatalf("third effect = %q, want response.create", got)
	}
	if !strings.Contains(effects.modelInstructions(before+2), "lookup result") {
		t.Fatalf("follow-up not constrained to the lookup result: %q", effects.modelInstructions(before+2))
	}

	// The ack filler is kept out of the recorded dialogue.
	if err := r.HandleModelEvent(ctx, realtime.AudioTranscriptDone{ResponseID: "resp_ack", Transcript: "Give me one moment while I look that up."}); err != nil {
		t.Fatalf("ack transcript: %v", err)
	}
	if len(r.State().Dialogue) != 0 {
		t.Fatalf("ack leaked into dialogue: %+v", r.State().Dialogue)
	}
	if err := r.HandleModelEvent(ctx, realtime.AudioTranscriptDone{ResponseID: "resp_ans", Transcript: "We open at six."}); err != nil {
		t.Fatalf("answer transcript: %v", err)
	}
	if len(r.State().Dialogue) != 1 {
		t.Fatalf("answer missing from dialogue: %+v", r.State().Dialogue)
	}
}

func TestRouter_KnowledgeLookupFailureStillAnswers(t *testing.T) {
	r, effects, _, kn := newTestRouter(t)
	kn.err = errors.New("search backend down")
	bringUp(t, r, "+15550001111")
	before := len(effects.calls)

	err := r.HandleModelEvent(context.Background(), realtime.FunctionCallArgsDone{
		CallID:    "call_1",
		Name:      realtime.ToolLookupKnowledge,
		Arguments: `{"query":"pricing"}`,
	})
	if err != nil {
		t.Fatalf("function call: %v", err)
	}
	if got := effects.modelEventType(before + 1); got != "conversation.item.create" {
		t.Fatalf("expected fallback tool output, got %v", effects.kinds()[before:])
	}
}

func TestRouter_ScheduleSessionTool(t *testing.T) {
	r, effects, _, _ := newTestRouter(t)
	bringUp(t, r, "+15550001111")
	before := len(effects.calls)

	err := r.HandleModelEvent(context.Background(), realtime.FunctionCallArgsDone{
		CallID:    "call_2",
		Name:      realtime.ToolScheduleSession,
		Arguments: `{}`,
	})
	if err != nil {
		t.Fatalf("function call: %v", err)
	}
	if r.State().Flow.State != booking.StateAwaitingTime {
		t.Fatalf("flow state = %q", r.State().Flow.State)
	}
	if got := effects.modelEventType(before); got != "conversation.item.create" {
		t.Fatalf("first effect = %q", got)
	}
	if got := effects.modelEventType(before + 1); got != "response.create" {
		t.Fatalf("second effect = %q", got)
	}
}

func TestRouter_ErrorBeforeAckResendsConfigOnce(t *testing.T) {
	r, effects, _, _ := newTestRouter(t)
	ctx := context.Background()

	if err := r.HandleModelEvent(ctx, realtime.SessionCreated{}); err != nil {
		t.Fatalf("session.created: %v", err)
	}
	if err := r.HandleModelEvent(ctx, realtime.ErrorEvent{Error: realtime.ErrorPayload{Code: "invalid_event"}}); err != nil {
		t.Fatalf("error: %v", err)
	}
	if got := effects.modelEventType(len(effects.calls) - 1); got != "session.update" {
		t.Fatalf("expected config resend, got %q", got)
	}

	before := len(effects.calls)
	if err := r.HandleModelEvent(ctx, realtime.ErrorEvent{Error: realtime.ErrorPayload{Code: "invalid_event"}}); err != nil {
		t.Fatalf("second error: %v", err)
	}
	if len(effects.calls) != before {
		t.Fatalf("config resent twice: %v", effects.kinds()[before:])
	}
}

func TestRouter_StopHangsUp(t *testing.T) {
	r, effects, _, _ := newTestRouter(t)
	bringUp(t, r, "+15550001111")

	if err := r.HandleTelephonyEvent(context.Background(), protocol.Stop{Event: "stop"}); err != nil {
		t.Fatalf("stop: %v", err)
	}
	last := effects.calls[len(effects.calls)-1]
	if last.kind != "hangup" {
		t.Fatalf("expected hangup, got %v", effects.kinds())
	}
}

func TestRouter_StartWithoutPhoneStillOpensConversation(t *testing.T) {
	r, _, st, _ := newTestRouter(t)
	ctx := context.Background()

	frame := startFrame("")
	frame.Start.CustomParameters = nil
	if err := r.HandleTelephonyEvent(ctx, frame); err != nil {
		t.Fatalf("start: %v", err)
	}
	if r.State().Phone != "unknown" {
		t.Fatalf("phone = %q", r.State().Phone)
	}
	if _, ok := st.conversations["CA1"]; !ok {
		t.Fatalf("conversation not created")
	}
}
