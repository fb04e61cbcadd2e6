package realtime

// Client events the bridge emits toward the model.

// SessionConfig carries the options the gateway pins per call.
type SessionConfig struct {
	Voice                string
	Instructions         string
	Temperature          float64
	VADThreshold         float64
	VADPrefixPaddingMS   int
	VADSilenceDurationMS int
	TranscriptionModel   string
}

// Tool names the model may invoke.
const (
	ToolLookupKnowledge = "lookup_knowledge"
	ToolScheduleSession = "schedule_session"
)

type sessionUpdate struct {
	Type    string         `json:"type"`
	Session sessionPayload `json:"session"`
}

type sessionPayload struct {
	Modalities              []string       `json:"modalities"`
	Instructions            string         `json:"instructions"`
	Voice                   string         `json:"voice"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	InputAudioTranscription *transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection `json:"turn_detection,omitempty"`
	Tools                   []toolDef      `json:"tools"`
	ToolChoice              string         `json:"tool_choice"`
	Temperature             float64        `json:"temperature"`
}

type transcription struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

type toolDef struct {
	Type        string     `json:"type"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Parameters  toolParams `json:"parameters"`
}

type toolParams struct {
	Type       string               `json:"type"`
	Properties map[string]toolParam `json:"properties"`
	Required   []string             `json:"required"`
}

type toolParam struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// NewSessionUpdate builds the configuration payload sent once the model
// session exists. Audio runs G.711 mu-law both ways to match the carrier
// media stream, so no transcoding happens in between.
func NewSessionUpdate(cfg SessionConfig) any {
	return sessionUpdate{
		Type: "session.update",
		Session: sessionPayload{
			Modalities:        []string{"text", "audio"},
			Instructions:      cfg.Instructions,
			Voice:             cfg.Voice,
			InputAudioFormat:  "g711_ulaw",
			OutputAudioFormat: "g711_ulaw",
			InputAudioTranscription: &transcription{
				Model: cfg.TranscriptionModel,
			},
			TurnDetection: &turnDetection{
				Type:              "server_vad",
				Threshold:         cfg.VADThreshold,
				PrefixPaddingMS:   cfg.VADPrefixPaddingMS,
				SilenceDurationMS: cfg.VADSilenceDurationMS,
			},
			Tools: []toolDef{
				{
					Type:        "function",
					Name:        ToolLookupKnowledge,
					Description: "Look up factual information about the studio, its services, pricing, and policies. Call this before answering any factual question.",
					Parameters: toolParams{
						Type: "object",
						Properties: map[string]toolParam{
							"query": {
								Type:        "string",
								Description: "The caller's question, rephrased as a search query.",
							},
						},
						Required: []string{"query"},
					},
				},
				{
					Type:        "function",
					Name:        ToolScheduleSession,
					Description: "Start booking a training session for the caller. Call this when the caller wants to book, schedule, or set up a session.",
					Parameters: toolParams{
						Type:       "object",
						Properties: map[string]toolParam{},
						Required:   []string{},
					},
				},
			},
			ToolChoice:  "auto",
			Temperature: cfg.Temperature,
		},
	}
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// NewAudioAppend wraps one base64 mu-law chunk from the caller.
func NewAudioAppend(audioB64 string) any {
	return audioAppend{Type: "input_audio_buffer.append", Audio: audioB64}
}

type responseCancel struct {
	Type string `json:"type"`
}

// NewResponseCancel aborts the in-flight model response.
func NewResponseCancel() any {
	return responseCancel{Type: "response.cancel"}
}

type conversationItemCreate struct {
	Type string           `json:"type"`
	Item functionCallItem `json:"item"`
}

type functionCallItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// NewFunctionCallOutput feeds a tool result back into the conversation.
func NewFunctionCallOutput(callID, output string) any {
	return conversationItemCreate{
		Type: "conversation.item.create",
		Item: functionCallItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}
}

type responseCreate struct {
	Type     string          `json:"type"`
	Response *responseParams `json:"response,omitempty"`
}

type responseParams struct {
	Instructions string `json:"instructions,omitempty"`
}

// NewResponseCreate asks the model to produce its next turn.
func NewResponseCreate() any {
	return responseCreate{Type: "response.create"}
}

// NewInstructedResponse asks the model to speak with one-off instructions,
// used for greetings and booking prompts that must come out verbatim.
func NewInstructedResponse(instructions string) any {
	return responseCreate{
		Type:     "response.create",
		Response: &responseParams{Instructions: instructions},
	}
}
