// Package realtime speaks the hosted conversational speech model's
// bidirectional event protocol: a websocket carrying JSON events
// discriminated by a "type" tag.
package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Server event types the bridge consumes. The vocabulary is larger than
// this; anything else is surfaced as Other and dropped by the router.
const (
	TypeSessionCreated         = "session.created"
	TypeSessionUpdated         = "session.updated"
	TypeSpeechStarted          = "input_audio_buffer.speech_started"
	TypeResponseAudioDelta     = "response.audio.delta"
	TypeResponseTextDone       = "response.text.done"
	TypeAudioTranscriptDone    = "response.audio_transcript.done"
	TypeInputTranscriptionDone = "conversation.item.input_audio_transcription.completed"
	TypeFunctionCallArgsDone   = "response.function_call_arguments.done"
	TypeError                  = "error"
)

// SessionCreated signals the connection is ready for configuration.
type SessionCreated struct {
	Type    string          `json:"type"`
	Session json.RawMessage `json:"session,omitempty"`
}

// SessionUpdated acknowledges that the configuration payload was applied.
type SessionUpdated struct {
	Type    string          `json:"type"`
	Session json.RawMessage `json:"session,omitempty"`
}

// SpeechStarted fires when the model's voice-activity detection hears the
// caller begin speaking. The bridge must clear caller audio and cancel the
// in-flight response before relaying anything further.
type SpeechStarted struct {
	Type         string `json:"type"`
	AudioStartMS int64  `json:"audio_start_ms,omitempty"`
	ItemID       string `json:"item_id,omitempty"`
}

// AudioDelta is one fragment of synthesized speech, base64 encoded in the
// session's output codec.
type AudioDelta struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
	Delta      string `json:"delta"`
}

// TextDone carries the finalized text of an assistant response.
type TextDone struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
	Text       string `json:"text"`
}

// AudioTranscriptDone carries the finalized transcript of spoken assistant
// output. Both this and TextDone can arrive for one response.
type AudioTranscriptDone struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
	Transcript string `json:"transcript"`
}

// InputTranscriptionDone carries the finalized transcript of caller speech.
type InputTranscriptionDone struct {
	Type       string `json:"type"`
	ItemID     string `json:"item_id,omitempty"`
	Transcript string `json:"transcript"`
}

// FunctionCallArgsDone is a completed model-initiated tool invocation.
type FunctionCallArgsDone struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ErrorEvent is a protocol or server error from the model side.
type ErrorEvent struct {
	Type  string       `json:"type"`
	Error ErrorPayload `json:"error"`
}

type ErrorPayload struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

// Other is any event type the bridge has no handler for.
type Other struct {
	Type string
	Raw  json.RawMessage
}

// DecodeServerEvent parses one model-side event into its typed variant.
func DecodeServerEvent(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("invalid model event frame: %w", err)
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, fmt.Errorf("model event missing type")
	}

	switch typ {
	case TypeSessionCreated:
		var msg SessionCreated
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid %s event: %w", typ, err)
		}
		return msg, nil
	case TypeSessionUpdated:
		var msg SessionUpdated
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid %s event: %w", typ, err)
		}
		return msg, nil
	case TypeSpeechStarted:
		var msg SpeechStarted
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid %s event: %w", typ, err)
		}
		return msg, nil
	case TypeResponseAudioDelta:
		var msg AudioDelta
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid %s event: %w", typ, err)
		}
		return msg, nil
	case TypeResponseTextDone:
		var msg TextDone
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid %s event: %w", typ, err)
		}
		return msg, nil
	case TypeAudioTranscriptDone:
		var msg AudioTranscriptDone
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid %s event: %w", typ, err)
		}
		return msg, nil
	case TypeInputTranscriptionDone:
		var msg InputTranscriptionDone
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid %s event: %w", typ, err)
		}
		return msg, nil
	case TypeFunctionCallArgsDone:
		var msg FunctionCallArgsDone
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid %s event: %w", typ, err)
		}
		if strings.TrimSpace(msg.Name) == "" {
			return nil, fmt.Errorf("%s event missing function name", typ)
		}
		return msg, nil
	case TypeError:
		var msg ErrorEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid %s event: %w", typ, err)
		}
		return msg, nil
	default:
		return Other{Type: typ, Raw: json.RawMessage(data)}, nil
	}
}
