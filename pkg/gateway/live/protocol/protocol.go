// Package protocol defines the carrier media-stream envelope: the JSON
// frames exchanged over the telephony websocket, discriminated by an
// "event" tag.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventClear     = "clear"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

// Connected is the first frame the carrier sends after the websocket opens.
type Connected struct {
	Event    string `json:"event"`
	Protocol string `json:"protocol,omitempty"`
	Version  string `json:"version,omitempty"`
}

// Start announces the media stream and carries the correlation identifiers
// for the call, plus any custom parameters set by the answering webhook.
type Start struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSID      string       `json:"streamSid"`
	Start          StartPayload `json:"start"`
}

type StartPayload struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid,omitempty"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// Media carries one inbound audio frame, base64 encoded.
type Media struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSID      string       `json:"streamSid,omitempty"`
	Media          MediaPayload `json:"media"`
}

type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// Stop signals the end of the media stream.
type Stop struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"streamSid,omitempty"`
	Stop      StopPayload `json:"stop"`
}

type StopPayload struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

// Mark echoes a playback bookmark previously sent outbound.
type Mark struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"streamSid,omitempty"`
	Mark      MarkPayload `json:"mark"`
}

type MarkPayload struct {
	Name string `json:"name"`
}

// Other is any recognized-but-unhandled carrier frame. It is logged and
// dropped without touching session state.
type Other struct {
	Event string
	Raw   json.RawMessage
}

// DecodeInbound parses one telephony frame into its typed variant.
func DecodeInbound(data []byte) (any, error) {
	var envelope struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	event := strings.TrimSpace(envelope.Event)
	if event == "" {
		return nil, badFrame("missing event", "event")
	}

	switch event {
	case EventConnected:
		var msg Connected
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid connected frame", "")
		}
		return msg, nil
	case EventStart:
		var msg Start
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid start frame", "")
		}
		if strings.TrimSpace(msg.Start.StreamSID) == "" && strings.TrimSpace(msg.StreamSID) == "" {
			return nil, badFrame("start.streamSid is required", "start.streamSid")
		}
		if strings.TrimSpace(msg.Start.CallSID) == "" {
			return nil, badFrame("start.callSid is required", "start.callSid")
		}
		if msg.Start.StreamSID == "" {
			msg.Start.StreamSID = msg.StreamSID
		}
		return msg, nil
	case EventMedia:
		var msg Media
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid media frame", "")
		}
		if msg.Media.Payload == "" {
			return nil, badFrame("media.payload is required", "media.payload")
		}
		return msg, nil
	case EventStop:
		var msg Stop
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid stop frame", "")
		}
		return msg, nil
	case EventMark:
		var msg Mark
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid mark frame", "")
		}
		return msg, nil
	default:
		return Other{Event: event, Raw: json.RawMessage(data)}, nil
	}
}

// OutboundMedia builds an audio frame for the caller. payloadB64 must
// already be base64 in the negotiated codec.
func OutboundMedia(streamSID, payloadB64 string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event":     EventMedia,
		"streamSid": streamSID,
		"media":     map[string]string{"payload": payloadB64},
	})
}

// OutboundClear tells the carrier to drop any audio it has buffered but not
// yet played. Sent on interruption, before any further audio.
func OutboundClear(streamSID string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event":     EventClear,
		"streamSid": streamSID,
	})
}

// OutboundMark asks the carrier to echo a bookmark once playback reaches
// this point in the audio queue.
func OutboundMark(streamSID, name string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event":     EventMark,
		"streamSid": streamSID,
		"mark":      map[string]string{"name": name},
	})
}
