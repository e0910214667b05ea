// Package envelope defines the normalized message unit exchanged between
// the relay's components. Both the frontend gateway and the provider
// connection translate their wire formats to and from envelopes, so
// neither side needs to know the other's protocol.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind identifies the type of an envelope.
type Kind string

const (
	// KindControl carries lifecycle and playback signals.
	KindControl Kind = "control"

	// KindUserMessage is user text, inbound from the client or echoed back.
	KindUserMessage Kind = "user_message"

	// KindAssistantMessage is a complete assistant utterance.
	KindAssistantMessage Kind = "assistant_message"

	// KindTextDelta is one streamed chunk of assistant text.
	KindTextDelta Kind = "text_delta"

	// KindTranscription is the final transcript of user speech.
	KindTranscription Kind = "transcription"

	// KindError reports a failure to the client.
	KindError Kind = "error"

	// KindAudio carries raw little-endian PCM16 mono samples.
	KindAudio Kind = "audio"
)

// Control actions.
const (
	ActionConnected        = "connected"
	ActionDisconnect       = "disconnect"
	ActionDisconnected     = "disconnected"
	ActionSpeechStarted    = "speech_started"
	ActionSpeechStopped    = "speech_stopped"
	ActionProcessingSpeech = "processing_speech"
	ActionAudioCleared     = "audio_cleared"
	ActionResponseComplete = "response_complete"
	ActionClear            = "clear"
)

// ErrBinaryEnvelope is returned when a caller asks for the text encoding
// of an audio envelope. Audio always travels as a binary frame.
var ErrBinaryEnvelope = errors.New("envelope: audio envelopes have no text encoding")

// Envelope is a discriminated message. Exactly one of the text fields or
// Audio is populated, depending on Kind: audio envelopes carry no text
// fields and non-audio envelopes carry no samples.
type Envelope struct {
	Kind Kind

	// ID correlates streamed envelopes (text_delta, transcription) into
	// one logical utterance. Stable for the life of the utterance.
	ID string

	Text    string // user_message, assistant_message, transcription
	Delta   string // text_delta
	Action  string // control
	Content string // error
	Final   bool   // assistant_message: complete utterance

	// Timestamp is unix milliseconds, set by the constructors.
	Timestamp int64

	// Audio is raw little-endian PCM16 mono samples. Audio envelopes only.
	Audio []byte
}

// Control creates a control envelope with the given action.
func Control(action string) Envelope {
	return Envelope{Kind: KindControl, Action: action, Timestamp: now()}
}

// ControlWithID creates a control envelope correlated to an utterance.
func ControlWithID(action, id string) Envelope {
	e := Control(action)
	e.ID = id
	return e
}

// UserMessage creates a user text envelope.
func UserMessage(id, text string) Envelope {
	return Envelope{Kind: KindUserMessage, ID: id, Text: text, Timestamp: now()}
}

// AssistantMessage creates a complete assistant utterance envelope.
func AssistantMessage(id, text string, final bool) Envelope {
	return Envelope{Kind: KindAssistantMessage, ID: id, Text: text, Final: final, Timestamp: now()}
}

// TextDelta creates one streamed chunk of assistant text keyed by id.
func TextDelta(id, delta string) Envelope {
	return Envelope{Kind: KindTextDelta, ID: id, Delta: delta, Timestamp: now()}
}

// Transcription creates a final user speech transcript envelope.
func Transcription(id, text string) Envelope {
	return Envelope{Kind: KindTranscription, ID: id, Text: text, Timestamp: now()}
}

// Error creates an error envelope for delivery to the client.
func Error(content string) Envelope {
	return Envelope{Kind: KindError, Content: content, Timestamp: now()}
}

// Audio creates an audio envelope wrapping raw PCM16 samples.
func Audio(pcm16 []byte) Envelope {
	return Envelope{Kind: KindAudio, Audio: pcm16, Timestamp: now()}
}

// IsAudio reports whether e carries raw samples.
func (e Envelope) IsAudio() bool {
	return e.Kind == KindAudio
}

// Streaming reports whether e is part of a correlated stream and must
// carry a stable ID.
func (e Envelope) Streaming() bool {
	return e.Kind == KindTextDelta || e.Kind == KindTranscription
}

// Validate checks the envelope's internal invariants.
func (e Envelope) Validate() error {
	if e.IsAudio() {
		if e.Text != "" || e.Delta != "" || e.Action != "" || e.Content != "" {
			return fmt.Errorf("envelope: audio envelope carries text fields")
		}
		return nil
	}
	if len(e.Audio) != 0 {
		return fmt.Errorf("envelope: %s envelope carries audio samples", e.Kind)
	}
	if e.Streaming() && e.ID == "" {
		return fmt.Errorf("envelope: %s envelope missing id", e.Kind)
	}
	return nil
}

// wire is the JSON shape exchanged with the frontend over text frames.
type wire struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Text    string `json:"text,omitempty"`
	Delta   string `json:"delta,omitempty"`
	Action  string `json:"action,omitempty"`
	Content string `json:"content,omitempty"`
	Final   bool   `json:"final,omitempty"`
	Ts      int64  `json:"ts,omitempty"`
}

// Bytes returns the client text-frame encoding of e.
// Audio envelopes have no text encoding and return ErrBinaryEnvelope.
func (e Envelope) Bytes() ([]byte, error) {
	if e.IsAudio() {
		return nil, ErrBinaryEnvelope
	}
	return json.Marshal(wire{
		Type:    string(e.Kind),
		ID:      e.ID,
		Text:    e.Text,
		Delta:   e.Delta,
		Action:  e.Action,
		Content: e.Content,
		Final:   e.Final,
		Ts:      e.Timestamp,
	})
}

// Parse decodes a client text frame into an envelope.
// The client sends only user_message and disconnect; a disconnect
// becomes a control envelope. Unknown types are preserved so the router
// can treat them as inert no-ops.
func Parse(data []byte) (Envelope, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("envelope: parse client frame: %w", err)
	}
	if w.Type == "" {
		return Envelope{}, errors.New("envelope: client frame missing type")
	}

	switch w.Type {
	case ActionDisconnect:
		return Control(ActionDisconnect), nil
	case string(KindUserMessage):
		return UserMessage(w.ID, w.Text), nil
	default:
		return Envelope{
			Kind:      Kind(w.Type),
			ID:        w.ID,
			Text:      w.Text,
			Delta:     w.Delta,
			Action:    w.Action,
			Content:   w.Content,
			Timestamp: now(),
		}, nil
	}
}

func now() int64 {
	return time.Now().UnixMilli()
}
