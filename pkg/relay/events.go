package relay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/openduck/mallard/pkg/envelope"
)

// providerEvent is the decoded shape of one provider-native event. The
// provider protocol is treated as a versioned opaque contract; only the
// fields the relay maps are named here.
type providerEvent struct {
	Type       string `json:"type"`
	EventID    string `json:"event_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
	ResponseID string `json:"response_id,omitempty"`

	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Audio      string `json:"audio,omitempty"` // base64 PCM16

	AudioStartMs int64 `json:"audio_start_ms,omitempty"`
	AudioEndMs   int64 `json:"audio_end_ms,omitempty"`

	// Function calling
	Name      string `json:"name,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	Item     *providerItem     `json:"item,omitempty"`
	Response *providerResponse `json:"response,omitempty"`
	Error    *providerError    `json:"error,omitempty"`
}

// providerItem is a conversation item inside a provider event.
type providerItem struct {
	ID      string            `json:"id,omitempty"`
	Type    string            `json:"type,omitempty"`
	Role    string            `json:"role,omitempty"`
	Content []providerContent `json:"content,omitempty"`

	// Function call output fields
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// providerContent is one content part of a conversation item.
type providerContent struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// providerResponse is the response object inside response.* events.
type providerResponse struct {
	ID     string         `json:"id,omitempty"`
	Status string         `json:"status,omitempty"`
	Output []providerItem `json:"output,omitempty"`
}

// providerError is the error object of a provider "error" event.
type providerError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Outbound event constructors. Each returns the JSON-shaped map sent on
// the provider socket; field names belong to the provider's contract.

func sessionUpdateEvent(p sessionParams) map[string]any {
	session := map[string]any{
		"modalities":          []string{"text", "audio"},
		"instructions":        p.Instructions,
		"voice":               p.Voice,
		"input_audio_format":  "pcm16",
		"output_audio_format": "pcm16",
		"input_audio_transcription": map[string]any{
			"model": "whisper-1",
		},
		"turn_detection": map[string]any{
			"type":                "server_vad",
			"threshold":           p.VADThreshold,
			"prefix_padding_ms":   p.VADPrefixPaddingMs,
			"silence_duration_ms": p.VADSilenceDurationMs,
			"create_response":     true,
		},
		"temperature":                p.Temperature,
		"max_response_output_tokens": p.MaxOutputTokens,
	}
	if len(p.Tools) > 0 {
		session["tools"] = p.Tools
		session["tool_choice"] = "auto"
	}
	return map[string]any{"type": "session.update", "session": session}
}

func itemCreateEvent(itemID, previousItemID, text string) map[string]any {
	ev := map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"id":   itemID,
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}
	if previousItemID != "" {
		ev["previous_item_id"] = previousItemID
	}
	return ev
}

func responseCreateEvent(modalities []string, instructions string, temperature float64, maxTokens int) map[string]any {
	resp := map[string]any{"modalities": modalities}
	if instructions != "" {
		resp["instructions"] = instructions
	}
	if temperature > 0 {
		resp["temperature"] = temperature
	}
	if maxTokens > 0 {
		resp["max_output_tokens"] = maxTokens
	}
	return map[string]any{"type": "response.create", "response": resp}
}

func audioAppendEvent(pcm16 []byte) map[string]any {
	return map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm16),
	}
}

func toolOutputEvent(callID, output string) map[string]any {
	return map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	}
}

// normalize maps one provider-native event to zero or more internal
// envelopes. Unknown event types yield nil: logged by the caller at
// debug level and dropped, never session-fatal.
func normalize(ev providerEvent) ([]envelope.Envelope, error) {
	switch ev.Type {
	case "input_audio_buffer.speech_started":
		return []envelope.Envelope{envelope.ControlWithID(envelope.ActionSpeechStarted, ev.ItemID)}, nil

	case "input_audio_buffer.speech_stopped":
		return []envelope.Envelope{envelope.ControlWithID(envelope.ActionSpeechStopped, ev.ItemID)}, nil

	case "input_audio_buffer.committed":
		return []envelope.Envelope{envelope.ControlWithID(envelope.ActionProcessingSpeech, ev.ItemID)}, nil

	case "input_audio_buffer.cleared":
		return []envelope.Envelope{envelope.Control(envelope.ActionAudioCleared)}, nil

	case "conversation.item.created":
		return normalizeItemCreated(ev)

	case "conversation.item.input_audio_transcription.completed":
		return []envelope.Envelope{envelope.Transcription(ev.ItemID, ev.Transcript)}, nil

	case "conversation.item.input_audio_transcription.failed":
		msg := "transcription failed"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		return []envelope.Envelope{envelope.UserMessage(ev.ItemID, "Could not transcribe audio"),
			envelope.Error(msg)}, nil

	case "response.text.delta", "response.audio_transcript.delta":
		return []envelope.Envelope{envelope.TextDelta(streamID(ev), ev.Delta)}, nil

	case "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			return nil, fmt.Errorf("decoding audio delta: %w", err)
		}
		return []envelope.Envelope{envelope.Audio(pcm)}, nil

	case "response.audio_transcript.done":
		return []envelope.Envelope{envelope.AssistantMessage(streamID(ev), ev.Transcript, true)}, nil

	case "response.done":
		return normalizeResponseDone(ev), nil

	case "error":
		msg := "provider error"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		return []envelope.Envelope{envelope.Error(msg)}, nil
	}

	return nil, nil
}

// normalizeItemCreated surfaces new conversation items: user items are
// echoed downstream so the client renders its own message bubble.
func normalizeItemCreated(ev providerEvent) ([]envelope.Envelope, error) {
	if ev.Item == nil || ev.Item.Role != "user" {
		return nil, nil
	}
	text := ""
	for _, c := range ev.Item.Content {
		switch c.Type {
		case "input_text":
			text = c.Text
		case "input_audio":
			// Transcript arrives later; placeholder keeps the bubble visible.
			text = "..."
		}
	}
	if text == "" {
		return nil, nil
	}
	return []envelope.Envelope{envelope.UserMessage(ev.Item.ID, text)}, nil
}

// normalizeResponseDone emits the final assistant text, if any, plus the
// response-complete control signal.
func normalizeResponseDone(ev providerEvent) []envelope.Envelope {
	var out []envelope.Envelope
	if ev.Response != nil {
		for _, item := range ev.Response.Output {
			if item.Type != "message" || item.Role != "assistant" {
				continue
			}
			for _, c := range item.Content {
				if c.Type == "text" && c.Text != "" {
					out = append(out, envelope.AssistantMessage(item.ID, c.Text, true))
				}
			}
		}
	}
	id := ""
	if ev.Response != nil {
		id = ev.Response.ID
	}
	out = append(out, envelope.ControlWithID(envelope.ActionResponseComplete, id))
	return out
}

// streamID picks the stable id correlating streamed deltas: the
// response id when present, else the item id.
func streamID(ev providerEvent) string {
	if ev.ResponseID != "" {
		return ev.ResponseID
	}
	return ev.ItemID
}

// decodeEvent parses one provider frame.
func decodeEvent(data []byte) (providerEvent, error) {
	var ev providerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return providerEvent{}, fmt.Errorf("decoding provider event: %w", err)
	}
	return ev, nil
}
