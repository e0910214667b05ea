package envelope

import (
	"encoding/json"
	"testing"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		kind Kind
	}{
		{"control", Control(ActionClear), KindControl},
		{"user message", UserMessage("m1", "hello"), KindUserMessage},
		{"assistant message", AssistantMessage("a1", "hi", true), KindAssistantMessage},
		{"text delta", TextDelta("r1", "Hi"), KindTextDelta},
		{"transcription", Transcription("i1", "hello"), KindTranscription},
		{"error", Error("boom"), KindError},
		{"audio", Audio([]byte{1, 2, 3, 4}), KindAudio},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.env.Kind != tt.kind {
				t.Errorf("expected kind %s, got %s", tt.kind, tt.env.Kind)
			}
			if tt.env.Timestamp == 0 {
				t.Error("constructor did not set timestamp")
			}
			if err := tt.env.Validate(); err != nil {
				t.Errorf("Validate() = %v", err)
			}
		})
	}
}

func TestValidateInvariants(t *testing.T) {
	audioWithText := Audio([]byte{1, 2})
	audioWithText.Text = "oops"
	if err := audioWithText.Validate(); err == nil {
		t.Error("expected error for audio envelope with text")
	}

	textWithAudio := UserMessage("m1", "hi")
	textWithAudio.Audio = []byte{1, 2}
	if err := textWithAudio.Validate(); err == nil {
		t.Error("expected error for text envelope with samples")
	}

	delta := TextDelta("", "chunk")
	if err := delta.Validate(); err == nil {
		t.Error("expected error for streaming envelope without id")
	}
}

func TestBytes(t *testing.T) {
	env := TextDelta("r1", "Hi there")
	data, err := env.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["type"] != "text_delta" {
		t.Errorf("expected type text_delta, got %v", out["type"])
	}
	if out["id"] != "r1" {
		t.Errorf("expected id r1, got %v", out["id"])
	}
	if out["delta"] != "Hi there" {
		t.Errorf("expected delta, got %v", out["delta"])
	}
	if _, ok := out["text"]; ok {
		t.Error("empty text field should be omitted")
	}
}

func TestBytesAudioRejected(t *testing.T) {
	if _, err := Audio([]byte{1, 2}).Bytes(); err != ErrBinaryEnvelope {
		t.Errorf("expected ErrBinaryEnvelope, got %v", err)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantKind Kind
		wantErr  bool
	}{
		{
			name:     "user message",
			in:       `{"type":"user_message","text":"Hello"}`,
			wantKind: KindUserMessage,
		},
		{
			name:     "disconnect",
			in:       `{"type":"disconnect"}`,
			wantKind: KindControl,
		},
		{
			name:     "unknown type preserved",
			in:       `{"type":"wiggle"}`,
			wantKind: Kind("wiggle"),
		},
		{
			name:    "malformed json",
			in:      `{"type":`,
			wantErr: true,
		},
		{
			name:    "missing type",
			in:      `{"text":"hi"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Parse([]byte(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if env.Kind != tt.wantKind {
				t.Errorf("expected kind %s, got %s", tt.wantKind, env.Kind)
			}
		})
	}
}

func TestParseDisconnectAction(t *testing.T) {
	env, err := Parse([]byte(`{"type":"disconnect"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if env.Action != ActionDisconnect {
		t.Errorf("expected action %q, got %q", ActionDisconnect, env.Action)
	}
}

func TestStreaming(t *testing.T) {
	if !TextDelta("r1", "x").Streaming() {
		t.Error("text_delta should be streaming")
	}
	if !Transcription("i1", "x").Streaming() {
		t.Error("transcription should be streaming")
	}
	if UserMessage("m1", "x").Streaming() {
		t.Error("user_message should not be streaming")
	}
}
