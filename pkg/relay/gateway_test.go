package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openduck/mallard/pkg/envelope"
	"github.com/openduck/mallard/pkg/router"
)

func TestGatewaySendText(t *testing.T) {
	fc := newFakeConn()
	g := NewGateway(fc, router.New(nil), nil)

	if err := g.Send(envelope.AssistantMessage("m1", "hello", true)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	frames := fc.written()
	if len(frames) != 1 || frames[0].messageType != textMessage {
		t.Fatalf("want one text frame, got %+v", frames)
	}

	var m map[string]any
	if err := json.Unmarshal(frames[0].data, &m); err != nil {
		t.Fatal(err)
	}
	if m["type"] != "assistant_message" || m["text"] != "hello" || m["final"] != true {
		t.Errorf("frame = %v", m)
	}
}

func TestGatewaySendAudioBinary(t *testing.T) {
	fc := newFakeConn()
	g := NewGateway(fc, router.New(nil), nil)

	pcm := []byte{1, 2, 3, 4}
	if err := g.Send(envelope.Audio(pcm)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	frames := fc.written()
	if len(frames) != 1 || frames[0].messageType != binaryMessage {
		t.Fatalf("want one binary frame, got %+v", frames)
	}
	if string(frames[0].data) != string(pcm) {
		t.Error("binary payload was re-encoded, want raw PCM")
	}
}

func TestGatewaySendAfterClose(t *testing.T) {
	fc := newFakeConn()
	g := NewGateway(fc, router.New(nil), nil)
	g.Close()

	if err := g.Send(envelope.Control(envelope.ActionConnected)); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("err = %v, want ErrConnClosed", err)
	}
}

func TestGatewaySendWriteFailureMarksClosed(t *testing.T) {
	fc := newFakeConn()
	fc.writeErr = errors.New("broken pipe")
	g := NewGateway(fc, router.New(nil), nil)

	if err := g.Send(envelope.Control(envelope.ActionConnected)); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("first send err = %v, want ErrConnClosed", err)
	}
	if !g.Closed() {
		t.Error("gateway must mark itself closed after a write failure")
	}
}

func TestGatewayRunDispatchesFrames(t *testing.T) {
	fc := newFakeConn()
	rt := router.New(nil)
	g := NewGateway(fc, rt, nil)

	var mu sync.Mutex
	var got []envelope.Envelope
	record := func(env envelope.Envelope) {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
	}
	rt.Register(envelope.KindUserMessage, record)
	rt.Register(envelope.KindAudio, record)

	errCh := make(chan error, 1)
	go func() { errCh <- g.Run() }()

	fc.pushJSON(t, map[string]any{"type": "user_message", "id": "m1", "text": "hi"})
	fc.push(binaryMessage, []byte{0, 1, 2, 3})
	fc.push(textMessage, []byte("{not json"))    // dropped
	fc.push(binaryMessage, []byte{0, 1, 2})      // odd length, dropped
	fc.pushJSON(t, map[string]any{"no": "type"}) // dropped

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})

	mu.Lock()
	if got[0].Kind != envelope.KindUserMessage || got[0].Text != "hi" {
		t.Errorf("first dispatch = %+v", got[0])
	}
	if !got[1].IsAudio() || len(got[1].Audio) != 4 {
		t.Errorf("second dispatch = %+v", got[1])
	}
	mu.Unlock()

	fc.Close()
	err := <-errCh
	se := AsSessionError(err)
	if se == nil || se.Kind != KindDownstreamDisconnect {
		t.Fatalf("Run returned %v, want downstream disconnect", err)
	}
}

func TestGatewayCloseIdempotent(t *testing.T) {
	fc := newFakeConn()
	g := NewGateway(fc, router.New(nil), nil)

	if err := g.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
