package router

import (
	"sync"
	"testing"

	"github.com/openduck/mallard/pkg/envelope"
)

func TestDispatch(t *testing.T) {
	r := New(nil)

	var got envelope.Envelope
	r.Register(envelope.KindUserMessage, func(e envelope.Envelope) {
		got = e
	})

	r.Dispatch(envelope.UserMessage("m1", "hello"))

	if got.Kind != envelope.KindUserMessage {
		t.Fatalf("handler not invoked, got kind %q", got.Kind)
	}
	if got.Text != "hello" {
		t.Errorf("expected text hello, got %q", got.Text)
	}
}

func TestDispatchNoHandler(t *testing.T) {
	r := New(nil)
	// Must not panic or error.
	r.Dispatch(envelope.Error("nobody listening"))
}

func TestLastRegistrationWins(t *testing.T) {
	r := New(nil)

	var first, second bool
	r.Register(envelope.KindControl, func(envelope.Envelope) { first = true })
	r.Register(envelope.KindControl, func(envelope.Envelope) { second = true })

	r.Dispatch(envelope.Control(envelope.ActionClear))

	if first {
		t.Error("replaced handler was invoked")
	}
	if !second {
		t.Error("replacement handler was not invoked")
	}
}

func TestNilHandlerUnregisters(t *testing.T) {
	r := New(nil)

	called := false
	r.Register(envelope.KindAudio, func(envelope.Envelope) { called = true })
	r.Register(envelope.KindAudio, nil)

	r.Dispatch(envelope.Audio([]byte{1, 2}))

	if called {
		t.Error("unregistered handler was invoked")
	}
}

func TestClear(t *testing.T) {
	r := New(nil)

	called := false
	r.Register(envelope.KindError, func(envelope.Envelope) { called = true })
	r.Clear()

	r.Dispatch(envelope.Error("late"))

	if called {
		t.Error("handler invoked after Clear")
	}
}

func TestConcurrentDispatch(t *testing.T) {
	r := New(nil)

	var mu sync.Mutex
	count := 0
	r.Register(envelope.KindTextDelta, func(envelope.Envelope) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Dispatch(envelope.TextDelta("r1", "x"))
		}()
	}
	// Concurrent re-registration must not race with dispatch.
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register(envelope.KindTranscription, func(envelope.Envelope) {})
		}()
	}
	wg.Wait()

	if count != 50 {
		t.Errorf("expected 50 dispatches, got %d", count)
	}
}
