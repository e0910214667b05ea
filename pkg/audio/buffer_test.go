package audio

import (
	"bytes"
	"sync"
	"testing"
)

func TestAppendDrainFIFO(t *testing.T) {
	b := NewBuffer()

	if err := b.Append([]byte{1, 0, 2, 0}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := b.Append([]byte{3, 0}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got := b.Drain(6)
	want := []byte{1, 0, 2, 0, 3, 0}
	if !bytes.Equal(got, want) {
		t.Errorf("Drain = %v, want %v", got, want)
	}
	if b.Len() != 0 {
		t.Errorf("expected empty buffer, got %d bytes", b.Len())
	}
}

func TestDrainUnderflowFillsSilence(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte{9, 9})

	got := b.Drain(6)
	if len(got) != 6 {
		t.Fatalf("expected 6 bytes, got %d", len(got))
	}
	if !bytes.Equal(got[:2], []byte{9, 9}) {
		t.Errorf("queued samples not drained first: %v", got)
	}
	if !bytes.Equal(got[2:], []byte{0, 0, 0, 0}) {
		t.Errorf("underflow not filled with silence: %v", got)
	}
}

func TestDrainRoundsToWholeSamples(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte{1, 2, 3, 4})

	got := b.Drain(3)
	if len(got) != 2 {
		t.Errorf("expected drain rounded to 2 bytes, got %d", len(got))
	}
}

func TestAppendRejectsMalformedFrames(t *testing.T) {
	b := NewBuffer()

	if err := b.Append(nil); err == nil {
		t.Error("expected error for empty frame")
	}
	if err := b.Append([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for odd-length frame")
	}
	if b.Len() != 0 {
		t.Errorf("rejected frames must not mutate the buffer, got %d bytes", b.Len())
	}
}

func TestClearDropsQueuedAudio(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte{1, 1, 2, 2, 3, 3})

	b.Clear()

	// Barge-in property: zero samples from audio buffered before the clear.
	got := b.Drain(6)
	if !bytes.Equal(got, make([]byte, 6)) {
		t.Errorf("stale audio played after clear: %v", got)
	}
	if b.Clears() != 1 {
		t.Errorf("expected 1 clear recorded, got %d", b.Clears())
	}
}

func TestClearConcurrentWithAppend(t *testing.T) {
	b := NewBuffer()
	frame := []byte{1, 0, 2, 0, 3, 0, 4, 0}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Append(frame)
		}()
		go func() {
			defer wg.Done()
			b.Clear()
		}()
	}
	wg.Wait()

	// Whatever survived must be whole frames: a clear and an append can
	// never interleave into a partial frame.
	if b.Len()%len(frame) != 0 {
		t.Errorf("buffer holds a torn frame: %d bytes", b.Len())
	}
}

func TestSamplesRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768}
	got := Samples(Bytes(in))
	if len(got) != len(in) {
		t.Fatalf("length mismatch: %d != %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], in[i])
		}
	}
}
