// Package audio implements the relay's audio pipeline: an outbound
// playback buffer with barge-in clearing, and PCM16 frame validation for
// the inbound passthrough path. All audio is little-endian 16-bit PCM,
// single channel, at a fixed sample rate.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// BytesPerSample is the width of one PCM16 sample.
const BytesPerSample = 2

// ErrOddFrame is returned for frames that do not contain a whole number
// of PCM16 samples.
var ErrOddFrame = errors.New("audio: frame length is not a whole number of samples")

// ValidateFrame checks that data is a well-formed PCM16 frame.
// Offending frames are dropped by the caller, never session-fatal.
func ValidateFrame(data []byte) error {
	if len(data) == 0 {
		return errors.New("audio: empty frame")
	}
	if len(data)%BytesPerSample != 0 {
		return fmt.Errorf("%w: %d bytes", ErrOddFrame, len(data))
	}
	return nil
}

// Buffer is an ordered queue of pending playback samples for one session.
// The provider receive loop appends, the playback path drains, and a
// barge-in clears. One mutex covers all three so a clear can never
// interleave with an append into a torn frame.
//
// Buffer is never shared across sessions.
type Buffer struct {
	mu      sync.Mutex
	pending []byte
	cleared uint64 // barge-in clears since creation
}

// NewBuffer creates an empty playback buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append queues a frame of PCM16 samples for playback.
// Malformed frames are rejected and the buffer is left unchanged.
func (b *Buffer) Append(frame []byte) error {
	if err := ValidateFrame(frame); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, frame...)
	return nil
}

// Drain removes and returns up to n bytes of queued samples in FIFO
// order. When fewer than n bytes are queued the remainder is filled with
// silence rather than blocking, so playback cadence never stalls.
// n is rounded down to a whole number of samples.
func (b *Buffer) Drain(n int) []byte {
	if n <= 0 {
		return nil
	}
	n -= n % BytesPerSample

	out := make([]byte, n) // zero bytes are PCM silence

	b.mu.Lock()
	defer b.mu.Unlock()

	take := n
	if take > len(b.pending) {
		take = len(b.pending)
	}
	copy(out, b.pending[:take])
	b.pending = b.pending[take:]
	return out
}

// Clear drops all queued samples. Called on barge-in: samples queued
// before the clear never play after it. An in-flight Drain that already
// returned may still emit its dequeued samples; that is the contract.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
	b.cleared++
}

// Len returns the number of queued sample bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Clears returns how many barge-in clears have occurred.
func (b *Buffer) Clears() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cleared
}

// Samples converts a PCM16 byte frame to int16 samples.
func Samples(data []byte) []int16 {
	samples := make([]int16, len(data)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:]))
	}
	return samples
}

// Bytes converts int16 samples back to a PCM16 byte frame.
func Bytes(samples []int16) []byte {
	data := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*BytesPerSample:], uint16(s))
	}
	return data
}
