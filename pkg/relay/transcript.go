package relay

import (
	"strings"
	"sync"
)

// Transcript accumulates streamed text deltas per response so a full
// utterance can be recovered at the end of a turn even when the
// provider never sends its own final transcript.
type Transcript struct {
	mu      sync.Mutex
	partial map[string]*strings.Builder
}

// NewTranscript returns an empty coalescer.
func NewTranscript() *Transcript {
	return &Transcript{partial: make(map[string]*strings.Builder)}
}

// Add appends delta to the running text for id.
func (t *Transcript) Add(id, delta string) {
	if id == "" || delta == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.partial[id]
	if !ok {
		b = &strings.Builder{}
		t.partial[id] = b
	}
	b.WriteString(delta)
}

// Text returns the accumulated text for id without consuming it.
func (t *Transcript) Text(id string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if b, ok := t.partial[id]; ok {
		return b.String()
	}
	return ""
}

// Finish returns the accumulated text for id and forgets it. A second
// Finish for the same id yields the empty string.
func (t *Transcript) Finish(id string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.partial[id]
	if !ok {
		return ""
	}
	delete(t.partial, id)
	return b.String()
}

// Len reports the number of in-flight responses being accumulated.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.partial)
}
