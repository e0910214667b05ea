package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeConn is an in-memory Conn for tests. Frames pushed with push are
// returned from ReadMessage in order; writes are recorded. Close
// unblocks any pending read.
type fakeConn struct {
	reads chan fakeFrame

	mu       sync.Mutex
	writes   []fakeFrame
	closed   bool
	writeErr error

	closeOnce sync.Once
	closeCh   chan struct{}
}

type fakeFrame struct {
	messageType int
	data        []byte
}

var errFakeClosed = errors.New("fake connection closed")

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:   make(chan fakeFrame, 64),
		closeCh: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.reads:
		return f.messageType, f.data, nil
	case <-c.closeCh:
		return 0, nil, errFakeClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errFakeClosed
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.writes = append(c.writes, fakeFrame{messageType: messageType, data: buf})
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.closeCh)
	})
	return nil
}

// push queues a frame for ReadMessage.
func (c *fakeConn) push(messageType int, data []byte) {
	c.reads <- fakeFrame{messageType: messageType, data: data}
}

// pushJSON queues a text frame holding the JSON encoding of v.
func (c *fakeConn) pushJSON(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshaling test frame: %v", err)
	}
	c.push(textMessage, data)
}

// written snapshots the recorded writes.
func (c *fakeConn) written() []fakeFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]fakeFrame, len(c.writes))
	copy(out, c.writes)
	return out
}

// writtenTypes decodes each recorded text frame and returns its "type"
// field; binary frames appear as "<binary>".
func (c *fakeConn) writtenTypes(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, f := range c.written() {
		if f.messageType == binaryMessage {
			out = append(out, "<binary>")
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(f.data, &m); err != nil {
			t.Fatalf("decoding written frame %q: %v", f.data, err)
		}
		typ, _ := m["type"].(string)
		out = append(out, typ)
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// decodeWritten unmarshals the i-th recorded write into v.
func (c *fakeConn) decodeWritten(t *testing.T, i int, v any) {
	t.Helper()
	frames := c.written()
	if i >= len(frames) {
		t.Fatalf("want write %d, only %d recorded", i, len(frames))
	}
	if err := json.Unmarshal(frames[i].data, v); err != nil {
		t.Fatalf("decoding write %d: %v", i, err)
	}
}
