package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salescoach-server/pkg/metrics"
	"salescoach-server/pkg/roles"
)

func init() {
	metrics.EnableMetrics(false)
}

// fakeConn simulates a provider websocket connection
type fakeConn struct {
	mu        sync.Mutex
	handshake *configMessage
	frames    [][]byte
	incoming  chan []byte
	closed    bool
	closeOnce sync.Once
	done      chan struct{}

	// writeLimit > 0 makes binary writes fail once that many frames have
	// been accepted, simulating a connection dying mid-stream
	writeLimit int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		done:     make(chan struct{}),
	}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var msg configMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.handshake = &msg
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	if messageType == websocket.BinaryMessage {
		if c.writeLimit > 0 && len(c.frames) >= c.writeLimit {
			return errors.New("write failed")
		}
		frame := make([]byte, len(data))
		copy(frame, data)
		c.frames = append(c.frames, frame)
	}
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.incoming:
		return websocket.TextMessage, data, nil
	case <-c.done:
		return 0, nil, errors.New("connection reset")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *fakeConn) push(t *testing.T, msg providerMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	c.incoming <- data
}

func (c *fakeConn) sentFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *fakeConn) sentHandshake() *configMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshake
}

// fakeDialer hands out fake connections, optionally gated so tests can hold
// the session in the "connecting" state
type fakeDialer struct {
	mu          sync.Mutex
	conns       []*fakeConn
	errs        int // number of leading dial attempts that fail
	gate        chan struct{}
	dials       int
	writeLimits []int // per-connection write limits, by dial order
}

func (d *fakeDialer) DialContext(ctx context.Context, url string, header http.Header) (Conn, error) {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.errs > 0 {
		d.errs--
		return nil, errors.New("dial failed")
	}
	conn := newFakeConn()
	if idx := len(d.conns); idx < len(d.writeLimits) {
		conn.writeLimit = d.writeLimits[idx]
	}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(t *testing.T, idx int) *fakeConn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		if len(d.conns) > idx {
			c := d.conns[idx]
			d.mu.Unlock()
			return c
		}
		d.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connection %d was never established", idx)
	return nil
}

type recordedTranscript struct {
	text    string
	isFinal bool
}

type transcriptRecorder struct {
	mu      sync.Mutex
	entries []recordedTranscript
}

func (r *transcriptRecorder) callback(text string, isFinal bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, recordedTranscript{text, isFinal})
}

func (r *transcriptRecorder) snapshot() []recordedTranscript {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedTranscript, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *transcriptRecorder) waitFor(t *testing.T, n int) []recordedTranscript {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if entries := r.snapshot(); len(entries) >= n {
			return entries
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d transcripts, got %d", n, len(r.snapshot()))
	return nil
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		URL:         "ws://provider.test/listen",
		APIKey:      "test-key",
		Model:       "nova-2",
		Encoding:    "mulaw",
		SampleRate:  8000,
		Language:    "en",
		BacklogCap:  4,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestSessionHandshake(t *testing.T) {
	dialer := &fakeDialer{}
	rec := &transcriptRecorder{}

	s := OpenSession("call-1", roles.RoleCustomer, testSessionConfig(), dialer, rec.callback, logrus.New())
	defer s.Close()

	conn := dialer.conn(t, 0)
	deadline := time.Now().Add(time.Second)
	for conn.sentHandshake() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	hs := conn.sentHandshake()
	require.NotNil(t, hs)
	assert.Equal(t, "test-key", hs.APIKey)
	assert.Equal(t, "nova-2", hs.Model)
	assert.Equal(t, 8000, hs.SampleRate)
}

func TestSessionBacklogFlushedInOrder(t *testing.T) {
	gate := make(chan struct{})
	dialer := &fakeDialer{gate: gate}
	rec := &transcriptRecorder{}

	s := OpenSession("call-1", roles.RoleCustomer, testSessionConfig(), dialer, rec.callback, logrus.New())
	defer s.Close()

	// Two packets arrive before the provider connection opens
	s.SendAudio([]byte("frame-1"))
	s.SendAudio([]byte("frame-2"))
	close(gate)

	conn := dialer.conn(t, 0)
	deadline := time.Now().Add(time.Second)
	for len(conn.sentFrames()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	frames := conn.sentFrames()
	require.Len(t, frames, 2, "both buffered frames must be delivered")
	assert.Equal(t, []byte("frame-1"), frames[0])
	assert.Equal(t, []byte("frame-2"), frames[1])
}

func TestSessionBacklogDropsOldest(t *testing.T) {
	gate := make(chan struct{})
	dialer := &fakeDialer{gate: gate}

	cfg := testSessionConfig()
	cfg.BacklogCap = 3
	s := OpenSession("call-1", roles.RoleAgent, cfg, dialer, nil, logrus.New())
	defer s.Close()

	for i := 0; i < 5; i++ {
		s.SendAudio([]byte(fmt.Sprintf("frame-%d", i)))
	}
	close(gate)

	conn := dialer.conn(t, 0)
	deadline := time.Now().Add(time.Second)
	for len(conn.sentFrames()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	frames := conn.sentFrames()
	require.Len(t, frames, 3)
	assert.Equal(t, []byte("frame-2"), frames[0], "oldest frames are dropped first")
	assert.Equal(t, []byte("frame-4"), frames[2])
}

func TestSessionFailedFlushDoesNotResendFrames(t *testing.T) {
	gate := make(chan struct{})
	// The first connection accepts two frames and then dies mid-flush
	dialer := &fakeDialer{gate: gate, writeLimits: []int{2}}

	s := OpenSession("call-1", roles.RoleCustomer, testSessionConfig(), dialer, nil, logrus.New())
	defer s.Close()

	for i := 0; i < 4; i++ {
		s.SendAudio([]byte(fmt.Sprintf("frame-%d", i)))
	}
	close(gate)

	first := dialer.conn(t, 0)
	second := dialer.conn(t, 1)
	deadline := time.Now().Add(time.Second)
	for len(second.sentFrames()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	require.Len(t, first.sentFrames(), 2)
	frames := second.sentFrames()
	require.Len(t, frames, 2, "frames the first connection took are not resent")
	assert.Equal(t, []byte("frame-2"), frames[0])
	assert.Equal(t, []byte("frame-3"), frames[1])
}

func TestSessionFinalDedup(t *testing.T) {
	dialer := &fakeDialer{}
	rec := &transcriptRecorder{}

	s := OpenSession("call-1", roles.RoleCustomer, testSessionConfig(), dialer, rec.callback, logrus.New())
	defer s.Close()

	conn := dialer.conn(t, 0)
	msg := providerMessage{Tokens: []token{{Text: "hello there", IsFinal: true}}}
	conn.push(t, msg)
	conn.push(t, msg) // provider resends the same final

	entries := rec.waitFor(t, 1)
	time.Sleep(50 * time.Millisecond)
	entries = rec.snapshot()

	require.Len(t, entries, 1, "identical consecutive finals must emit once")
	assert.Equal(t, "hello there", entries[0].text)
	assert.True(t, entries[0].isFinal)
}

func TestSessionPartialDedupAndFinalSupersedes(t *testing.T) {
	dialer := &fakeDialer{}
	rec := &transcriptRecorder{}

	s := OpenSession("call-1", roles.RoleCustomer, testSessionConfig(), dialer, rec.callback, logrus.New())
	defer s.Close()

	conn := dialer.conn(t, 0)
	conn.push(t, providerMessage{Tokens: []token{{Text: "hel"}}})
	conn.push(t, providerMessage{Tokens: []token{{Text: "hel"}}})   // duplicate partial
	conn.push(t, providerMessage{Tokens: []token{{Text: "hello"}}}) // progressed partial
	conn.push(t, providerMessage{Tokens: []token{{Text: "hello", IsFinal: true}}})
	// After a final, the same text arriving as a partial is new again
	conn.push(t, providerMessage{Tokens: []token{{Text: "hello"}}})

	entries := rec.waitFor(t, 4)

	require.Len(t, entries, 4)
	assert.Equal(t, recordedTranscript{"hel", false}, entries[0])
	assert.Equal(t, recordedTranscript{"hello", false}, entries[1])
	assert.Equal(t, recordedTranscript{"hello", true}, entries[2])
	assert.Equal(t, recordedTranscript{"hello", false}, entries[3], "a final clears partial memory")
}

func TestSessionConcatenatesFinalTokens(t *testing.T) {
	dialer := &fakeDialer{}
	rec := &transcriptRecorder{}

	s := OpenSession("call-1", roles.RoleCustomer, testSessionConfig(), dialer, rec.callback, logrus.New())
	defer s.Close()

	conn := dialer.conn(t, 0)
	conn.push(t, providerMessage{Tokens: []token{
		{Text: "I need", IsFinal: true},
		{Text: "a better price", IsFinal: true},
	}})

	entries := rec.waitFor(t, 1)
	assert.Equal(t, "I need a better price", entries[0].text)
	assert.True(t, entries[0].isFinal)
}

func TestSessionReconnectsAfterDisconnect(t *testing.T) {
	dialer := &fakeDialer{}
	rec := &transcriptRecorder{}

	s := OpenSession("call-1", roles.RoleCustomer, testSessionConfig(), dialer, rec.callback, logrus.New())
	defer s.Close()

	first := dialer.conn(t, 0)
	first.Close() // simulate provider drop

	second := dialer.conn(t, 1)
	second.push(t, providerMessage{Tokens: []token{{Text: "still here", IsFinal: true}}})

	entries := rec.waitFor(t, 1)
	assert.Equal(t, "still here", entries[0].text)
}

func TestSessionGivesUpAfterMaxAttempts(t *testing.T) {
	dialer := &fakeDialer{errs: 100} // every dial fails

	cfg := testSessionConfig()
	cfg.MaxAttempts = 3
	s := OpenSession("call-1", roles.RoleAgent, cfg, dialer, nil, logrus.New())

	deadline := time.Now().Add(2 * time.Second)
	for !s.Closed() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, s.Closed(), "session must give up after exhausting attempts")

	dials := dialer.dialCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, dials, dialer.dialCount(), "no further attempts after giving up")
	assert.LessOrEqual(t, dials, cfg.MaxAttempts+1)
}

func TestSessionCloseSuppressesReconnect(t *testing.T) {
	dialer := &fakeDialer{}

	s := OpenSession("call-1", roles.RoleCustomer, testSessionConfig(), dialer, nil, logrus.New())

	conn := dialer.conn(t, 0)
	s.Close()
	conn.Close()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount(), "closed sessions never reconnect")
}

func TestSessionSendAudioAfterCloseIsNoop(t *testing.T) {
	dialer := &fakeDialer{}
	s := OpenSession("call-1", roles.RoleCustomer, testSessionConfig(), dialer, nil, logrus.New())

	conn := dialer.conn(t, 0)
	s.Close()

	before := len(conn.sentFrames())
	s.SendAudio([]byte("late frame"))
	assert.Equal(t, before, len(conn.sentFrames()))
}

func TestSessionProviderErrorCodeTriggersReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	rec := &transcriptRecorder{}

	s := OpenSession("call-1", roles.RoleCustomer, testSessionConfig(), dialer, rec.callback, logrus.New())
	defer s.Close()

	first := dialer.conn(t, 0)
	first.push(t, providerMessage{ErrorCode: "session_expired"})

	second := dialer.conn(t, 1)
	second.push(t, providerMessage{Tokens: []token{{Text: "after recovery", IsFinal: true}}})

	entries := rec.waitFor(t, 1)
	assert.Equal(t, "after recovery", entries[0].text)
}
