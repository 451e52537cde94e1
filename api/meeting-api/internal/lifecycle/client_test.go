// Copyright (c) 2024-2026 ScribeAI
// Author: ScribeAI Engineering <eng@scribeai.dev>
//
// Licensed under GPL-2.0 with ScribeAI Additional Terms.
// See LICENSE.md or contact sales@scribeai.dev for commercial usage.
package internal_lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_protocol "github.com/scribeai/api/meeting-api/internal/protocol"
	"github.com/scribeai/pkg/commons"
)

// ============================================================================
// Test doubles
// ============================================================================

// fakeConn records written frames; reads block until a frame is delivered or
// the conn is failed/closed.
type fakeConn struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool

	reads chan readResult
	once  sync.Once
}

type readResult struct {
	payload []byte
	err     error
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan readResult, 16)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	r := <-f.reads
	if r.err != nil {
		// Re-arm so subsequent reads keep failing.
		select {
		case f.reads <- r:
		default:
		}
		return 0, nil, r.err
	}
	return TextMessage, r.payload, nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("write on closed conn")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.writes = append(f.writes, buf)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.fail(errors.New("use of closed connection"))
	return nil
}

// fail unblocks the reader with err, simulating a network drop.
func (f *fakeConn) fail(err error) {
	f.once.Do(func() { f.reads <- readResult{err: err} })
}

// deliver makes the next read return a text frame.
func (f *fakeConn) deliver(payload []byte) {
	f.reads <- readResult{payload: payload}
}

func (f *fakeConn) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

// fakeDialer hands out scripted connections in order.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	dials   int
	dialed  chan struct{}
}

type dialResult struct {
	conn *fakeConn
	err  error
}

func newFakeDialer(results ...dialResult) *fakeDialer {
	return &fakeDialer{results: results, dialed: make(chan struct{}, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	idx := d.dials
	d.dials++
	d.mu.Unlock()
	d.dialed <- struct{}{}

	if idx >= len(d.results) {
		return nil, errors.New("no scripted connection left")
	}
	r := d.results[idx]
	if r.err != nil {
		return nil, r.err
	}
	return r.conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// phaseRecorder collects phase transitions and lets tests wait for one.
type phaseRecorder struct {
	mu       sync.Mutex
	phases   []Phase
	messages [][]byte
	notify   chan Phase
}

func newPhaseRecorder() *phaseRecorder {
	return &phaseRecorder{notify: make(chan Phase, 32)}
}

func (r *phaseRecorder) OnPhase(phase Phase, err error) {
	r.mu.Lock()
	r.phases = append(r.phases, phase)
	r.mu.Unlock()
	r.notify <- phase
}

func (r *phaseRecorder) OnMessage(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, frame)
}

func (r *phaseRecorder) waitFor(t *testing.T, want Phase) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case p := <-r.notify:
			if p == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for phase %s", want)
		}
	}
}

func fastConfig() Config {
	return Config{
		Enabled:        true,
		ConnectTimeout: time.Second,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		JitterRatio:    0,
	}
}

func newTestClient(t *testing.T, cfg Config, dialer Dialer) (*Client, *phaseRecorder) {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	rec := newPhaseRecorder()
	c := NewClient("ws://test", cfg, rec, logger,
		WithDialer(dialer), WithRand(func() float64 { return 0.5 }))
	t.Cleanup(c.Dispose)
	return c, rec
}

func decodeFrame(t *testing.T, frame []byte) internal_protocol.Envelope {
	t.Helper()
	var env internal_protocol.Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	return env
}

// ============================================================================
// Tests
// ============================================================================

func TestClient_ConnectTransitionsToConnected(t *testing.T) {
	conn := newFakeConn()
	dialer := newFakeDialer(dialResult{conn: conn})
	c, rec := newTestClient(t, fastConfig(), dialer)

	assert.Equal(t, PhaseDisconnected, c.Phase())

	c.Connect()
	rec.waitFor(t, PhaseConnecting)
	rec.waitFor(t, PhaseConnected)

	assert.Equal(t, PhaseConnected, c.Phase())
	assert.Equal(t, 0, c.ReconnectAttempt())
}

func TestClient_SendRequiresConnection(t *testing.T) {
	dialer := newFakeDialer()
	c, _ := newTestClient(t, fastConfig(), dialer)

	err := c.SendBinary([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_SendWritesOnLiveSocket(t *testing.T) {
	conn := newFakeConn()
	dialer := newFakeDialer(dialResult{conn: conn})
	c, rec := newTestClient(t, fastConfig(), dialer)

	c.Connect()
	rec.waitFor(t, PhaseConnected)

	require.NoError(t, c.Send(internal_protocol.TypeSessionStart, nil))
	require.NoError(t, c.SendBinary([]byte{0xAB}))

	frames := conn.frames()
	require.NotEmpty(t, frames)
	env := decodeFrame(t, frames[0])
	assert.Equal(t, internal_protocol.TypeSessionStart, env.Type)
}

func TestClient_ExplicitDisconnectSuppressesReconnect(t *testing.T) {
	conn := newFakeConn()
	dialer := newFakeDialer(dialResult{conn: conn})
	c, rec := newTestClient(t, fastConfig(), dialer)

	c.Connect()
	rec.waitFor(t, PhaseConnected)

	c.Disconnect()
	rec.waitFor(t, PhaseDisconnected)

	// Give any stray reconnect timer a chance to fire; none may.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
	assert.Equal(t, PhaseDisconnected, c.Phase())
}

func TestClient_UnexpectedLossReconnectsAndReplaysContext(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	dialer := newFakeDialer(dialResult{conn: first}, dialResult{conn: second})
	c, rec := newTestClient(t, fastConfig(), dialer)

	c.Connect()
	rec.waitFor(t, PhaseConnected)

	c.SetMeetingContext("meeting-42", "record")
	c.SetRecording(true)

	// Network drop.
	first.fail(errors.New("connection reset"))
	rec.waitFor(t, PhaseReconnecting)
	rec.waitFor(t, PhaseConnected)

	// The replay lands on the new socket: meeting:start first, then
	// session:start because a recording was active at loss time.
	var replayed []internal_protocol.Envelope
	require.Eventually(t, func() bool {
		replayed = nil
		for _, frame := range second.frames() {
			replayed = append(replayed, decodeFrame(t, frame))
		}
		return len(replayed) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, internal_protocol.TypeMeetingStart, replayed[0].Type)
	var start internal_protocol.MeetingStartData
	require.NoError(t, json.Unmarshal(replayed[0].Data, &start))
	assert.Equal(t, "meeting-42", start.MeetingID)
	assert.Equal(t, "record", start.Mode)
	assert.Equal(t, internal_protocol.TypeSessionStart, replayed[1].Type)

	assert.Equal(t, 0, c.ReconnectAttempt())
}

func TestClient_ReplaySkipsSessionStartWhenNotRecording(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	dialer := newFakeDialer(dialResult{conn: first}, dialResult{conn: second})
	c, rec := newTestClient(t, fastConfig(), dialer)

	c.Connect()
	rec.waitFor(t, PhaseConnected)
	c.SetMeetingContext("meeting-7", "view")

	first.fail(errors.New("connection reset"))
	rec.waitFor(t, PhaseConnected)

	require.Eventually(t, func() bool {
		return len(second.frames()) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	for _, frame := range second.frames() {
		env := decodeFrame(t, frame)
		assert.NotEqual(t, internal_protocol.TypeSessionStart, env.Type)
	}
}

func TestClient_ReconnectDisabledGoesDisconnected(t *testing.T) {
	cfg := fastConfig()
	cfg.Enabled = false

	conn := newFakeConn()
	dialer := newFakeDialer(dialResult{conn: conn})
	c, rec := newTestClient(t, cfg, dialer)

	c.Connect()
	rec.waitFor(t, PhaseConnected)

	conn.fail(errors.New("connection reset"))
	rec.waitFor(t, PhaseDisconnected)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestClient_DialFailureRetriesUntilSuccess(t *testing.T) {
	conn := newFakeConn()
	dialer := newFakeDialer(
		dialResult{err: errors.New("refused")},
		dialResult{err: errors.New("refused")},
		dialResult{conn: conn},
	)
	c, rec := newTestClient(t, fastConfig(), dialer)

	c.Connect()
	rec.waitFor(t, PhaseConnected)

	assert.Equal(t, 3, dialer.dialCount())
	// Counter resets once a connection lands.
	assert.Equal(t, 0, c.ReconnectAttempt())
}

func TestClient_InboundFramesReachHandler(t *testing.T) {
	conn := newFakeConn()
	dialer := newFakeDialer(dialResult{conn: conn})
	c, rec := newTestClient(t, fastConfig(), dialer)

	c.Connect()
	rec.waitFor(t, PhaseConnected)

	conn.deliver([]byte(`{"type":"transcript"}`))

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.messages) == 1
	}, 2*time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	env := decodeFrame(t, rec.messages[0])
	assert.Equal(t, internal_protocol.TypeTranscript, env.Type)
}
