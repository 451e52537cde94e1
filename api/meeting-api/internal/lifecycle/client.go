// Copyright (c) 2024-2026 ScribeAI
// Author: ScribeAI Engineering <eng@scribeai.dev>
//
// Licensed under GPL-2.0 with ScribeAI Additional Terms.
// See LICENSE.md or contact sales@scribeai.dev for commercial usage.
package internal_lifecycle

import (
	"context"
	"math/rand"
	"sync"
	"time"

	internal_protocol "github.com/scribeai/api/meeting-api/internal/protocol"
	"github.com/scribeai/pkg/commons"
	"github.com/scribeai/pkg/utils"
)

// Phase of the connection lifecycle state machine.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseReconnecting Phase = "reconnecting"
)

// Conn is the minimal duplex channel surface the lifecycle needs. A
// *websocket.Conn satisfies it through the gorilla dialer below.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a new channel. Injectable so tests can supply scripted
// connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Handler receives lifecycle outputs. Transport errors never reach it as
// fatal errors; they surface as phase changes only.
type Handler interface {
	OnPhase(phase Phase, err error)
	OnMessage(frame []byte)
}

// MeetingContext is the live per-client meeting state the snapshot protects.
type MeetingContext struct {
	MeetingID string
	Mode      string
	Recording bool
}

// snapshot of the meeting context taken on unexpected loss, replayed after
// reconnecting. Replay is an idempotent resume: the server treats a repeated
// meeting:start for a known id as rejoin.
type snapshot struct {
	MeetingID    string
	Mode         string
	WasRecording bool
}

type eventKind int

const (
	evConnect eventKind = iota
	evDisconnect
	evDispose
	evOpened
	evClosed
	evErrored
	evMessage
	evConnectTimeout
	evReconnectDue
)

// event is the tagged union consumed by the single state-machine loop.
// Socket-sourced events carry the epoch of the connection that produced them
// so a superseded socket can never drive a transition.
type event struct {
	kind    eventKind
	epoch   int
	payload []byte
	err     error
	conn    Conn
}

// Client owns one duplex channel and drives
// Disconnected → Connecting → Connected, with Reconnecting on unexpected
// loss. All state lives in the run loop goroutine; public methods only post
// events. Writes go directly to the socket under a write mutex.
type Client struct {
	logger  commons.Logger
	cfg     Config
	dialer  Dialer
	handler Handler
	url     string

	events chan event
	done   chan struct{}

	// Written only by the run loop; read under mu by accessors.
	mu               sync.Mutex
	phase            Phase
	reconnectAttempt int
	meeting          *MeetingContext

	// Loop-owned, never touched outside the run loop.
	conn           Conn
	epoch          int
	explicit       bool
	pending        *snapshot
	connectTimer   *time.Timer
	reconnectTimer *time.Timer
	disposed       bool

	writeMu sync.Mutex

	// rnd is injectable for deterministic backoff in tests.
	rnd func() float64
}

// Option configures the client.
type Option func(*Client)

// WithDialer overrides the gorilla dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithRand overrides the jitter source.
func WithRand(rnd func() float64) Option {
	return func(c *Client) { c.rnd = rnd }
}

// NewClient creates a disconnected lifecycle client and starts its loop.
func NewClient(url string, cfg Config, handler Handler, logger commons.Logger, opts ...Option) *Client {
	c := &Client{
		logger:  logger,
		cfg:     cfg,
		dialer:  &websocketDialer{handshakeTimeout: cfg.ConnectTimeout},
		handler: handler,
		url:     url,
		events:  make(chan event, 64),
		done:    make(chan struct{}),
		phase:   PhaseDisconnected,
		rnd:     rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	utils.Go(context.Background(), c.run)
	return c
}

// Phase returns the current lifecycle phase.
func (c *Client) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// ReconnectAttempt returns the current failed-attempt counter.
func (c *Client) ReconnectAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectAttempt
}

// SetMeetingContext records the active meeting so an unexpected drop can
// snapshot and later replay it.
func (c *Client) SetMeetingContext(meetingID, mode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meeting = &MeetingContext{MeetingID: meetingID, Mode: mode}
}

// SetRecording flags whether a recording session is active on the meeting.
func (c *Client) SetRecording(recording bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.meeting != nil {
		c.meeting.Recording = recording
	}
}

// ClearMeetingContext forgets the active meeting (meeting:stop).
func (c *Client) ClearMeetingContext() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meeting = nil
}

// Connect requests a connection. No-op while already connecting/connected.
func (c *Client) Connect() { c.post(event{kind: evConnect}) }

// Disconnect closes the channel explicitly and suppresses reconnection.
func (c *Client) Disconnect() { c.post(event{kind: evDisconnect}) }

// Dispose tears everything down unconditionally: timers, socket, loop.
func (c *Client) Dispose() { c.post(event{kind: evDispose}) }

// Send writes a control frame on the live socket.
func (c *Client) Send(t internal_protocol.MessageType, data interface{}) error {
	return c.write(TextMessage, internal_protocol.NewFrame(t, data))
}

// SendBinary writes a raw audio frame on the live socket.
func (c *Client) SendBinary(chunk []byte) error {
	return c.write(BinaryMessage, chunk)
}

func (c *Client) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteMessage(messageType, data)
}

func (c *Client) currentConn() Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseConnected {
		return nil
	}
	return c.conn
}

func (c *Client) post(ev event) {
	select {
	case <-c.done:
	case c.events <- ev:
	}
}

// ============================================================================
// State machine loop
// ============================================================================

func (c *Client) run() {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.events:
			c.handle(ev)
			if c.disposed {
				close(c.done)
				return
			}
		}
	}
}

func (c *Client) handle(ev event) {
	// Stale-socket guard: events from a superseded connection are dropped.
	if ev.kind == evOpened || ev.kind == evClosed || ev.kind == evErrored ||
		ev.kind == evMessage || ev.kind == evConnectTimeout {
		if ev.epoch != c.epoch {
			return
		}
	}

	switch ev.kind {
	case evConnect:
		c.startConnect(false)

	case evDisconnect:
		c.explicit = true
		c.cancelTimers()
		c.pending = nil
		c.closeConn()
		c.setPhase(PhaseDisconnected, nil)
		c.setAttempt(0)

	case evDispose:
		c.cancelTimers()
		c.closeConn()
		c.setPhase(PhaseDisconnected, nil)
		c.disposed = true

	case evOpened:
		c.cancelTimers()
		c.mu.Lock()
		c.conn = ev.conn
		c.mu.Unlock()
		c.setAttempt(0)
		c.setPhase(PhaseConnected, nil)
		c.startReader(ev.conn, c.epoch)
		c.replaySnapshot()

	case evMessage:
		c.handler.OnMessage(ev.payload)

	case evErrored, evClosed:
		c.onConnectionLost(ev.err)

	case evConnectTimeout:
		c.logger.Warnf("connect watchdog fired after %s", c.cfg.ConnectTimeout)
		c.closeConn()
		c.onConnectionLost(ErrConnectTimeout)

	case evReconnectDue:
		c.startConnect(true)
	}
}

func (c *Client) startConnect(isRetry bool) {
	switch c.phaseUnlocked() {
	case PhaseConnecting, PhaseConnected:
		return
	}
	c.explicit = false

	// Invalidate any previous socket before dialing a new one.
	c.closeConn()
	c.epoch++
	epoch := c.epoch

	if c.attemptUnlocked() > 0 || isRetry {
		c.setPhase(PhaseReconnecting, nil)
	} else {
		c.setPhase(PhaseConnecting, nil)
	}

	// Connect-timeout watchdog, cancelled on open/close/disconnect.
	c.connectTimer = time.AfterFunc(c.cfg.ConnectTimeout, func() {
		c.post(event{kind: evConnectTimeout, epoch: epoch})
	})

	utils.Go(context.Background(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		defer cancel()
		conn, err := c.dialer.Dial(ctx, c.url)
		if err != nil {
			c.post(event{kind: evErrored, epoch: epoch, err: err})
			return
		}
		c.post(event{kind: evOpened, epoch: epoch, conn: conn})
	})
}

// onConnectionLost handles close/error while connecting or connected.
func (c *Client) onConnectionLost(cause error) {
	if c.phaseUnlocked() == PhaseDisconnected {
		return
	}
	c.cancelTimers()
	c.closeConn()

	if c.explicit || !c.cfg.Enabled {
		c.setPhase(PhaseDisconnected, nil)
		return
	}

	// Snapshot the in-flight meeting context once, before the first retry.
	if c.pending == nil {
		if m := c.meetingCopy(); m != nil {
			c.pending = &snapshot{
				MeetingID:    m.MeetingID,
				Mode:         m.Mode,
				WasRecording: m.Recording,
			}
		}
	}

	attempt := c.attemptUnlocked() + 1
	c.setAttempt(attempt)
	delay := BackoffDelay(attempt, c.cfg, c.rnd)
	c.logger.Infof("connection lost (%v); reconnect attempt %d in %s", cause, attempt, delay)
	c.setPhase(PhaseReconnecting, cause)

	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.post(event{kind: evReconnectDue})
	})
}

// replaySnapshot resumes the meeting after a successful reconnect: replay
// meeting:start (rejoin on the server), then session:start when a recording
// was active, then discard the snapshot.
func (c *Client) replaySnapshot() {
	snap := c.pending
	c.pending = nil
	if snap == nil {
		return
	}

	if err := c.sendOnLoopConn(internal_protocol.TypeMeetingStart, internal_protocol.MeetingStartData{
		MeetingID: snap.MeetingID,
		Mode:      snap.Mode,
	}); err != nil {
		c.logger.Errorf("failed to replay meeting:start: %v", err)
		return
	}
	if snap.WasRecording {
		if err := c.sendOnLoopConn(internal_protocol.TypeSessionStart, nil); err != nil {
			c.logger.Errorf("failed to replay session:start: %v", err)
		}
	}
	c.logger.Infof("restored meeting context after reconnect: meetingId=%s, mode=%s, wasRecording=%v",
		snap.MeetingID, snap.Mode, snap.WasRecording)
}

func (c *Client) sendOnLoopConn(t internal_protocol.MessageType, data interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteMessage(TextMessage, internal_protocol.NewFrame(t, data))
}

// startReader pumps frames from the socket into the event loop until the
// socket dies. The epoch tag keeps a superseded reader harmless.
func (c *Client) startReader(conn Conn, epoch int) {
	utils.Go(context.Background(), func() {
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				c.post(event{kind: evClosed, epoch: epoch, err: err})
				return
			}
			c.post(event{kind: evMessage, epoch: epoch, payload: payload})
		}
	})
}

func (c *Client) cancelTimers() {
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) setPhase(p Phase, cause error) {
	c.mu.Lock()
	changed := c.phase != p
	c.phase = p
	c.mu.Unlock()
	if changed {
		c.handler.OnPhase(p, cause)
	}
}

func (c *Client) phaseUnlocked() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Client) setAttempt(n int) {
	c.mu.Lock()
	c.reconnectAttempt = n
	c.mu.Unlock()
}

func (c *Client) attemptUnlocked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectAttempt
}

func (c *Client) meetingCopy() *MeetingContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.meeting == nil {
		return nil
	}
	m := *c.meeting
	return &m
}
