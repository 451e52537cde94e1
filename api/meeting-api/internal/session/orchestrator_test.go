// Copyright (c) 2024-2026 ScribeAI
// Author: ScribeAI Engineering <eng@scribeai.dev>
//
// Licensed under GPL-2.0 with ScribeAI Additional Terms.
// See LICENSE.md or contact sales@scribeai.dev for commercial usage.
package internal_session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	internal_analyzer "github.com/scribeai/api/meeting-api/internal/analyzer"
	internal_compaction "github.com/scribeai/api/meeting-api/internal/compaction"
	internal_entity "github.com/scribeai/api/meeting-api/internal/entity"
	internal_pending "github.com/scribeai/api/meeting-api/internal/pending"
	internal_protocol "github.com/scribeai/api/meeting-api/internal/protocol"
	internal_recordinglock "github.com/scribeai/api/meeting-api/internal/recordinglock"
	internal_store "github.com/scribeai/api/meeting-api/internal/store"
	internal_transcriber "github.com/scribeai/api/meeting-api/internal/transcriber"
	"github.com/scribeai/pkg/commons"
	"github.com/scribeai/pkg/connectors"
)

// ============================================================================
// Test doubles
// ============================================================================

type inboundFrame struct {
	messageType int
	payload     []byte
	err         error
}

// scriptConn feeds scripted inbound frames and records outbound ones.
type scriptConn struct {
	mu     sync.Mutex
	writes [][]byte

	in   chan inboundFrame
	once sync.Once
}

func newScriptConn() *scriptConn {
	return &scriptConn{in: make(chan inboundFrame, 64)}
}

func (c *scriptConn) ReadMessage() (int, []byte, error) {
	f := <-c.in
	if f.err != nil {
		select {
		case c.in <- f:
		default:
		}
		return 0, nil, f.err
	}
	return f.messageType, f.payload, nil
}

func (c *scriptConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	c.writes = append(c.writes, buf)
	return nil
}

func (c *scriptConn) Close() error {
	c.disconnect(errors.New("use of closed connection"))
	return nil
}

func (c *scriptConn) disconnect(err error) {
	c.once.Do(func() { c.in <- inboundFrame{err: err} })
}

func (c *scriptConn) sendText(t *testing.T, msgType internal_protocol.MessageType, data interface{}) {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	frame, err := json.Marshal(internal_protocol.Envelope{Type: msgType, Data: payload})
	require.NoError(t, err)
	c.in <- inboundFrame{messageType: websocket.TextMessage, payload: frame}
}

func (c *scriptConn) sendBare(t *testing.T, msgType internal_protocol.MessageType) {
	t.Helper()
	frame, err := json.Marshal(internal_protocol.Envelope{Type: msgType})
	require.NoError(t, err)
	c.in <- inboundFrame{messageType: websocket.TextMessage, payload: frame}
}

func (c *scriptConn) sendBinary(chunk []byte) {
	c.in <- inboundFrame{messageType: websocket.BinaryMessage, payload: chunk}
}

func (c *scriptConn) envelopes(t *testing.T) []internal_protocol.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]internal_protocol.Envelope, 0, len(c.writes))
	for _, frame := range c.writes {
		var env internal_protocol.Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		out = append(out, env)
	}
	return out
}

func (c *scriptConn) waitForType(t *testing.T, want internal_protocol.MessageType) internal_protocol.Envelope {
	t.Helper()
	var found internal_protocol.Envelope
	require.Eventually(t, func() bool {
		for _, env := range c.envelopes(t) {
			if env.Type == want {
				found = env
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "never received %s", want)
	return found
}

// fakeLeg is a controllable transcription leg.
type fakeLeg struct {
	mu       sync.Mutex
	listener internal_transcriber.Listener
	chunks   [][]byte
	gate     chan struct{}
	started  bool
	stopped  bool
}

func (l *fakeLeg) Start(ctx context.Context, listener internal_transcriber.Listener) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listener = listener
	l.started = true
	return nil
}

func (l *fakeLeg) Send(chunk []byte) error {
	l.mu.Lock()
	gate := l.gate
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	l.chunks = append(l.chunks, buf)
	l.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return nil
}

// stall makes every Send block until the gate is closed.
func (l *fakeLeg) stall(gate chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gate = gate
}

func (l *fakeLeg) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
}

func (l *fakeLeg) ready() {
	l.mu.Lock()
	listener := l.listener
	l.mu.Unlock()
	listener.OnState(internal_transcriber.StateReady, 0, "")
}

func (l *fakeLeg) emit(seg internal_transcriber.Segment) {
	l.mu.Lock()
	listener := l.listener
	l.mu.Unlock()
	listener.OnSegment(seg)
}

func (l *fakeLeg) sent() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.chunks))
	copy(out, l.chunks)
	return out
}

type fakeFactory struct {
	mu   sync.Mutex
	legs []*fakeLeg
}

func (f *fakeFactory) New(meetingID, sessionID string) internal_transcriber.Transcriber {
	f.mu.Lock()
	defer f.mu.Unlock()
	leg := &fakeLeg{}
	f.legs = append(f.legs, leg)
	return leg
}

func (f *fakeFactory) last() *fakeLeg {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.legs) == 0 {
		return nil
	}
	return f.legs[len(f.legs)-1]
}

// fakeAnalyzer returns a fixed result.
type fakeAnalyzer struct{}

func (fakeAnalyzer) Analyze(ctx context.Context, hc *internal_compaction.HierarchicalContext) (*internal_analyzer.AnalysisResult, error) {
	return &internal_analyzer.AnalysisResult{
		Summary: []string{"one point"},
		Topics:  []string{"topic"},
		Tags:    []string{"tag"},
		Flow:    60,
		Heat:    40,
	}, nil
}

func (fakeAnalyzer) Synthesize(ctx context.Context, analyses []internal_entity.AnalysisRecord) ([]string, []string, error) {
	return []string{"meta"}, []string{"theme"}, nil
}

// ============================================================================
// Harness
// ============================================================================

type harness struct {
	deps    Deps
	cfg     Config
	db      *gorm.DB
	store   internal_store.Store
	factory *fakeFactory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(internal_entity.AllEntities()...))
	store := internal_store.NewStore(connectors.NewConnectorFromDB(db, logger), logger)

	factory := &fakeFactory{}
	return &harness{
		db:      db,
		store:   store,
		factory: factory,
		deps: Deps{
			Logger:       logger,
			Store:        store,
			Locks:        internal_recordinglock.NewManager(logger),
			Hub:          NewHub(logger),
			Transcribers: factory,
			Analyzer:     fakeAnalyzer{},
			ImagePresets: internal_analyzer.NewPresets("", "", logger),
			Compactor: internal_compaction.NewEngine(store, internal_compaction.Config{
				RecentAnalysesCount: 3,
				RecentImagesCount:   2,
				SessionThreshold:    100, // never compacts in these tests
				Interval:            time.Hour,
			}, logger),
		},
		cfg: Config{
			PendingLimits:      internal_pending.Limits{MaxChunks: 4, MaxBytes: 1024},
			AnalysisInterval:   time.Hour, // ticks never fire in these tests
			MaxAudioFrameBytes: 256,
			DefaultImagePreset: internal_analyzer.PresetDalle,
		},
	}
}

func (h *harness) connect(t *testing.T) (*scriptConn, *Orchestrator) {
	t.Helper()
	conn := newScriptConn()
	orch := NewOrchestrator(conn, h.deps, h.cfg)
	go orch.Run(context.Background())
	t.Cleanup(func() { conn.disconnect(errors.New("test over")) })
	return conn, orch
}

func startMeeting(t *testing.T, conn *scriptConn, meetingID string) string {
	t.Helper()
	conn.sendText(t, internal_protocol.TypeMeetingStart,
		internal_protocol.MeetingStartData{MeetingID: meetingID, Title: "Weekly"})
	env := conn.waitForType(t, internal_protocol.TypeMeetingStatus)
	var status internal_protocol.MeetingStatusData
	require.NoError(t, json.Unmarshal(env.Data, &status))
	return status.MeetingID
}

// ============================================================================
// Tests
// ============================================================================

func TestOrchestrator_MeetingStartCreatesAndAnswersStatus(t *testing.T) {
	h := newHarness(t)
	conn, orch := h.connect(t)

	meetingID := startMeeting(t, conn, "")
	require.NotEmpty(t, meetingID)

	meeting, err := h.store.GetMeeting(context.Background(), meetingID)
	require.NoError(t, err)
	assert.Equal(t, "Weekly", meeting.Title)
	assert.Equal(t, 1, h.deps.Hub.ViewerCount(meetingID))
	assert.NotEmpty(t, orch.SessionID())
}

func TestOrchestrator_MalformedFrameAnswersErrorAndKeepsGoing(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.connect(t)

	conn.in <- inboundFrame{messageType: websocket.TextMessage, payload: []byte(`{not json`)}
	env := conn.waitForType(t, internal_protocol.TypeError)
	var data internal_protocol.ErrorData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Empty(t, data.Code)

	// Connection is still alive and usable.
	startMeeting(t, conn, "")
}

func TestOrchestrator_AudioBufferedUntilLegReadyThenFlushedInOrder(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.connect(t)
	startMeeting(t, conn, "")

	conn.sendBare(t, internal_protocol.TypeSessionStart)
	env := conn.waitForType(t, internal_protocol.TypeSessionStatus)
	var status internal_protocol.SessionStatusData
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, internal_entity.SessionRecording, status.Status)

	require.Eventually(t, func() bool { return h.factory.last() != nil }, time.Second, 5*time.Millisecond)
	leg := h.factory.last()

	// Audio arriving before the provider is ready must not be lost, and must
	// not reach the leg early.
	conn.sendBinary([]byte("chunk-1"))
	conn.sendBinary([]byte("chunk-2"))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, leg.sent())

	leg.ready()
	conn.waitForType(t, internal_protocol.TypeSTTStatus)

	require.Eventually(t, func() bool { return len(leg.sent()) == 2 }, time.Second, 5*time.Millisecond)
	sent := leg.sent()
	assert.Equal(t, "chunk-1", string(sent[0]))
	assert.Equal(t, "chunk-2", string(sent[1]))

	// Post-ready audio bypasses the buffer.
	conn.sendBinary([]byte("chunk-3"))
	require.Eventually(t, func() bool { return len(leg.sent()) == 3 }, time.Second, 5*time.Millisecond)
}

func TestOrchestrator_OversizedAudioFrameRejected(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.connect(t)
	startMeeting(t, conn, "")

	conn.sendBare(t, internal_protocol.TypeSessionStart)
	conn.waitForType(t, internal_protocol.TypeSessionStatus)

	conn.sendBinary(make([]byte, 257))
	env := conn.waitForType(t, internal_protocol.TypeError)
	var data internal_protocol.ErrorData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, internal_protocol.CodePayloadTooLarge, data.Code)

	// The session is still recording.
	leg := h.factory.last()
	require.NotNil(t, leg)
	leg.ready()
	conn.sendBinary([]byte("fine"))
	require.Eventually(t, func() bool { return len(leg.sent()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestOrchestrator_SecondRecorderGetsConflict(t *testing.T) {
	h := newHarness(t)

	connA, _ := h.connect(t)
	meetingID := startMeeting(t, connA, "")
	connA.sendBare(t, internal_protocol.TypeSessionStart)
	connA.waitForType(t, internal_protocol.TypeSessionStatus)

	connB, _ := h.connect(t)
	startMeeting(t, connB, meetingID)
	connB.sendBare(t, internal_protocol.TypeSessionStart)

	env := connB.waitForType(t, internal_protocol.TypeError)
	var data internal_protocol.ErrorData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, internal_protocol.CodeRecordingConflict, data.Code)

	// The loser never transitioned to recording.
	for _, got := range connB.envelopes(t) {
		if got.Type == internal_protocol.TypeSessionStatus {
			var st internal_protocol.SessionStatusData
			require.NoError(t, json.Unmarshal(got.Data, &st))
			assert.NotEqual(t, internal_entity.SessionRecording, st.Status)
		}
	}
}

func TestOrchestrator_DisconnectReleasesLockForNewRecorder(t *testing.T) {
	h := newHarness(t)

	connA, orchA := h.connect(t)
	meetingID := startMeeting(t, connA, "")
	connA.sendBare(t, internal_protocol.TypeSessionStart)
	connA.waitForType(t, internal_protocol.TypeSessionStatus)

	holder, ok := h.deps.Locks.Holder(meetingID)
	require.True(t, ok)
	require.Equal(t, orchA.SessionID(), holder)

	// Abrupt network drop, no session:stop.
	connA.disconnect(errors.New("connection reset"))
	require.Eventually(t, func() bool {
		_, held := h.deps.Locks.Holder(meetingID)
		return !held
	}, 2*time.Second, 5*time.Millisecond)

	// A new session can record immediately.
	connB, _ := h.connect(t)
	startMeeting(t, connB, meetingID)
	connB.sendBare(t, internal_protocol.TypeSessionStart)
	env := connB.waitForType(t, internal_protocol.TypeSessionStatus)
	var status internal_protocol.SessionStatusData
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, internal_entity.SessionRecording, status.Status)
}

func TestOrchestrator_FinalSegmentsBroadcastAndPersist(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.connect(t)
	meetingID := startMeeting(t, conn, "")

	conn.sendBare(t, internal_protocol.TypeSessionStart)
	conn.waitForType(t, internal_protocol.TypeSessionStatus)
	leg := h.factory.last()
	require.NotNil(t, leg)
	leg.ready()

	speaker := 1
	leg.emit(internal_transcriber.Segment{
		Text: "hello there", IsFinal: true, Speaker: &speaker, Timestamp: time.Now(),
	})

	env := conn.waitForType(t, internal_protocol.TypeTranscript)
	var data internal_protocol.TranscriptData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "hello there", data.Text)
	assert.True(t, data.IsFinal)
	require.NotNil(t, data.Speaker)
	assert.Equal(t, 1, *data.Speaker)

	require.Eventually(t, func() bool {
		segments, err := h.store.ListSegments(context.Background(), meetingID, time.Time{}, 0, 10)
		return err == nil && len(segments) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOrchestrator_InterimSegmentsNotPersisted(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.connect(t)
	meetingID := startMeeting(t, conn, "")

	conn.sendBare(t, internal_protocol.TypeSessionStart)
	conn.waitForType(t, internal_protocol.TypeSessionStatus)
	leg := h.factory.last()
	require.NotNil(t, leg)
	leg.ready()

	leg.emit(internal_transcriber.Segment{Text: "partial...", IsFinal: false, Timestamp: time.Now()})

	conn.waitForType(t, internal_protocol.TypeTranscript)
	segments, err := h.store.ListSegments(context.Background(), meetingID, time.Time{}, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, segments)
}

func TestOrchestrator_SpeakerAliasValidation(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.connect(t)
	startMeeting(t, conn, "")

	// Missing speaker index defaults to -1 and must be rejected.
	conn.sendText(t, internal_protocol.TypeSpeakerAliasUpdate,
		map[string]interface{}{"displayName": "Alice"})
	env := conn.waitForType(t, internal_protocol.TypeError)
	var data internal_protocol.ErrorData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, internal_protocol.CodeInvalidSpeaker, data.Code)

	// A valid alias is broadcast back.
	conn.sendText(t, internal_protocol.TypeSpeakerAliasUpdate,
		internal_protocol.SpeakerAliasUpdateData{Speaker: 0, DisplayName: "Alice"})
	aliasEnv := conn.waitForType(t, internal_protocol.TypeSpeakerAlias)
	var aliases internal_protocol.SpeakerAliasData
	require.NoError(t, json.Unmarshal(aliasEnv.Data, &aliases))
	assert.Equal(t, "Alice", aliases.SpeakerAliases["0"])
}

func TestOrchestrator_HistoryRequestUnknownMeeting(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.connect(t)

	conn.sendText(t, internal_protocol.TypeHistoryRequest,
		internal_protocol.HistoryRequestData{MeetingID: "5f0d43a2-9b2f-47a5-94a1-000000000009"})
	env := conn.waitForType(t, internal_protocol.TypeError)
	var data internal_protocol.ErrorData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, internal_protocol.CodeUnknownMeeting, data.Code)
}

func TestOrchestrator_TranscriptBroadcastReachesAllViewers(t *testing.T) {
	h := newHarness(t)

	connA, _ := h.connect(t)
	meetingID := startMeeting(t, connA, "")
	connB, _ := h.connect(t)
	startMeeting(t, connB, meetingID)

	connA.sendBare(t, internal_protocol.TypeSessionStart)
	connA.waitForType(t, internal_protocol.TypeSessionStatus)
	leg := h.factory.last()
	require.NotNil(t, leg)
	leg.ready()

	leg.emit(internal_transcriber.Segment{Text: "shared", IsFinal: true, Timestamp: time.Now()})

	connA.waitForType(t, internal_protocol.TypeTranscript)
	connB.waitForType(t, internal_protocol.TypeTranscript)
}

func TestOrchestrator_CloseReleasesLockWithBackloggedLoop(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.connect(t)
	meetingID := startMeeting(t, conn, "")

	conn.sendBare(t, internal_protocol.TypeSessionStart)
	conn.waitForType(t, internal_protocol.TypeSessionStatus)
	leg := h.factory.last()
	require.NotNil(t, leg)

	// Wedge the loop inside the provider send, then flood the channel well
	// past its capacity so later events start dropping.
	gate := make(chan struct{})
	leg.stall(gate)
	leg.ready()
	conn.waitForType(t, internal_protocol.TypeSTTStatus)
	for i := 0; i < 400; i++ {
		conn.sendBinary([]byte("pcm"))
	}

	// The socket dies while the backlog is full. The close must still land.
	conn.disconnect(errors.New("connection reset"))
	close(gate)

	require.Eventually(t, func() bool {
		_, held := h.deps.Locks.Holder(meetingID)
		return !held
	}, 2*time.Second, 5*time.Millisecond, "recording lock wedged after close")
}

func TestOrchestrator_AnalysisTimerFiresAgainAfterPass(t *testing.T) {
	h := newHarness(t)
	h.cfg.AnalysisInterval = 25 * time.Millisecond
	conn, _ := h.connect(t)
	startMeeting(t, conn, "")

	conn.sendBare(t, internal_protocol.TypeSessionStart)
	conn.waitForType(t, internal_protocol.TypeSessionStatus)
	leg := h.factory.last()
	require.NotNil(t, leg)
	leg.ready()

	analyses := func() int {
		n := 0
		for _, env := range conn.envelopes(t) {
			if env.Type == internal_protocol.TypeAnalysis {
				n++
			}
		}
		return n
	}

	leg.emit(internal_transcriber.Segment{Text: "alpha", IsFinal: true, Timestamp: time.Now()})
	conn.waitForType(t, internal_protocol.TypeAnalysis)

	// A completed pass clears the in-flight flag, so fresh transcript must
	// trigger another one on a later tick.
	leg.emit(internal_transcriber.Segment{Text: "beta", IsFinal: true, Timestamp: time.Now()})
	require.Eventually(t, func() bool { return analyses() >= 2 },
		2*time.Second, 5*time.Millisecond, "analysis timer stopped after first pass")
}

func TestOrchestrator_SessionStopEndsSessionRow(t *testing.T) {
	h := newHarness(t)
	conn, orch := h.connect(t)
	meetingID := startMeeting(t, conn, "")

	conn.sendBare(t, internal_protocol.TypeSessionStart)
	conn.waitForType(t, internal_protocol.TypeSessionStatus)

	conn.sendBare(t, internal_protocol.TypeSessionStop)
	require.Eventually(t, func() bool {
		var sess internal_entity.Session
		if err := h.db.Where("id = ?", orch.SessionID()).First(&sess).Error; err != nil {
			return false
		}
		return sess.Status == internal_entity.SessionIdle && sess.EndedAt != nil
	}, 2*time.Second, 5*time.Millisecond, "session row never ended")

	_, held := h.deps.Locks.Holder(meetingID)
	assert.False(t, held)
}
