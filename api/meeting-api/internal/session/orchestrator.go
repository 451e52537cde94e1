// Copyright (c) 2024-2026 ScribeAI
// Author: ScribeAI Engineering <eng@scribeai.dev>
//
// Licensed under GPL-2.0 with ScribeAI Additional Terms.
// See LICENSE.md or contact sales@scribeai.dev for commercial usage.
package internal_session

import (
	"context"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	internal_analyzer "github.com/scribeai/api/meeting-api/internal/analyzer"
	internal_compaction "github.com/scribeai/api/meeting-api/internal/compaction"
	internal_entity "github.com/scribeai/api/meeting-api/internal/entity"
	internal_pending "github.com/scribeai/api/meeting-api/internal/pending"
	internal_protocol "github.com/scribeai/api/meeting-api/internal/protocol"
	internal_recordinglock "github.com/scribeai/api/meeting-api/internal/recordinglock"
	internal_store "github.com/scribeai/api/meeting-api/internal/store"
	internal_transcriber "github.com/scribeai/api/meeting-api/internal/transcriber"
	"github.com/scribeai/pkg/commons"
	"github.com/scribeai/pkg/utils"
)

// Conn is the duplex channel surface the orchestrator drives.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Config carries the per-connection tunables.
type Config struct {
	PendingLimits      internal_pending.Limits
	AnalysisInterval   time.Duration
	MaxAudioFrameBytes int
	DefaultImagePreset string
	HistoryPageSize    int
}

// Deps are the shared services injected into every orchestrator. Locks and
// Hub are the only cross-connection state; everything else is either
// stateless or owned per connection.
type Deps struct {
	Logger       commons.Logger
	Store        internal_store.Store
	Locks        *internal_recordinglock.Manager
	Hub          *Hub
	Transcribers internal_transcriber.Factory
	Analyzer     internal_analyzer.Analyzer
	ImagePresets *internal_analyzer.Presets
	Compactor    *internal_compaction.Engine
}

type srvEventKind int

const (
	evText srvEventKind = iota
	evBinary
	evSegment
	evUtteranceEnd
	evSTTState
	evAnalysisTick
	evAnalysisDone
)

// srvEvent is the tagged union feeding the per-connection loop. Inbound
// frames, transcriber callbacks and the periodic analysis timer all funnel
// through it, so all session state is owned by exactly one goroutine.
type srvEvent struct {
	kind    srvEventKind
	payload []byte
	segment internal_transcriber.Segment
	at      time.Time
	state   internal_transcriber.State
	retry   int
	message string
}

// Orchestrator handles one server-side connection: it routes inbound frames,
// guards pending audio, drives the transcription leg, triggers analysis and
// compaction, and fans results out to every viewer of the meeting.
type Orchestrator struct {
	deps Deps
	cfg  Config

	conn      Conn
	writeMu   sync.Mutex
	sessionID string

	// events is lossy under backpressure; the close signal and loop-state
	// clears travel on their own guaranteed paths (closed, postSettled).
	events    chan srvEvent
	closed    chan error
	closeOnce sync.Once
	done      chan struct{}

	// Loop-owned state. Never touched outside Run.
	meeting      *internal_entity.Meeting
	mode         string
	recording    bool
	sttReady     bool
	leg          internal_transcriber.Transcriber
	pendingAudio *internal_pending.Buffer
	transcript   strings.Builder
	analysisBusy bool
	imagePreset  string
	ticker       *time.Ticker
	tickerStop   chan struct{}
}

// NewOrchestrator wraps an accepted connection. Run must be called on its own
// goroutine.
func NewOrchestrator(conn Conn, deps Deps, cfg Config) *Orchestrator {
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = 200
	}
	return &Orchestrator{
		deps:        deps,
		cfg:         cfg,
		conn:        conn,
		sessionID:   uuid.New().String(),
		events:      make(chan srvEvent, 256),
		closed:      make(chan error, 1),
		done:        make(chan struct{}),
		mode:        "record",
		imagePreset: cfg.DefaultImagePreset,
	}
}

// SessionID implements Viewer.
func (o *Orchestrator) SessionID() string { return o.sessionID }

// SendFrame implements Viewer. Send failures are logged and swallowed: a dead
// viewer is cleaned up by its own read loop, not by the broadcaster.
func (o *Orchestrator) SendFrame(frame []byte) {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	if err := o.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		o.deps.Logger.Debugf("frame write failed: sessionId=%s: %v", o.sessionID, err)
	}
}

// Run drives the connection until the socket closes. It owns all session
// state; the reader goroutine and provider callbacks only post events.
func (o *Orchestrator) Run(ctx context.Context) {
	defer close(o.done)
	o.tickerStop = make(chan struct{})
	o.ticker = time.NewTicker(o.cfg.AnalysisInterval)
	utils.Go(ctx, func() {
		for {
			select {
			case <-o.tickerStop:
				return
			case <-o.ticker.C:
				o.post(srvEvent{kind: evAnalysisTick})
			}
		}
	})

	utils.Go(ctx, func() {
		for {
			messageType, payload, err := o.conn.ReadMessage()
			if err != nil {
				o.shutdown(err)
				return
			}
			if messageType == websocket.BinaryMessage {
				o.post(srvEvent{kind: evBinary, payload: payload})
			} else {
				o.post(srvEvent{kind: evText, payload: payload})
			}
		}
	})

	for {
		// Terminal close wins over any backlogged media events, so the lock
		// release can never queue behind a full channel.
		select {
		case cause := <-o.closed:
			o.teardown(ctx, cause)
			return
		default:
		}
		select {
		case cause := <-o.closed:
			o.teardown(ctx, cause)
			return
		case ev := <-o.events:
			o.handle(ctx, ev)
		}
	}
}

func (o *Orchestrator) post(ev srvEvent) {
	select {
	case o.events <- ev:
	default:
		// A wedged loop must not block provider callbacks; drop and log.
		o.deps.Logger.Warnf("event dropped, loop backlogged: sessionId=%s, kind=%d", o.sessionID, ev.kind)
	}
}

// postSettled delivers events that clear loop state and must not be lost. It
// blocks until the loop accepts the event or the connection is torn down.
func (o *Orchestrator) postSettled(ev srvEvent) {
	select {
	case o.events <- ev:
	case <-o.done:
	}
}

// shutdown delivers the terminal close signal. Unlike post it is never
// dropped; the first cause wins.
func (o *Orchestrator) shutdown(cause error) {
	o.closeOnce.Do(func() { o.closed <- cause })
}

func (o *Orchestrator) handle(ctx context.Context, ev srvEvent) {
	switch ev.kind {
	case evText:
		o.handleControlFrame(ctx, ev.payload)
	case evBinary:
		o.handleAudioFrame(ev.payload)
	case evSegment:
		o.handleSegment(ctx, ev.segment)
	case evUtteranceEnd:
		o.handleUtteranceEnd(ctx, ev.at)
	case evSTTState:
		o.handleSTTState(ev.state, ev.retry, ev.message)
	case evAnalysisTick:
		o.maybeAnalyze(ctx)
	case evAnalysisDone:
		o.analysisBusy = false
	}
}

// ============================================================================
// Control frames
// ============================================================================

func (o *Orchestrator) handleControlFrame(ctx context.Context, payload []byte) {
	msg, err := internal_protocol.ParseClientMessage(payload)
	if err != nil {
		// Protocol error: answer and keep the connection open.
		o.SendFrame(internal_protocol.InvalidMessageFrame())
		return
	}

	switch msg.Type {
	case internal_protocol.TypeMeetingStart:
		o.handleMeetingStart(ctx, msg.MeetingStart)
	case internal_protocol.TypeMeetingStop:
		o.handleMeetingStop(ctx)
	case internal_protocol.TypeMeetingListRequest:
		o.handleMeetingList(ctx)
	case internal_protocol.TypeMeetingUpdate:
		o.handleMeetingUpdate(ctx, msg.MeetingUpdate)
	case internal_protocol.TypeSpeakerAliasUpdate:
		o.handleSpeakerAlias(ctx, msg.SpeakerAlias)
	case internal_protocol.TypeMeetingModeSet:
		o.handleModeSet(msg.ModeSet)
	case internal_protocol.TypeHistoryRequest:
		o.handleHistoryRequest(ctx, msg.History)
	case internal_protocol.TypeSessionStart:
		o.handleSessionStart(ctx)
	case internal_protocol.TypeSessionStop:
		o.handleSessionStop(ctx)
	case internal_protocol.TypeCameraFrame:
		o.handleCameraFrame(ctx, msg.CameraFrame)
	case internal_protocol.TypeImageModelSet:
		o.handleImageModelSet(msg.ImageModel)
	}
}

func (o *Orchestrator) handleMeetingStart(ctx context.Context, data *internal_protocol.MeetingStartData) {
	if data.MeetingID != "" {
		if _, err := uuid.Parse(data.MeetingID); err != nil {
			o.SendFrame(internal_protocol.DomainErrorFrame(
				internal_protocol.CodeInvalidIdentifier, "malformed meeting id"))
			return
		}
	}

	meeting, created, err := o.deps.Store.StartMeeting(ctx, data.MeetingID, data.Title)
	if err != nil {
		o.deps.Logger.Errorf("meeting start failed: %v", err)
		o.SendFrame(internal_protocol.DomainErrorFrame(
			internal_protocol.CodeUnknownMeeting, "failed to start meeting"))
		return
	}

	// Re-issuing meeting:start for a known meeting is a rejoin, not a new
	// meeting. Either way this connection gets a fresh session row.
	if _, err := o.deps.Store.UpsertSession(ctx, o.sessionID, meeting.ID); err != nil {
		o.deps.Logger.Errorf("session upsert failed: %v", err)
	}

	if o.meeting != nil && o.meeting.ID != meeting.ID {
		o.deps.Hub.Leave(o.meeting.ID, o)
	}
	o.meeting = meeting
	if data.Mode != "" {
		o.mode = data.Mode
	}
	o.deps.Hub.Join(meeting.ID, o)

	o.deps.Logger.Infof("meeting joined: meetingId=%s, sessionId=%s, mode=%s, created=%v",
		meeting.ID, o.sessionID, o.mode, created)

	o.SendFrame(internal_protocol.NewFrame(internal_protocol.TypeMeetingStatus,
		internal_protocol.MeetingStatusData{
			MeetingID: meeting.ID,
			Title:     meeting.Title,
			SessionID: o.sessionID,
			Mode:      o.mode,
		}))
	o.sendSpeakerAliases(ctx, meeting.ID, false)
}

func (o *Orchestrator) handleMeetingStop(ctx context.Context) {
	if o.meeting == nil {
		o.SendFrame(internal_protocol.DomainErrorFrame(
			internal_protocol.CodeUnknownMeeting, "no active meeting"))
		return
	}
	if o.recording {
		o.handleSessionStop(ctx)
	}
	if err := o.deps.Store.EndMeeting(ctx, o.meeting.ID); err != nil {
		o.deps.Logger.Errorf("meeting stop failed: %v", err)
	}
	o.deps.Hub.Leave(o.meeting.ID, o)
	o.meeting = nil
}

func (o *Orchestrator) handleMeetingList(ctx context.Context) {
	meetings, err := o.deps.Store.ListRecentMeetings(ctx, 50)
	if err != nil {
		o.deps.Logger.Errorf("meeting list failed: %v", err)
		return
	}
	summaries := make([]internal_protocol.MeetingSummary, 0, len(meetings))
	for _, m := range meetings {
		summaries = append(summaries, internal_protocol.MeetingSummary{
			ID:        m.ID,
			Title:     m.Title,
			StartedAt: m.StartedAt,
			EndedAt:   m.EndedAt,
		})
	}
	o.SendFrame(internal_protocol.NewFrame(internal_protocol.TypeMeetingList,
		internal_protocol.MeetingListData{Meetings: summaries}))
}

func (o *Orchestrator) handleMeetingUpdate(ctx context.Context, data *internal_protocol.MeetingUpdateData) {
	if o.meeting == nil {
		o.SendFrame(internal_protocol.DomainErrorFrame(
			internal_protocol.CodeUnknownMeeting, "no active meeting"))
		return
	}
	if err := o.deps.Store.UpdateMeetingTitle(ctx, o.meeting.ID, data.Title); err != nil {
		o.deps.Logger.Errorf("meeting title update failed: %v", err)
		return
	}
	o.meeting.Title = data.Title
	o.deps.Hub.Broadcast(o.meeting.ID, internal_protocol.NewFrame(
		internal_protocol.TypeMeetingStatus, internal_protocol.MeetingStatusData{
			MeetingID: o.meeting.ID,
			Title:     data.Title,
			SessionID: o.sessionID,
			Mode:      o.mode,
		}))
}

func (o *Orchestrator) handleSpeakerAlias(ctx context.Context, data *internal_protocol.SpeakerAliasUpdateData) {
	if o.meeting == nil {
		o.SendFrame(internal_protocol.DomainErrorFrame(
			internal_protocol.CodeUnknownMeeting, "no active meeting"))
		return
	}
	if data.Speaker < 0 || utils.IsEmpty(data.DisplayName) {
		o.SendFrame(internal_protocol.DomainErrorFrame(
			internal_protocol.CodeInvalidSpeaker, "invalid speaker alias"))
		return
	}
	if err := o.deps.Store.UpsertSpeakerAlias(ctx, o.meeting.ID, data.Speaker, data.DisplayName); err != nil {
		o.deps.Logger.Errorf("speaker alias upsert failed: %v", err)
		return
	}
	o.sendSpeakerAliases(ctx, o.meeting.ID, true)
}

func (o *Orchestrator) sendSpeakerAliases(ctx context.Context, meetingID string, broadcast bool) {
	aliases, err := o.deps.Store.ListSpeakerAliases(ctx, meetingID)
	if err != nil {
		o.deps.Logger.Errorf("speaker alias list failed: %v", err)
		return
	}
	payload := make(map[string]string, len(aliases))
	for _, a := range aliases {
		payload[strconv.Itoa(a.Speaker)] = a.DisplayName
	}
	frame := internal_protocol.NewFrame(internal_protocol.TypeSpeakerAlias,
		internal_protocol.SpeakerAliasData{SpeakerAliases: payload})
	if broadcast {
		o.deps.Hub.Broadcast(meetingID, frame)
	} else {
		o.SendFrame(frame)
	}
}

func (o *Orchestrator) handleModeSet(data *internal_protocol.MeetingModeSetData) {
	if o.meeting == nil {
		o.SendFrame(internal_protocol.DomainErrorFrame(
			internal_protocol.CodeUnknownMeeting, "no active meeting"))
		return
	}
	o.mode = data.Mode
	o.SendFrame(internal_protocol.NewFrame(internal_protocol.TypeMeetingStatus,
		internal_protocol.MeetingStatusData{
			MeetingID: o.meeting.ID,
			Title:     o.meeting.Title,
			SessionID: o.sessionID,
			Mode:      o.mode,
		}))
}

func (o *Orchestrator) handleHistoryRequest(ctx context.Context, data *internal_protocol.HistoryRequestData) {
	if _, err := uuid.Parse(data.MeetingID); err != nil {
		o.SendFrame(internal_protocol.DomainErrorFrame(
			internal_protocol.CodeInvalidIdentifier, "malformed meeting id"))
		return
	}
	if _, err := o.deps.Store.GetMeeting(ctx, data.MeetingID); err != nil {
		if errors.Is(err, internal_store.ErrMeetingNotFound) {
			o.SendFrame(internal_protocol.DomainErrorFrame(
				internal_protocol.CodeUnknownMeeting, "unknown meeting id"))
			return
		}
		o.deps.Logger.Errorf("history meeting lookup failed: %v", err)
		return
	}

	var after time.Time
	var afterID uint64
	isDelta := false
	if data.Cursor != "" {
		ts, id, err := internal_protocol.ParseHistoryCursor(data.Cursor)
		if err != nil {
			o.SendFrame(internal_protocol.DomainErrorFrame(
				internal_protocol.CodeInvalidIdentifier, "malformed history cursor"))
			return
		}
		after, afterID = ts, id
		isDelta = true
	}

	segments, err := o.deps.Store.ListSegments(ctx, data.MeetingID, after, afterID, o.cfg.HistoryPageSize)
	if err != nil {
		o.deps.Logger.Errorf("history fetch failed: %v", err)
		return
	}

	history := internal_protocol.MeetingHistoryData{
		MeetingID: data.MeetingID,
		Segments:  make([]internal_protocol.HistorySegment, 0, len(segments)),
	}
	for _, seg := range segments {
		history.Segments = append(history.Segments, internal_protocol.HistorySegment{
			Text:           seg.Text,
			Timestamp:      seg.Timestamp.UnixMilli(),
			Speaker:        seg.Speaker,
			StartTime:      seg.StartTime,
			IsUtteranceEnd: seg.IsUtteranceEnd,
		})
	}
	if len(segments) == o.cfg.HistoryPageSize {
		last := segments[len(segments)-1]
		history.NextCursor = internal_protocol.EncodeHistoryCursor(last.Timestamp, last.ID)
	}

	frameType := internal_protocol.TypeMeetingHistory
	if isDelta {
		frameType = internal_protocol.TypeHistoryDelta
	}
	o.SendFrame(internal_protocol.NewFrame(frameType, history))
}

func (o *Orchestrator) handleImageModelSet(data *internal_protocol.ImageModelSetData) {
	gen, err := o.deps.ImagePresets.Resolve(data.Preset)
	if err != nil {
		o.SendFrame(internal_protocol.DomainErrorFrame(
			internal_protocol.CodeUnsupportedPreset, "unsupported image model preset"))
		return
	}
	o.imagePreset = data.Preset
	o.SendFrame(internal_protocol.NewFrame(internal_protocol.TypeImageModelStatus,
		internal_protocol.ImageModelStatusData{
			Preset:    data.Preset,
			Model:     gen.Model(),
			Available: gen.Available(),
		}))
}

// ============================================================================
// Recording session
// ============================================================================

func (o *Orchestrator) handleSessionStart(ctx context.Context) {
	if o.meeting == nil {
		o.SendFrame(internal_protocol.DomainErrorFrame(
			internal_protocol.CodeUnknownMeeting, "no active meeting"))
		return
	}
	if o.recording {
		return
	}

	// Exclusive recording per meeting: a second viewer gets a conflict and
	// its session never transitions to recording.
	if err := o.deps.Locks.Acquire(o.meeting.ID, o.sessionID); err != nil {
		o.SendFrame(internal_protocol.DomainErrorFrame(
			internal_protocol.CodeRecordingConflict, "meeting already has an active recording"))
		return
	}

	o.recording = true
	o.sttReady = false
	o.pendingAudio = internal_pending.NewBuffer(o.cfg.PendingLimits, o.deps.Logger)
	o.transcript.Reset()

	if err := o.deps.Store.SetSessionStatus(ctx, o.sessionID, internal_entity.SessionRecording); err != nil {
		o.deps.Logger.Errorf("session status update failed: %v", err)
	}
	o.sendSessionStatus(internal_entity.SessionRecording, "")

	o.leg = o.deps.Transcribers.New(o.meeting.ID, o.sessionID)
	if err := o.leg.Start(ctx, &legListener{o: o}); err != nil {
		o.deps.Logger.Errorf("transcription leg start failed: %v", err)
		o.failSession(ctx, "transcription unavailable")
		return
	}
}

func (o *Orchestrator) handleSessionStop(ctx context.Context) {
	if !o.recording {
		return
	}
	o.recording = false
	o.sttReady = false

	if o.leg != nil {
		o.leg.Stop()
		o.leg = nil
	}
	if o.pendingAudio != nil {
		o.pendingAudio.Clear()
		o.pendingAudio = nil
	}
	if o.meeting != nil {
		o.deps.Locks.Release(o.meeting.ID, o.sessionID)
	}
	if err := o.deps.Store.EndSession(ctx, o.sessionID); err != nil {
		o.deps.Logger.Errorf("session end failed: %v", err)
	}
	o.sendSessionStatus(internal_entity.SessionIdle, "")
}

func (o *Orchestrator) failSession(ctx context.Context, reason string) {
	o.recording = false
	o.sttReady = false
	if o.leg != nil {
		o.leg.Stop()
		o.leg = nil
	}
	if o.pendingAudio != nil {
		o.pendingAudio.Clear()
		o.pendingAudio = nil
	}
	if o.meeting != nil {
		o.deps.Locks.Release(o.meeting.ID, o.sessionID)
	}
	if err := o.deps.Store.SetSessionStatus(ctx, o.sessionID, internal_entity.SessionError); err != nil {
		o.deps.Logger.Errorf("session status update failed: %v", err)
	}
	o.sendSessionStatus(internal_entity.SessionError, reason)
}

func (o *Orchestrator) sendSessionStatus(status, errMsg string) {
	o.SendFrame(internal_protocol.NewFrame(internal_protocol.TypeSessionStatus,
		internal_protocol.SessionStatusData{Status: status, Error: errMsg}))
}

// ============================================================================
// Audio path
// ============================================================================

func (o *Orchestrator) handleAudioFrame(payload []byte) {
	if !o.recording {
		return
	}
	if len(payload) > o.cfg.MaxAudioFrameBytes {
		// Drop the unit, keep the session running.
		o.deps.Logger.Warnf("audio frame rejected: size=%d exceeds cap=%d, sessionId=%s",
			len(payload), o.cfg.MaxAudioFrameBytes, o.sessionID)
		o.SendFrame(internal_protocol.DomainErrorFrame(
			internal_protocol.CodePayloadTooLarge, "audio frame exceeds size cap"))
		return
	}

	if o.sttReady && o.leg != nil {
		if err := o.leg.Send(payload); err != nil {
			o.deps.Logger.Errorf("audio forward failed: %v", err)
		}
		return
	}

	// Leg not ready yet: buffer under the admission guard. Rejected chunks
	// are dropped; buffered ordering stays intact.
	if o.pendingAudio != nil {
		o.pendingAudio.Push(payload)
	}
}

func (o *Orchestrator) handleSTTState(state internal_transcriber.State, retry int, message string) {
	frame := internal_protocol.NewFrame(internal_protocol.TypeSTTStatus,
		internal_protocol.STTStatusData{State: string(state), RetryAttempt: retry, Message: message})
	if o.meeting != nil {
		o.deps.Hub.Broadcast(o.meeting.ID, frame)
	} else {
		o.SendFrame(frame)
	}

	if state == internal_transcriber.StateReady && o.recording && !o.sttReady {
		o.sttReady = true
		// Flush everything buffered while the leg was opening, in arrival
		// order, then retire the buffer for good.
		if o.pendingAudio != nil {
			leg := o.leg
			if err := o.pendingAudio.Flush(func(chunk []byte) error {
				return leg.Send(chunk)
			}); err != nil {
				o.deps.Logger.Errorf("pending audio flush failed: %v", err)
			}
			o.pendingAudio = nil
		}
	}
}

// ============================================================================
// Transcript path
// ============================================================================

func (o *Orchestrator) handleSegment(ctx context.Context, seg internal_transcriber.Segment) {
	if o.meeting == nil {
		return
	}

	// Live delivery first; persistence is best-effort and never blocks it.
	o.deps.Hub.Broadcast(o.meeting.ID, internal_protocol.NewFrame(
		internal_protocol.TypeTranscript, internal_protocol.TranscriptData{
			Text:      seg.Text,
			IsFinal:   seg.IsFinal,
			Timestamp: seg.Timestamp.UnixMilli(),
			Speaker:   seg.Speaker,
			StartTime: seg.StartTime,
		}))

	if !seg.IsFinal {
		return
	}

	o.transcript.WriteString(seg.Text)
	o.transcript.WriteString(" ")

	record := &internal_entity.TranscriptSegment{
		MeetingID: o.meeting.ID,
		SessionID: o.sessionID,
		Text:      seg.Text,
		Timestamp: seg.Timestamp,
		IsFinal:   true,
		Speaker:   seg.Speaker,
		StartTime: seg.StartTime,
	}
	if err := o.deps.Store.AppendSegment(ctx, record); err != nil {
		o.deps.Logger.Errorf("transcript persist failed: %v", err)
	}
}

func (o *Orchestrator) handleUtteranceEnd(ctx context.Context, at time.Time) {
	if o.meeting == nil {
		return
	}
	if err := o.deps.Store.MarkUtteranceEnd(ctx, o.sessionID); err != nil {
		o.deps.Logger.Errorf("utterance end persist failed: %v", err)
	}
	o.deps.Hub.Broadcast(o.meeting.ID, internal_protocol.NewFrame(
		internal_protocol.TypeUtteranceEnd,
		internal_protocol.UtteranceEndData{Timestamp: at.UnixMilli()}))
}

// ============================================================================
// Camera frames
// ============================================================================

func (o *Orchestrator) handleCameraFrame(ctx context.Context, data *internal_protocol.CameraFrameData) {
	if o.meeting == nil {
		o.SendFrame(internal_protocol.DomainErrorFrame(
			internal_protocol.CodeUnknownMeeting, "no active meeting"))
		return
	}
	raw, err := base64.StdEncoding.DecodeString(data.Base64)
	if err != nil {
		o.SendFrame(internal_protocol.InvalidMessageFrame())
		return
	}
	img := &internal_entity.StoredImage{
		MeetingID: o.meeting.ID,
		SessionID: o.sessionID,
		Kind:      internal_entity.ImageCamera,
		Data:      raw,
		Timestamp: time.UnixMilli(data.Timestamp),
	}
	if err := o.deps.Store.SaveImage(ctx, img); err != nil {
		o.deps.Logger.Errorf("camera frame persist failed: %v", err)
	}
}

// ============================================================================
// Analysis & compaction
// ============================================================================

// maybeAnalyze runs on the periodic timer. The provider round-trips happen
// off the loop so the connection keeps accepting audio; loop state consumed
// by the pass is captured before launch.
func (o *Orchestrator) maybeAnalyze(ctx context.Context) {
	if o.meeting == nil || !o.recording || o.analysisBusy {
		return
	}
	transcript := strings.TrimSpace(o.transcript.String())
	if transcript == "" {
		return
	}
	o.transcript.Reset()
	o.analysisBusy = true

	meetingID := o.meeting.ID
	meetingStart := o.meeting.StartedAt
	sessionID := o.sessionID
	preset := o.imagePreset

	utils.Go(ctx, func() {
		defer o.postSettled(srvEvent{kind: evAnalysisDone})
		o.runAnalysisPass(ctx, meetingID, sessionID, meetingStart, transcript, preset)
	})
}

func (o *Orchestrator) runAnalysisPass(ctx context.Context, meetingID, sessionID string, meetingStart time.Time, transcript, preset string) {
	hc, err := o.deps.Compactor.BuildContext(ctx, meetingID, sessionID, transcript)
	if err != nil {
		o.deps.Logger.Errorf("context build failed: %v", err)
		return
	}

	result, err := o.deps.Analyzer.Analyze(ctx, hc)
	if err != nil {
		o.deps.Logger.Errorf("analysis failed: %v", err)
		return
	}

	// Deliver to viewers first, then persist best-effort.
	o.deps.Hub.Broadcast(meetingID, internal_protocol.NewFrame(
		internal_protocol.TypeAnalysis, internal_protocol.AnalysisData{
			Summary: result.Summary,
			Topics:  result.Topics,
			Tags:    result.Tags,
			Flow:    result.Flow,
			Heat:    result.Heat,
		}))

	record := &internal_entity.AnalysisRecord{
		MeetingID:   meetingID,
		SessionID:   sessionID,
		Summary:     result.Summary,
		Topics:      result.Topics,
		Tags:        result.Tags,
		Flow:        result.Flow,
		Heat:        result.Heat,
		ImagePrompt: result.ImagePrompt,
		Timestamp:   time.Now(),
	}
	if err := o.deps.Store.AppendAnalysis(ctx, record); err != nil {
		o.deps.Logger.Errorf("analysis persist failed: %v", err)
	}

	if result.ImagePrompt != "" {
		o.generateImage(ctx, meetingID, sessionID, preset, result.ImagePrompt)
	}

	if _, err := o.deps.Compactor.MaybeCompact(ctx, meetingID, meetingStart, o.deps.Analyzer); err != nil {
		o.deps.Logger.Errorf("compaction failed: %v", err)
	}
}

func (o *Orchestrator) generateImage(ctx context.Context, meetingID, sessionID, preset, prompt string) {
	gen, err := o.deps.ImagePresets.Resolve(preset)
	if err != nil || !gen.Available() {
		return
	}

	o.deps.Hub.Broadcast(meetingID, internal_protocol.NewFrame(
		internal_protocol.TypeGenerationStatus,
		internal_protocol.GenerationStatusData{Phase: "generating"}))

	img, err := gen.Generate(ctx, prompt)
	if err != nil {
		o.deps.Logger.Errorf("image generation failed: %v", err)
		o.deps.Hub.Broadcast(meetingID, internal_protocol.NewFrame(
			internal_protocol.TypeGenerationStatus,
			internal_protocol.GenerationStatusData{Phase: "failed"}))
		return
	}

	now := time.Now()
	o.deps.Hub.Broadcast(meetingID, internal_protocol.NewFrame(
		internal_protocol.TypeImage, internal_protocol.ImageData{
			Base64:    base64.StdEncoding.EncodeToString(img.Data),
			Prompt:    img.Prompt,
			Timestamp: now.UnixMilli(),
		}))
	o.deps.Hub.Broadcast(meetingID, internal_protocol.NewFrame(
		internal_protocol.TypeGenerationStatus,
		internal_protocol.GenerationStatusData{Phase: "complete"}))

	stored := &internal_entity.StoredImage{
		MeetingID: meetingID,
		SessionID: sessionID,
		Kind:      internal_entity.ImageGenerated,
		Prompt:    img.Prompt,
		Data:      img.Data,
		Timestamp: now,
	}
	if err := o.deps.Store.SaveImage(ctx, stored); err != nil {
		o.deps.Logger.Errorf("image persist failed: %v", err)
	}
}

// ============================================================================
// Teardown
// ============================================================================

// teardown runs exactly once, when the socket dies for any reason. The
// recording lock is released no matter how the close happened so an abrupt
// disconnect can never wedge future recordings.
func (o *Orchestrator) teardown(ctx context.Context, cause error) {
	o.ticker.Stop()
	close(o.tickerStop)

	if o.leg != nil {
		o.leg.Stop()
		o.leg = nil
	}
	if o.pendingAudio != nil {
		o.pendingAudio.Clear()
		o.pendingAudio = nil
	}

	o.deps.Locks.ReleaseAllFor(o.sessionID)

	if o.recording {
		if err := o.deps.Store.EndSession(ctx, o.sessionID); err != nil {
			o.deps.Logger.Errorf("session end on close failed: %v", err)
		}
	}
	if o.meeting != nil {
		o.deps.Hub.Leave(o.meeting.ID, o)
	}
	_ = o.conn.Close()

	o.deps.Logger.Infof("connection closed: sessionId=%s, cause=%v", o.sessionID, cause)
}

// legListener adapts transcriber callbacks into loop events. Callbacks run on
// the provider's goroutine, so they only post.
type legListener struct {
	o *Orchestrator
}

func (l *legListener) OnSegment(seg internal_transcriber.Segment) {
	l.o.post(srvEvent{kind: evSegment, segment: seg})
}

func (l *legListener) OnUtteranceEnd(at time.Time) {
	l.o.post(srvEvent{kind: evUtteranceEnd, at: at})
}

func (l *legListener) OnState(state internal_transcriber.State, retry int, message string) {
	l.o.post(srvEvent{kind: evSTTState, state: state, retry: retry, message: message})
}
