// Copyright (c) 2024-2026 ScribeAI
// Author: ScribeAI Engineering <eng@scribeai.dev>
//
// Licensed under GPL-2.0 with ScribeAI Additional Terms.
// See LICENSE.md or contact sales@scribeai.dev for commercial usage.
package internal_protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MessageType discriminates control frames. Audio travels as raw binary
// websocket frames with no wrapping; everything below is a JSON text frame.
type MessageType string

const (
	// Client -> server
	TypeMeetingStart        MessageType = "meeting:start"
	TypeMeetingStop         MessageType = "meeting:stop"
	TypeMeetingListRequest  MessageType = "meeting:list:request"
	TypeMeetingUpdate       MessageType = "meeting:update"
	TypeSpeakerAliasUpdate  MessageType = "meeting:speaker-alias:update"
	TypeMeetingModeSet      MessageType = "meeting:mode:set"
	TypeHistoryRequest      MessageType = "meeting:history:request"
	TypeSessionStart        MessageType = "session:start"
	TypeSessionStop         MessageType = "session:stop"
	TypeCameraFrame         MessageType = "camera:frame"
	TypeImageModelSet       MessageType = "image:model:set"

	// Server -> client
	TypeSessionStatus    MessageType = "session:status"
	TypeTranscript       MessageType = "transcript"
	TypeAnalysis         MessageType = "analysis"
	TypeImage            MessageType = "image"
	TypeGenerationStatus MessageType = "generation:status"
	TypeUtteranceEnd     MessageType = "utterance:end"
	TypeSTTStatus        MessageType = "stt:status"
	TypeMeetingStatus    MessageType = "meeting:status"
	TypeMeetingList      MessageType = "meeting:list"
	TypeMeetingHistory   MessageType = "meeting:history"
	TypeHistoryDelta     MessageType = "meeting:history:delta"
	TypeSpeakerAlias     MessageType = "meeting:speaker-alias"
	TypeImageModelStatus MessageType = "image:model:status"
	TypeError            MessageType = "error"
)

// Error codes for typed domain errors. Protocol errors carry no code.
const (
	CodeUnknownMeeting    = "unknown_meeting"
	CodeInvalidIdentifier = "invalid_identifier"
	CodeInvalidSpeaker    = "invalid_speaker"
	CodeRecordingConflict = "recording_conflict"
	CodeUnsupportedPreset = "unsupported_preset"
	CodePayloadTooLarge   = "payload_too_large"
)

// Envelope is the wire form of every control message.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ============================================================================
// Client -> server payloads
// ============================================================================

type MeetingStartData struct {
	Title     string `json:"title,omitempty"`
	MeetingID string `json:"meetingId,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

type MeetingUpdateData struct {
	Title string `json:"title"`
}

type SpeakerAliasUpdateData struct {
	Speaker     int    `json:"speaker"`
	DisplayName string `json:"displayName"`
}

type MeetingModeSetData struct {
	Mode string `json:"mode"`
}

type HistoryRequestData struct {
	MeetingID string `json:"meetingId"`
	Cursor    string `json:"cursor,omitempty"`
}

type CameraFrameData struct {
	Base64    string `json:"base64"`
	Timestamp int64  `json:"timestamp"`
}

type ImageModelSetData struct {
	Preset string `json:"preset"`
}

// ============================================================================
// Server -> client payloads
// ============================================================================

type SessionStatusData struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type TranscriptData struct {
	Text      string   `json:"text"`
	IsFinal   bool     `json:"isFinal"`
	Timestamp int64    `json:"timestamp"`
	Speaker   *int     `json:"speaker,omitempty"`
	StartTime *float64 `json:"startTime,omitempty"`
}

type AnalysisData struct {
	Summary []string `json:"summary"`
	Topics  []string `json:"topics"`
	Tags    []string `json:"tags"`
	Flow    int      `json:"flow"`
	Heat    int      `json:"heat"`
}

type ImageData struct {
	Base64    string `json:"base64,omitempty"`
	URL       string `json:"url,omitempty"`
	Prompt    string `json:"prompt"`
	Timestamp int64  `json:"timestamp"`
}

type GenerationStatusData struct {
	Phase        string `json:"phase"`
	RetryAttempt int    `json:"retryAttempt,omitempty"`
}

type UtteranceEndData struct {
	Timestamp int64 `json:"timestamp"`
}

type STTStatusData struct {
	State        string `json:"state"`
	RetryAttempt int    `json:"retryAttempt,omitempty"`
	Message      string `json:"message,omitempty"`
}

type MeetingStatusData struct {
	MeetingID string `json:"meetingId"`
	Title     string `json:"title,omitempty"`
	SessionID string `json:"sessionId"`
	Mode      string `json:"mode"`
}

type MeetingSummary struct {
	ID        string     `json:"id"`
	Title     string     `json:"title,omitempty"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

type MeetingListData struct {
	Meetings []MeetingSummary `json:"meetings"`
}

type HistorySegment struct {
	Text           string   `json:"text"`
	Timestamp      int64    `json:"timestamp"`
	Speaker        *int     `json:"speaker,omitempty"`
	StartTime      *float64 `json:"startTime,omitempty"`
	IsUtteranceEnd bool     `json:"isUtteranceEnd"`
}

type MeetingHistoryData struct {
	MeetingID  string           `json:"meetingId"`
	Segments   []HistorySegment `json:"segments"`
	Analyses   []AnalysisData   `json:"analyses,omitempty"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// EncodeHistoryCursor builds the opaque pagination cursor for history pages.
// It carries the boundary timestamp plus the segment row id as a tiebreak, so
// segments sharing the boundary timestamp are never skipped across pages.
func EncodeHistoryCursor(ts time.Time, id uint64) string {
	return fmt.Sprintf("%s|%d", ts.Format(time.RFC3339Nano), id)
}

// ParseHistoryCursor decodes a cursor produced by EncodeHistoryCursor. A bare
// timestamp without the id part is accepted with a zero tiebreak.
func ParseHistoryCursor(cursor string) (time.Time, uint64, error) {
	tsPart, idPart, hasID := strings.Cut(cursor, "|")
	ts, err := time.Parse(time.RFC3339Nano, tsPart)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("malformed history cursor: %w", err)
	}
	if !hasID {
		return ts, 0, nil
	}
	id, err := strconv.ParseUint(idPart, 10, 64)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("malformed history cursor: %w", err)
	}
	return ts, id, nil
}

type SpeakerAliasData struct {
	SpeakerAliases map[string]string `json:"speakerAliases"`
}

type ImageModelStatusData struct {
	Preset    string `json:"preset"`
	Model     string `json:"model"`
	Available bool   `json:"available"`
}

type ErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// NewFrame marshals a server frame. Marshal failures are programming errors
// on our own types, so the frame degrades to a bare error envelope.
func NewFrame(t MessageType, data interface{}) []byte {
	payload, err := json.Marshal(data)
	if err != nil {
		b, _ := json.Marshal(Envelope{Type: TypeError})
		return b
	}
	b, _ := json.Marshal(Envelope{Type: t, Data: payload})
	return b
}
