// Copyright (c) 2024-2026 ScribeAI
// Author: ScribeAI Engineering <eng@scribeai.dev>
//
// Licensed under GPL-2.0 with ScribeAI Additional Terms.
// See LICENSE.md or contact sales@scribeai.dev for commercial usage.
package internal_entity

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Session status constants.
const (
	SessionIdle       = "idle"
	SessionRecording  = "recording"
	SessionProcessing = "processing"
	SessionError      = "error"
)

// Image kinds.
const (
	ImageGenerated = "generated"
	ImageCamera    = "camera"
)

// StringList is a JSON-encoded string slice column. Postgres stores it as
// jsonb, sqlite as text; both round-trip through Value/Scan.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	return json.Marshal(l)
}

func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = StringList{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported StringList column type %T", value)
	}
}

// Meeting is the top-level entity a recording/viewing session belongs to.
// Created on the first meeting:start; the id never changes afterwards.
type Meeting struct {
	ID        string     `json:"id" gorm:"column:id;type:varchar(36);primaryKey"`
	Title     string     `json:"title" gorm:"column:title;type:varchar(500);not null;default:''"`
	Owner     string     `json:"owner" gorm:"column:owner;type:varchar(200);not null;default:''"`
	StartedAt time.Time  `json:"startedAt" gorm:"column:started_at;type:timestamp;not null"`
	EndedAt   *time.Time `json:"endedAt" gorm:"column:ended_at;type:timestamp;default:null"`
	CreatedAt time.Time  `json:"createdAt" gorm:"column:created_at;type:timestamp;not null;<-:create"`
}

func (Meeting) TableName() string {
	return "meetings"
}

func (m *Meeting) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.StartedAt.IsZero() {
		m.StartedAt = time.Now()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	return nil
}

// Session is one continuous recording/connection lifetime within a meeting.
// The id is client-generated so a browser reload reuses it; saving an
// existing id upserts the row and resets its status.
type Session struct {
	ID        string     `json:"id" gorm:"column:id;type:varchar(36);primaryKey"`
	MeetingID string     `json:"meetingId" gorm:"column:meeting_id;type:varchar(36);not null;index"`
	Status    string     `json:"status" gorm:"column:status;type:varchar(20);not null;default:idle"`
	StartedAt time.Time  `json:"startedAt" gorm:"column:started_at;type:timestamp;not null"`
	EndedAt   *time.Time `json:"endedAt" gorm:"column:ended_at;type:timestamp;default:null"`
}

func (Session) TableName() string {
	return "sessions"
}

// TranscriptSegment is a transcription fragment. Final segments are immutable
// once persisted, except is_utterance_end which the speech engine sets on the
// most recent final segment after the fact.
type TranscriptSegment struct {
	ID             uint64    `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	MeetingID      string    `json:"meetingId" gorm:"column:meeting_id;type:varchar(36);not null;index"`
	SessionID      string    `json:"sessionId" gorm:"column:session_id;type:varchar(36);not null;index"`
	Text           string    `json:"text" gorm:"column:text;type:text;not null"`
	Timestamp      time.Time `json:"timestamp" gorm:"column:timestamp;type:timestamp;not null;index"`
	IsFinal        bool      `json:"isFinal" gorm:"column:is_final;not null;default:false"`
	Speaker        *int      `json:"speaker,omitempty" gorm:"column:speaker;type:int;default:null"`
	StartTime      *float64  `json:"startTime,omitempty" gorm:"column:start_time;type:double precision;default:null"`
	IsUtteranceEnd bool      `json:"isUtteranceEnd" gorm:"column:is_utterance_end;not null;default:false"`
}

func (TranscriptSegment) TableName() string {
	return "transcript_segments"
}

// AnalysisRecord is one analysis pass over the live transcript. Append-only
// per session.
type AnalysisRecord struct {
	ID          uint64     `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	MeetingID   string     `json:"meetingId" gorm:"column:meeting_id;type:varchar(36);not null;index"`
	SessionID   string     `json:"sessionId" gorm:"column:session_id;type:varchar(36);not null;index"`
	Summary     StringList `json:"summary" gorm:"column:summary;type:jsonb;not null"`
	Topics      StringList `json:"topics" gorm:"column:topics;type:jsonb;not null"`
	Tags        StringList `json:"tags" gorm:"column:tags;type:jsonb;not null"`
	Flow        int        `json:"flow" gorm:"column:flow;type:int;not null;default:50"`
	Heat        int        `json:"heat" gorm:"column:heat;type:int;not null;default:50"`
	ImagePrompt string     `json:"imagePrompt" gorm:"column:image_prompt;type:text;not null;default:''"`
	Timestamp   time.Time  `json:"timestamp" gorm:"column:timestamp;type:timestamp;not null;index"`
}

func (AnalysisRecord) TableName() string {
	return "analysis_records"
}

// MetaSummary compacts a half-open interval [StartTime, EndTime) of analysis
// timestamps into a short synthesized summary. Append-only and never mutated;
// intervals per meeting are non-overlapping and increase monotonically.
type MetaSummary struct {
	ID        string     `json:"id" gorm:"column:id;type:varchar(36);primaryKey"`
	MeetingID string     `json:"meetingId" gorm:"column:meeting_id;type:varchar(36);not null;index"`
	StartTime time.Time  `json:"startTime" gorm:"column:start_time;type:timestamp;not null"`
	EndTime   time.Time  `json:"endTime" gorm:"column:end_time;type:timestamp;not null"`
	Summary   StringList `json:"summary" gorm:"column:summary;type:jsonb;not null"`
	Themes    StringList `json:"themes" gorm:"column:themes;type:jsonb;not null"`
	ImageID   *string    `json:"imageId,omitempty" gorm:"column:image_id;type:varchar(36);default:null"`
	CreatedAt time.Time  `json:"createdAt" gorm:"column:created_at;type:timestamp;not null;<-:create"`
}

func (MetaSummary) TableName() string {
	return "meta_summaries"
}

func (m *MetaSummary) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	return nil
}

// SpeakerAlias maps a diarized speaker index to a display name. Upsertable,
// unique per (meeting, speaker).
type SpeakerAlias struct {
	ID          uint64    `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	MeetingID   string    `json:"meetingId" gorm:"column:meeting_id;type:varchar(36);not null;uniqueIndex:idx_meeting_speaker"`
	Speaker     int       `json:"speaker" gorm:"column:speaker;type:int;not null;uniqueIndex:idx_meeting_speaker"`
	DisplayName string    `json:"displayName" gorm:"column:display_name;type:varchar(200);not null"`
	UpdatedAt   time.Time `json:"updatedAt" gorm:"column:updated_at;type:timestamp;not null"`
}

func (SpeakerAlias) TableName() string {
	return "speaker_aliases"
}

// StoredImage is a generated visual summary or a captured camera frame.
type StoredImage struct {
	ID        string    `json:"id" gorm:"column:id;type:varchar(36);primaryKey"`
	MeetingID string    `json:"meetingId" gorm:"column:meeting_id;type:varchar(36);not null;index"`
	SessionID string    `json:"sessionId" gorm:"column:session_id;type:varchar(36);not null;index"`
	Kind      string    `json:"kind" gorm:"column:kind;type:varchar(20);not null"`
	Prompt    string    `json:"prompt" gorm:"column:prompt;type:text;not null;default:''"`
	Data      []byte    `json:"-" gorm:"column:data;type:bytea"`
	Timestamp time.Time `json:"timestamp" gorm:"column:timestamp;type:timestamp;not null;index"`
}

func (StoredImage) TableName() string {
	return "stored_images"
}

func (i *StoredImage) BeforeCreate(tx *gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.New().String()
	}
	return nil
}

// AllEntities lists every model for migration.
func AllEntities() []interface{} {
	return []interface{}{
		&Meeting{},
		&Session{},
		&TranscriptSegment{},
		&AnalysisRecord{},
		&MetaSummary{},
		&SpeakerAlias{},
		&StoredImage{},
	}
}
