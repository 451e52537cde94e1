// Copyright (c) 2024-2026 ScribeAI
// Author: ScribeAI Engineering <eng@scribeai.dev>
//
// Licensed under GPL-2.0 with ScribeAI Additional Terms.
// See LICENSE.md or contact sales@scribeai.dev for commercial usage.
package internal_store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	internal_entity "github.com/scribeai/api/meeting-api/internal/entity"
	"github.com/scribeai/pkg/commons"
	"github.com/scribeai/pkg/connectors"
)

// ErrMeetingNotFound is returned when a meeting id does not resolve.
var ErrMeetingNotFound = errors.New("meeting not found")

// Store provides persistence for meetings, sessions, transcripts, analyses,
// meta-summaries, speaker aliases and images.
//
// Writes from the live path are best-effort: a failed insert is logged by the
// caller and never blocks delivery of already-computed results to viewers.
// Transcript fragments are persisted at-least-once; idempotency lives in the
// append-only, timestamp-ordered read side.
type Store interface {
	// StartMeeting resolves meeting:start. An empty id creates a new meeting;
	// a known id is a rejoin (reconnect replay must not create duplicates).
	// Returns the meeting and whether it was created.
	StartMeeting(ctx context.Context, meetingID, title string) (*internal_entity.Meeting, bool, error)
	GetMeeting(ctx context.Context, meetingID string) (*internal_entity.Meeting, error)
	EndMeeting(ctx context.Context, meetingID string) error
	UpdateMeetingTitle(ctx context.Context, meetingID, title string) error
	ListRecentMeetings(ctx context.Context, limit int) ([]internal_entity.Meeting, error)

	// UpsertSession creates or resets a session row. Session ids are
	// client-generated so a browser reload reuses the same id; the upsert
	// resets status to idle and clears ended_at.
	UpsertSession(ctx context.Context, sessionID, meetingID string) (*internal_entity.Session, error)
	SetSessionStatus(ctx context.Context, sessionID, status string) error
	EndSession(ctx context.Context, sessionID string) error

	AppendSegment(ctx context.Context, seg *internal_entity.TranscriptSegment) error
	// MarkUtteranceEnd sets is_utterance_end on the most recent final segment
	// of the session. The speech engine signals end-of-utterance after the
	// segment was already emitted, so this is a retroactive flag, never an
	// insert.
	MarkUtteranceEnd(ctx context.Context, sessionID string) error
	// ListSegments pages final segments in (timestamp, id) order. The cursor
	// is the (after, afterID) pair of the previous page's last row; the id
	// tiebreak keeps segments sharing the boundary timestamp from being
	// skipped.
	ListSegments(ctx context.Context, meetingID string, after time.Time, afterID uint64, limit int) ([]internal_entity.TranscriptSegment, error)

	AppendAnalysis(ctx context.Context, rec *internal_entity.AnalysisRecord) error
	RecentAnalyses(ctx context.Context, meetingID string, limit int) ([]internal_entity.AnalysisRecord, error)
	CountAnalysesAfter(ctx context.Context, meetingID string, t time.Time) (int64, error)
	AnalysesAfter(ctx context.Context, meetingID string, t time.Time) ([]internal_entity.AnalysisRecord, error)

	AppendMetaSummary(ctx context.Context, ms *internal_entity.MetaSummary) error
	ListMetaSummaries(ctx context.Context, meetingID string) ([]internal_entity.MetaSummary, error)
	LastMetaSummary(ctx context.Context, meetingID string) (*internal_entity.MetaSummary, error)

	UpsertSpeakerAlias(ctx context.Context, meetingID string, speaker int, displayName string) error
	ListSpeakerAliases(ctx context.Context, meetingID string) ([]internal_entity.SpeakerAlias, error)

	SaveImage(ctx context.Context, img *internal_entity.StoredImage) error
	GetImage(ctx context.Context, imageID string) (*internal_entity.StoredImage, error)
	// RecentImages returns the newest generated images, capped by the query
	// itself (LIMIT N) so I/O stays bounded on very long meetings.
	RecentImages(ctx context.Context, meetingID string, limit int) ([]internal_entity.StoredImage, error)
	SessionFrames(ctx context.Context, sessionID string) ([]internal_entity.StoredImage, error)
}

type gormStore struct {
	postgres connectors.PostgresConnector
	logger   commons.Logger
}

// NewStore creates a gorm-backed Store.
func NewStore(postgres connectors.PostgresConnector, logger commons.Logger) Store {
	return &gormStore{
		postgres: postgres,
		logger:   logger,
	}
}

// ============================================================================
// Meetings
// ============================================================================

func (s *gormStore) StartMeeting(ctx context.Context, meetingID, title string) (*internal_entity.Meeting, bool, error) {
	db := s.postgres.DB(ctx)

	if meetingID != "" {
		var existing internal_entity.Meeting
		err := db.Where("id = ?", meetingID).First(&existing).Error
		if err == nil {
			s.logger.Debugf("rejoined meeting: meetingId=%s", meetingID)
			return &existing, false, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, fmt.Errorf("failed to resolve meeting %s: %w", meetingID, err)
		}
	}

	meeting := &internal_entity.Meeting{
		ID:    meetingID,
		Title: title,
	}
	if err := db.Create(meeting).Error; err != nil {
		return nil, false, fmt.Errorf("failed to create meeting: %w", err)
	}

	s.logger.Infof("created meeting: meetingId=%s, title=%q", meeting.ID, title)
	return meeting, true, nil
}

func (s *gormStore) GetMeeting(ctx context.Context, meetingID string) (*internal_entity.Meeting, error) {
	db := s.postgres.DB(ctx)
	var meeting internal_entity.Meeting
	if err := db.Where("id = ?", meetingID).First(&meeting).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMeetingNotFound
		}
		return nil, fmt.Errorf("failed to fetch meeting %s: %w", meetingID, err)
	}
	return &meeting, nil
}

func (s *gormStore) EndMeeting(ctx context.Context, meetingID string) error {
	db := s.postgres.DB(ctx)
	result := db.Model(&internal_entity.Meeting{}).
		Where("id = ? AND ended_at IS NULL", meetingID).
		Update("ended_at", time.Now())
	if result.Error != nil {
		return fmt.Errorf("failed to end meeting %s: %w", meetingID, result.Error)
	}
	s.logger.Infof("ended meeting: meetingId=%s", meetingID)
	return nil
}

func (s *gormStore) UpdateMeetingTitle(ctx context.Context, meetingID, title string) error {
	db := s.postgres.DB(ctx)
	result := db.Model(&internal_entity.Meeting{}).
		Where("id = ?", meetingID).
		Update("title", title)
	if result.Error != nil {
		return fmt.Errorf("failed to update meeting title %s: %w", meetingID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrMeetingNotFound
	}
	return nil
}

func (s *gormStore) ListRecentMeetings(ctx context.Context, limit int) ([]internal_entity.Meeting, error) {
	db := s.postgres.DB(ctx)
	var meetings []internal_entity.Meeting
	if err := db.Order("started_at DESC").Limit(limit).Find(&meetings).Error; err != nil {
		return nil, fmt.Errorf("failed to list meetings: %w", err)
	}
	return meetings, nil
}

// ============================================================================
// Sessions
// ============================================================================

func (s *gormStore) UpsertSession(ctx context.Context, sessionID, meetingID string) (*internal_entity.Session, error) {
	db := s.postgres.DB(ctx)
	session := &internal_entity.Session{
		ID:        sessionID,
		MeetingID: meetingID,
		Status:    internal_entity.SessionIdle,
		StartedAt: time.Now(),
	}
	err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"meeting_id": meetingID,
			"status":     internal_entity.SessionIdle,
			"started_at": session.StartedAt,
			"ended_at":   nil,
		}),
	}).Create(session).Error
	if err != nil {
		return nil, fmt.Errorf("failed to upsert session %s: %w", sessionID, err)
	}

	s.logger.Debugf("upserted session: sessionId=%s, meetingId=%s", sessionID, meetingID)
	return session, nil
}

func (s *gormStore) SetSessionStatus(ctx context.Context, sessionID, status string) error {
	db := s.postgres.DB(ctx)
	result := db.Model(&internal_entity.Session{}).
		Where("id = ?", sessionID).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("failed to set session %s status=%s: %w", sessionID, status, result.Error)
	}
	return nil
}

func (s *gormStore) EndSession(ctx context.Context, sessionID string) error {
	db := s.postgres.DB(ctx)
	result := db.Model(&internal_entity.Session{}).
		Where("id = ?", sessionID).
		Updates(map[string]interface{}{
			"status":   internal_entity.SessionIdle,
			"ended_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to end session %s: %w", sessionID, result.Error)
	}
	return nil
}

// ============================================================================
// Transcript segments
// ============================================================================

func (s *gormStore) AppendSegment(ctx context.Context, seg *internal_entity.TranscriptSegment) error {
	db := s.postgres.DB(ctx)
	if seg.Timestamp.IsZero() {
		seg.Timestamp = time.Now()
	}
	if err := db.Create(seg).Error; err != nil {
		return fmt.Errorf("failed to append transcript segment: %w", err)
	}
	return nil
}

func (s *gormStore) MarkUtteranceEnd(ctx context.Context, sessionID string) error {
	db := s.postgres.DB(ctx)

	var last internal_entity.TranscriptSegment
	err := db.Where("session_id = ? AND is_final = ?", sessionID, true).
		Order("timestamp DESC, id DESC").
		First(&last).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Nothing final yet; the utterance-end signal raced the segment.
			return nil
		}
		return fmt.Errorf("failed to find last final segment for session %s: %w", sessionID, err)
	}

	result := db.Model(&internal_entity.TranscriptSegment{}).
		Where("id = ?", last.ID).
		Update("is_utterance_end", true)
	if result.Error != nil {
		return fmt.Errorf("failed to mark utterance end on segment %d: %w", last.ID, result.Error)
	}
	return nil
}

func (s *gormStore) ListSegments(ctx context.Context, meetingID string, after time.Time, afterID uint64, limit int) ([]internal_entity.TranscriptSegment, error) {
	db := s.postgres.DB(ctx)
	var segments []internal_entity.TranscriptSegment
	q := db.Where("meeting_id = ? AND is_final = ?", meetingID, true)
	if !after.IsZero() {
		q = q.Where("timestamp > ? OR (timestamp = ? AND id > ?)", after, after, afterID)
	}
	if err := q.Order("timestamp ASC, id ASC").Limit(limit).Find(&segments).Error; err != nil {
		return nil, fmt.Errorf("failed to list segments for meeting %s: %w", meetingID, err)
	}
	return segments, nil
}

// ============================================================================
// Analyses
// ============================================================================

func (s *gormStore) AppendAnalysis(ctx context.Context, rec *internal_entity.AnalysisRecord) error {
	db := s.postgres.DB(ctx)
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if err := db.Create(rec).Error; err != nil {
		return fmt.Errorf("failed to append analysis: %w", err)
	}
	return nil
}

// RecentAnalyses fetches the newest N rows with LIMIT pushed into the query,
// then reverses so callers see timestamp-ascending order.
func (s *gormStore) RecentAnalyses(ctx context.Context, meetingID string, limit int) ([]internal_entity.AnalysisRecord, error) {
	db := s.postgres.DB(ctx)
	var records []internal_entity.AnalysisRecord
	err := db.Where("meeting_id = ?", meetingID).
		Order("timestamp DESC, id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recent analyses for meeting %s: %w", meetingID, err)
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

func (s *gormStore) CountAnalysesAfter(ctx context.Context, meetingID string, t time.Time) (int64, error) {
	db := s.postgres.DB(ctx)
	var count int64
	err := db.Model(&internal_entity.AnalysisRecord{}).
		Where("meeting_id = ? AND timestamp > ?", meetingID, t).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count analyses for meeting %s: %w", meetingID, err)
	}
	return count, nil
}

func (s *gormStore) AnalysesAfter(ctx context.Context, meetingID string, t time.Time) ([]internal_entity.AnalysisRecord, error) {
	db := s.postgres.DB(ctx)
	var records []internal_entity.AnalysisRecord
	err := db.Where("meeting_id = ? AND timestamp > ?", meetingID, t).
		Order("timestamp ASC, id ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch analyses after %s for meeting %s: %w", t, meetingID, err)
	}
	return records, nil
}

// ============================================================================
// Meta-summaries
// ============================================================================

func (s *gormStore) AppendMetaSummary(ctx context.Context, ms *internal_entity.MetaSummary) error {
	db := s.postgres.DB(ctx)
	if err := db.Create(ms).Error; err != nil {
		return fmt.Errorf("failed to append meta summary: %w", err)
	}
	s.logger.Infof("compacted meta summary: meetingId=%s, window=[%s, %s)",
		ms.MeetingID, ms.StartTime.Format(time.RFC3339), ms.EndTime.Format(time.RFC3339))
	return nil
}

func (s *gormStore) ListMetaSummaries(ctx context.Context, meetingID string) ([]internal_entity.MetaSummary, error) {
	db := s.postgres.DB(ctx)
	var summaries []internal_entity.MetaSummary
	err := db.Where("meeting_id = ?", meetingID).
		Order("start_time ASC").
		Find(&summaries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list meta summaries for meeting %s: %w", meetingID, err)
	}
	return summaries, nil
}

func (s *gormStore) LastMetaSummary(ctx context.Context, meetingID string) (*internal_entity.MetaSummary, error) {
	db := s.postgres.DB(ctx)
	var ms internal_entity.MetaSummary
	err := db.Where("meeting_id = ?", meetingID).
		Order("end_time DESC").
		First(&ms).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch last meta summary for meeting %s: %w", meetingID, err)
	}
	return &ms, nil
}

// ============================================================================
// Speaker aliases
// ============================================================================

func (s *gormStore) UpsertSpeakerAlias(ctx context.Context, meetingID string, speaker int, displayName string) error {
	db := s.postgres.DB(ctx)
	alias := &internal_entity.SpeakerAlias{
		MeetingID:   meetingID,
		Speaker:     speaker,
		DisplayName: displayName,
		UpdatedAt:   time.Now(),
	}
	err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "meeting_id"}, {Name: "speaker"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"display_name": displayName,
			"updated_at":   alias.UpdatedAt,
		}),
	}).Create(alias).Error
	if err != nil {
		return fmt.Errorf("failed to upsert speaker alias meeting=%s speaker=%d: %w", meetingID, speaker, err)
	}
	return nil
}

func (s *gormStore) ListSpeakerAliases(ctx context.Context, meetingID string) ([]internal_entity.SpeakerAlias, error) {
	db := s.postgres.DB(ctx)
	var aliases []internal_entity.SpeakerAlias
	err := db.Where("meeting_id = ?", meetingID).
		Order("speaker ASC").
		Find(&aliases).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list speaker aliases for meeting %s: %w", meetingID, err)
	}
	return aliases, nil
}

// ============================================================================
// Images
// ============================================================================

func (s *gormStore) SaveImage(ctx context.Context, img *internal_entity.StoredImage) error {
	db := s.postgres.DB(ctx)
	if img.ID == "" {
		img.ID = uuid.New().String()
	}
	if img.Timestamp.IsZero() {
		img.Timestamp = time.Now()
	}
	if err := db.Create(img).Error; err != nil {
		return fmt.Errorf("failed to save image: %w", err)
	}
	return nil
}

func (s *gormStore) GetImage(ctx context.Context, imageID string) (*internal_entity.StoredImage, error) {
	db := s.postgres.DB(ctx)
	var img internal_entity.StoredImage
	if err := db.Where("id = ?", imageID).First(&img).Error; err != nil {
		return nil, fmt.Errorf("image not found: %s: %w", imageID, err)
	}
	return &img, nil
}

func (s *gormStore) RecentImages(ctx context.Context, meetingID string, limit int) ([]internal_entity.StoredImage, error) {
	db := s.postgres.DB(ctx)
	var images []internal_entity.StoredImage
	err := db.Where("meeting_id = ? AND kind = ?", meetingID, internal_entity.ImageGenerated).
		Order("timestamp DESC, id DESC").
		Limit(limit).
		Find(&images).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recent images for meeting %s: %w", meetingID, err)
	}
	for i, j := 0, len(images)-1; i < j; i, j = i+1, j-1 {
		images[i], images[j] = images[j], images[i]
	}
	return images, nil
}

func (s *gormStore) SessionFrames(ctx context.Context, sessionID string) ([]internal_entity.StoredImage, error) {
	db := s.postgres.DB(ctx)
	var frames []internal_entity.StoredImage
	err := db.Where("session_id = ? AND kind = ?", sessionID, internal_entity.ImageCamera).
		Order("timestamp ASC").
		Find(&frames).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch camera frames for session %s: %w", sessionID, err)
	}
	return frames, nil
}
