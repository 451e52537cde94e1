// Copyright (c) 2024-2026 ScribeAI
// Author: ScribeAI Engineering <eng@scribeai.dev>
//
// Licensed under GPL-2.0 with ScribeAI Additional Terms.
// See LICENSE.md or contact sales@scribeai.dev for commercial usage.
package internal_compaction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	internal_entity "github.com/scribeai/api/meeting-api/internal/entity"
	internal_store "github.com/scribeai/api/meeting-api/internal/store"
	"github.com/scribeai/pkg/commons"
)

// Config bounds the hierarchical context and gates compaction.
type Config struct {
	// RecentAnalysesCount / RecentImagesCount bound Tier 1 by recency.
	RecentAnalysesCount int
	RecentImagesCount   int
	// SessionThreshold is the minimum number of analyses accumulated since
	// the last compaction cursor before a new meta-summary may be cut.
	SessionThreshold int
	// Interval is the minimum elapsed time since the last meta-summary's end
	// before another compaction fires.
	Interval time.Duration
}

// LoadedImage is a lazily-loaded Tier-1 image payload.
type LoadedImage struct {
	ID        string
	Prompt    string
	Data      []byte
	Timestamp time.Time
}

// ShortTermContext is Tier 1: raw recent records.
type ShortTermContext struct {
	Transcript     string
	RecentAnalyses []internal_entity.AnalysisRecord
	RecentImages   []LoadedImage
	CameraFrames   []LoadedImage
}

// HierarchicalContext is the bounded analysis input: Tier 1 recent raw
// material, Tier 2 compacted meta-summaries, Tier 3 deduplicated themes.
// Its size stays bounded no matter how long the meeting runs.
type HierarchicalContext struct {
	ShortTerm  ShortTermContext
	MediumTerm []internal_entity.MetaSummary
	LongTerm   []string
}

// Synthesizer condenses a run of analyses into one meta-summary body.
// Implemented by the analyzer package on the LLM provider.
type Synthesizer interface {
	Synthesize(ctx context.Context, analyses []internal_entity.AnalysisRecord) (summary []string, themes []string, err error)
}

// Engine builds hierarchical contexts and cuts meta-summaries.
type Engine struct {
	logger commons.Logger
	store  internal_store.Store
	cfg    Config
}

// NewEngine creates a compaction engine over the persistence layer.
func NewEngine(store internal_store.Store, cfg Config, logger commons.Logger) *Engine {
	return &Engine{
		logger: logger,
		store:  store,
		cfg:    cfg,
	}
}

// BuildContext assembles the three tiers for one analysis pass.
//
// Tier-1 image payloads are loaded concurrently and independently: a failed
// load drops that image from the tier instead of failing the whole build.
func (e *Engine) BuildContext(ctx context.Context, meetingID, sessionID, transcript string) (*HierarchicalContext, error) {
	analyses, err := e.store.RecentAnalyses(ctx, meetingID, e.cfg.RecentAnalysesCount)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent analyses: %w", err)
	}

	summaries, err := e.store.ListMetaSummaries(ctx, meetingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load meta summaries: %w", err)
	}

	images, err := e.store.RecentImages(ctx, meetingID, e.cfg.RecentImagesCount)
	if err != nil {
		e.logger.Warnf("failed to list recent images for meeting %s: %v", meetingID, err)
		images = nil
	}

	frames, err := e.store.SessionFrames(ctx, sessionID)
	if err != nil {
		e.logger.Warnf("failed to list camera frames for session %s: %v", sessionID, err)
		frames = nil
	}

	hc := &HierarchicalContext{
		ShortTerm: ShortTermContext{
			Transcript:     transcript,
			RecentAnalyses: analyses,
			RecentImages:   e.loadImages(ctx, images),
			CameraFrames:   e.loadImages(ctx, frames),
		},
		MediumTerm: summaries,
		LongTerm:   ExtractThemes(summaries),
	}
	return hc, nil
}

// loadImages resolves image payloads in parallel, tolerating per-image
// failures.
func (e *Engine) loadImages(ctx context.Context, records []internal_entity.StoredImage) []LoadedImage {
	if len(records) == 0 {
		return nil
	}

	loaded := make([]*LoadedImage, len(records))
	g, gCtx := errgroup.WithContext(ctx)
	for i, rec := range records {
		i, rec := i, rec
		g.Go(func() error {
			img, err := e.store.GetImage(gCtx, rec.ID)
			if err != nil {
				e.logger.Warnf("skipping unloadable image %s: %v", rec.ID, err)
				return nil
			}
			loaded[i] = &LoadedImage{
				ID:        img.ID,
				Prompt:    img.Prompt,
				Data:      img.Data,
				Timestamp: img.Timestamp,
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]LoadedImage, 0, len(loaded))
	for _, img := range loaded {
		if img != nil {
			out = append(out, *img)
		}
	}
	return out
}

// ExtractThemes produces Tier 3: the unique, trimmed, non-empty theme strings
// of every meta-summary, in order of first appearance. Corrupted or blank
// entries are silently dropped.
func ExtractThemes(summaries []internal_entity.MetaSummary) []string {
	seen := make(map[string]struct{})
	var themes []string
	for _, ms := range summaries {
		for _, theme := range ms.Themes {
			trimmed := strings.TrimSpace(theme)
			if trimmed == "" {
				continue
			}
			if _, ok := seen[trimmed]; ok {
				continue
			}
			seen[trimmed] = struct{}{}
			themes = append(themes, trimmed)
		}
	}
	return themes
}

// ShouldCompact implements the two-part compaction gate. analysesSinceCursor
// counts analyses recorded after the later of meeting start and the last
// meta-summary's end; lastSummaryEnd is zero when no summary exists yet.
//
// The threshold part suppresses compaction during bursts until enough
// material accumulates; the interval part spaces summaries out once one
// exists. Together they guarantee compaction eventually fires on a
// slow-moving meeting without firing on every analysis.
func ShouldCompact(analysesSinceCursor int64, lastSummaryEnd time.Time, now time.Time, cfg Config) bool {
	if analysesSinceCursor < int64(cfg.SessionThreshold) {
		return false
	}
	if lastSummaryEnd.IsZero() {
		return true
	}
	return now.Sub(lastSummaryEnd) > cfg.Interval
}

// MaybeCompact checks the gate for the meeting and, when it fires, cuts one
// immutable meta-summary from the analyses recorded strictly after the
// previous summary's end. History is never rewritten: intervals are
// half-open, non-overlapping and monotonically increasing.
func (e *Engine) MaybeCompact(ctx context.Context, meetingID string, meetingStart time.Time, synth Synthesizer) (*internal_entity.MetaSummary, error) {
	last, err := e.store.LastMetaSummary(ctx, meetingID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve compaction cursor: %w", err)
	}

	cursor := meetingStart
	var lastEnd time.Time
	if last != nil {
		cursor = last.EndTime
		lastEnd = last.EndTime
	}

	count, err := e.store.CountAnalysesAfter(ctx, meetingID, cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to count analyses since cursor: %w", err)
	}

	if !ShouldCompact(count, lastEnd, time.Now(), e.cfg) {
		return nil, nil
	}

	analyses, err := e.store.AnalysesAfter(ctx, meetingID, cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to load analyses for compaction: %w", err)
	}
	if len(analyses) == 0 {
		return nil, nil
	}

	summary, themes, err := synth.Synthesize(ctx, analyses)
	if err != nil {
		return nil, fmt.Errorf("meta summary synthesis failed: %w", err)
	}

	// Half-open interval over the analysis timestamps it compacts. EndTime is
	// nudged past the last analysis so the next cursor excludes it.
	ms := &internal_entity.MetaSummary{
		MeetingID: meetingID,
		StartTime: analyses[0].Timestamp,
		EndTime:   analyses[len(analyses)-1].Timestamp.Add(time.Millisecond),
		Summary:   summary,
		Themes:    themes,
	}
	if err := e.store.AppendMetaSummary(ctx, ms); err != nil {
		return nil, fmt.Errorf("failed to persist meta summary: %w", err)
	}
	return ms, nil
}
