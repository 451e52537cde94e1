// Copyright (c) 2024-2026 ScribeAI
// Author: ScribeAI Engineering <eng@scribeai.dev>
//
// Licensed under GPL-2.0 with ScribeAI Additional Terms.
// See LICENSE.md or contact sales@scribeai.dev for commercial usage.
package meeting_stream_api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	internal_analyzer "github.com/scribeai/api/meeting-api/internal/analyzer"
	internal_compaction "github.com/scribeai/api/meeting-api/internal/compaction"
	internal_pending "github.com/scribeai/api/meeting-api/internal/pending"
	internal_recordinglock "github.com/scribeai/api/meeting-api/internal/recordinglock"
	internal_session "github.com/scribeai/api/meeting-api/internal/session"
	internal_store "github.com/scribeai/api/meeting-api/internal/store"
	internal_transcriber "github.com/scribeai/api/meeting-api/internal/transcriber"
	"github.com/scribeai/config"
	"github.com/scribeai/pkg/commons"
	"github.com/scribeai/pkg/connectors"
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamApi owns the process-wide session services and spawns one
// orchestrator per accepted websocket.
type StreamApi struct {
	cfg    *config.AppConfig
	logger commons.Logger

	deps    internal_session.Deps
	sessCfg internal_session.Config
}

func NewStreamApi(cfg *config.AppConfig, logger commons.Logger, postgres connectors.PostgresConnector) *StreamApi {
	store := internal_store.NewStore(postgres, logger)
	compactor := internal_compaction.NewEngine(store, internal_compaction.Config{
		RecentAnalysesCount: cfg.Recency.RecentAnalysesCount,
		RecentImagesCount:   cfg.Recency.RecentImagesCount,
		SessionThreshold:    cfg.MetaSummary.SessionThreshold,
		Interval:            time.Duration(cfg.MetaSummary.IntervalMs) * time.Millisecond,
	}, logger)

	return &StreamApi{
		cfg:    cfg,
		logger: logger,
		deps: internal_session.Deps{
			Logger:       logger,
			Store:        store,
			Locks:        internal_recordinglock.NewManager(logger),
			Hub:          internal_session.NewHub(logger),
			Transcribers: internal_transcriber.NewDeepgramFactory(cfg.DeepgramApiKey, logger),
			Analyzer:     internal_analyzer.NewOpenAIAnalyzer(cfg.OpenaiApiKey, logger),
			ImagePresets: internal_analyzer.NewPresets(cfg.OpenaiApiKey, cfg.ReplicateApiKey, logger),
			Compactor:    compactor,
		},
		sessCfg: internal_session.Config{
			PendingLimits: internal_pending.Limits{
				MaxChunks: cfg.PendingAudio.MaxChunks,
				MaxBytes:  cfg.PendingAudio.MaxBytes,
			},
			AnalysisInterval:   time.Duration(cfg.AnalysisIntervalMs) * time.Millisecond,
			MaxAudioFrameBytes: cfg.MaxAudioFrameBytes,
			DefaultImagePreset: cfg.ImageModelPreset,
		},
	}
}

// Connect upgrades the request and hands the socket to an orchestrator for
// the lifetime of the connection.
//
// @Router /v1/meeting/stream [get]
// @Summary Open the duplex meeting channel
// @Description Control messages travel as JSON text frames, audio as binary frames
// @Success 101 "Switching Protocols"
// @Failure 400 {object} gin.H
func (sApi *StreamApi) Connect(c *gin.Context) {
	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sApi.logger.Errorf("websocket upgrade failed: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unable to upgrade to WebSocket"})
		return
	}

	orch := internal_session.NewOrchestrator(conn, sApi.deps, sApi.sessCfg)
	sApi.logger.Infof("stream connected: sessionId=%s, remote=%s", orch.SessionID(), c.Request.RemoteAddr)

	// The request context dies with this handler; downstream provider calls
	// outlive individual frames, so the loop runs on its own context for the
	// lifetime of the socket.
	orch.Run(context.Background())
}
