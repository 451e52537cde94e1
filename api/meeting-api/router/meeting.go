// Copyright (c) 2024-2026 ScribeAI
// Author: ScribeAI Engineering <eng@scribeai.dev>
//
// Licensed under GPL-2.0 with ScribeAI Additional Terms.
// See LICENSE.md or contact sales@scribeai.dev for commercial usage.
package meeting_routers

import (
	"github.com/gin-gonic/gin"

	meetingStreamApi "github.com/scribeai/api/meeting-api/stream"
	"github.com/scribeai/config"
	"github.com/scribeai/pkg/commons"
	"github.com/scribeai/pkg/connectors"
)

func MeetingApiRoute(
	cfg *config.AppConfig, engine *gin.Engine, logger commons.Logger,
	postgres connectors.PostgresConnector) {
	apiv1 := engine.Group("v1/meeting")
	streamApi := meetingStreamApi.NewStreamApi(cfg, logger, postgres)
	{
		apiv1.GET("/stream", streamApi.Connect)
	}
}
