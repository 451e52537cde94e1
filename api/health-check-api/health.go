// Copyright (c) 2024-2026 ScribeAI
// Author: ScribeAI Engineering <eng@scribeai.dev>
//
// Licensed under GPL-2.0 with ScribeAI Additional Terms.
// See LICENSE.md or contact sales@scribeai.dev for commercial usage.
package health_check_api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/scribeai/config"
	"github.com/scribeai/pkg/commons"
	"github.com/scribeai/pkg/connectors"
)

// HealthCheckApi answers liveness and readiness probes.
type HealthCheckApi struct {
	cfg      *config.AppConfig
	logger   commons.Logger
	postgres connectors.PostgresConnector
}

func New(cfg *config.AppConfig, logger commons.Logger, postgres connectors.PostgresConnector) *HealthCheckApi {
	return &HealthCheckApi{
		cfg:      cfg,
		logger:   logger,
		postgres: postgres,
	}
}

// Healthz reports process liveness only.
func (hApi *HealthCheckApi) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": hApi.cfg.Name,
		"version": hApi.cfg.Version,
	})
}

// Readiness additionally verifies the database is reachable.
func (hApi *HealthCheckApi) Readiness(c *gin.Context) {
	db := hApi.postgres.DB(c.Request.Context())
	sqlDB, err := db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		hApi.logger.Errorf("readiness check failed: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
