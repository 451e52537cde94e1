// Copyright (c) 2024-2026 ScribeAI
// Author: ScribeAI Engineering <eng@scribeai.dev>
//
// Licensed under GPL-2.0 with ScribeAI Additional Terms.
// See LICENSE.md or contact sales@scribeai.dev for commercial usage.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	internal_entity "github.com/scribeai/api/meeting-api/internal/entity"
	meeting_routers "github.com/scribeai/api/meeting-api/router"
	"github.com/scribeai/config"
	"github.com/scribeai/pkg/commons"
	"github.com/scribeai/pkg/connectors"
)

func main() {
	vConfig, err := config.InitConfig()
	if err != nil {
		log.Fatalf("failed to initialize configuration: %v", err)
	}
	cfg, err := config.GetApplicationConfig(vConfig)
	if err != nil {
		log.Fatalf("failed to load application configuration: %v", err)
	}

	logger, err := commons.NewApplicationLogger(
		commons.Name(cfg.Name),
		commons.Path(cfg.LogPath),
		commons.Level(cfg.LogLevel),
	)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}

	postgres, err := connectors.NewPostgresConnector(cfg.PostgresConfig, logger)
	if err != nil {
		logger.Errorf("failed to connect to postgres: %v", err)
		os.Exit(1)
	}
	defer postgres.Close()

	if err := postgres.DB(context.Background()).AutoMigrate(internal_entity.AllEntities()...); err != nil {
		logger.Errorf("failed to run migrations: %v", err)
		os.Exit(1)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	meeting_routers.HealthCheckRoutes(cfg, engine, logger, postgres)
	meeting_routers.MeetingApiRoute(cfg, engine, logger, postgres)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: engine,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Infof("shutting down: signal=%v", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Errorf("server shutdown failed: %v", err)
		}
	}()

	logger.Infof("%s %s listening on %s", cfg.Name, cfg.Version, addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Errorf("server failed: %v", err)
		os.Exit(1)
	}
	logger.Infof("%s stopped", cfg.Name)
}
