// Copyright (c) 2024-2026 ScribeAI
// Author: ScribeAI Engineering <eng@scribeai.dev>
//
// Licensed under GPL-2.0 with ScribeAI Additional Terms.
// See LICENSE.md or contact sales@scribeai.dev for commercial usage.
package config

import (
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/scribeai/pkg/connectors"
)

// ReconnectConfig drives the client-side connection lifecycle.
type ReconnectConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	ConnectTimeoutMs int     `mapstructure:"connect_timeout_ms" validate:"gt=0"`
	InitialBackoffMs int     `mapstructure:"initial_backoff_ms" validate:"gt=0"`
	MaxBackoffMs     int     `mapstructure:"max_backoff_ms" validate:"gt=0"`
	JitterRatio      float64 `mapstructure:"jitter_ratio" validate:"gte=0,lte=1"`
}

// PendingAudioConfig caps the pre-transcription audio buffer.
type PendingAudioConfig struct {
	MaxChunks int `mapstructure:"max_chunks" validate:"gt=0"`
	MaxBytes  int `mapstructure:"max_bytes" validate:"gt=0"`
}

// MetaSummaryConfig gates context compaction.
type MetaSummaryConfig struct {
	SessionThreshold int `mapstructure:"session_threshold" validate:"gt=0"`
	IntervalMs       int `mapstructure:"interval_ms" validate:"gt=0"`
}

// RecencyConfig bounds the short-term context tier.
type RecencyConfig struct {
	RecentAnalysesCount int `mapstructure:"recent_analyses_count" validate:"gt=0"`
	RecentImagesCount   int `mapstructure:"recent_images_count" validate:"gt=0"`
}

// AppConfig is the full application configuration.
type AppConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Version  string `mapstructure:"version" validate:"required"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`
	LogPath  string `mapstructure:"log_path"`

	PostgresConfig connectors.PostgresConfig `mapstructure:"postgres" validate:"required"`

	Reconnect    ReconnectConfig    `mapstructure:"reconnect" validate:"required"`
	PendingAudio PendingAudioConfig `mapstructure:"pending_audio" validate:"required"`
	MetaSummary  MetaSummaryConfig  `mapstructure:"meta_summary" validate:"required"`
	Recency      RecencyConfig      `mapstructure:"recency" validate:"required"`

	// AnalysisIntervalMs is how often the orchestrator checks whether the
	// transcript has grown enough to run another analysis pass.
	AnalysisIntervalMs int `mapstructure:"analysis_interval_ms" validate:"gt=0"`

	// MaxAudioFrameBytes rejects oversized binary frames outright.
	MaxAudioFrameBytes int `mapstructure:"max_audio_frame_bytes" validate:"gt=0"`

	DeepgramApiKey   string `mapstructure:"deepgram_api_key"`
	OpenaiApiKey     string `mapstructure:"openai_api_key"`
	ReplicateApiKey  string `mapstructure:"replicate_api_key"`
	ImageModelPreset string `mapstructure:"image_model_preset"`
}

// InitConfig reads .env style configuration, falling back to env variables.
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	path := os.Getenv("ENV_PATH")
	if path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("Reading from env variables.")
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	v.SetDefault("SERVICE_NAME", "meeting-api")
	v.SetDefault("VERSION", "0.0.1")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 9090)
	v.SetDefault("LOG_LEVEL", "debug")
	v.SetDefault("LOG_PATH", "")

	v.SetDefault("POSTGRES__HOST", "localhost")
	v.SetDefault("POSTGRES__PORT", 5432)
	v.SetDefault("POSTGRES__DB_NAME", "scribe")
	v.SetDefault("POSTGRES__AUTH__USER", "scribe")
	v.SetDefault("POSTGRES__AUTH__PASSWORD", "")
	v.SetDefault("POSTGRES__MAX_OPEN_CONNECTION", 10)
	v.SetDefault("POSTGRES__MAX_IDEAL_CONNECTION", 10)
	v.SetDefault("POSTGRES__SSL_MODE", "disable")

	v.SetDefault("RECONNECT__ENABLED", true)
	v.SetDefault("RECONNECT__CONNECT_TIMEOUT_MS", 10000)
	v.SetDefault("RECONNECT__INITIAL_BACKOFF_MS", 1000)
	v.SetDefault("RECONNECT__MAX_BACKOFF_MS", 30000)
	v.SetDefault("RECONNECT__JITTER_RATIO", 0.2)

	v.SetDefault("PENDING_AUDIO__MAX_CHUNKS", 256)
	v.SetDefault("PENDING_AUDIO__MAX_BYTES", 4*1024*1024)

	v.SetDefault("META_SUMMARY__SESSION_THRESHOLD", 6)
	v.SetDefault("META_SUMMARY__INTERVAL_MS", 30*60*1000)

	v.SetDefault("RECENCY__RECENT_ANALYSES_COUNT", 5)
	v.SetDefault("RECENCY__RECENT_IMAGES_COUNT", 3)

	v.SetDefault("ANALYSIS_INTERVAL_MS", 60000)
	v.SetDefault("MAX_AUDIO_FRAME_BYTES", 1024*1024)

	v.SetDefault("DEEPGRAM_API_KEY", "")
	v.SetDefault("OPENAI_API_KEY", "")
	v.SetDefault("REPLICATE_API_KEY", "")
	v.SetDefault("IMAGE_MODEL_PRESET", "dalle")
}

// GetApplicationConfig unmarshals and validates the viper config.
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}
	return &cfg, nil
}
