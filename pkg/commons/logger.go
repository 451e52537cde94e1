// Copyright (c) 2024-2026 ScribeAI
// Author: ScribeAI Engineering <eng@scribeai.dev>
//
// Licensed under GPL-2.0 with ScribeAI Additional Terms.
// See LICENSE.md or contact sales@scribeai.dev for commercial usage.
package commons

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the application-wide logging contract. Every component receives
// one by injection; there is no package-level logger.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// Benchmark records how long a named stage took.
	Benchmark(stage string, elapsed time.Duration)

	// Named returns a child logger tagged with a component name.
	Named(name string) Logger
}

type loggerOptions struct {
	name  string
	path  string
	level string
}

// Option configures NewApplicationLogger.
type Option func(*loggerOptions)

// Name sets the service name stamped on every entry and the log file name.
func Name(name string) Option {
	return func(o *loggerOptions) { o.name = name }
}

// Path sets the directory rotated log files are written to. Empty means
// stdout only.
func Path(path string) Option {
	return func(o *loggerOptions) { o.path = path }
}

// Level sets the minimum level: debug, info, warn or error.
func Level(level string) Option {
	return func(o *loggerOptions) { o.level = level }
}

type applicationLogger struct {
	sugar *zap.SugaredLogger
}

// NewApplicationLogger builds a zap-backed Logger. When a path is configured
// entries are duplicated to a size-rotated file via lumberjack.
func NewApplicationLogger(opts ...Option) (Logger, error) {
	options := &loggerOptions{
		name:  "scribe",
		level: "info",
	}
	for _, opt := range opts {
		opt(options)
	}

	level, err := zapcore.ParseLevel(options.level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", options.level, err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level),
	}
	if options.path != "" {
		rotator := &lumberjack.Logger{
			Filename:   filepath.Join(options.path, options.name+".log"),
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), level))
	}

	base := zap.New(zapcore.NewTee(cores...)).Named(options.name)
	return &applicationLogger{sugar: base.Sugar()}, nil
}

func (l *applicationLogger) Debugf(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

func (l *applicationLogger) Infof(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

func (l *applicationLogger) Warnf(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

func (l *applicationLogger) Errorf(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

func (l *applicationLogger) Benchmark(stage string, elapsed time.Duration) {
	l.sugar.Infow("benchmark", "stage", stage, "elapsed_ms", elapsed.Milliseconds())
}

func (l *applicationLogger) Named(name string) Logger {
	return &applicationLogger{sugar: l.sugar.Named(name)}
}
