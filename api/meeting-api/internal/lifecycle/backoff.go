// Copyright (c) 2024-2026 ScribeAI
// Author: ScribeAI Engineering <eng@scribeai.dev>
//
// Licensed under GPL-2.0 with ScribeAI Additional Terms.
// See LICENSE.md or contact sales@scribeai.dev for commercial usage.
package internal_lifecycle

import (
	"math"
	"time"
)

// Config drives reconnect behaviour. Fully overridable from the application
// configuration surface.
type Config struct {
	Enabled        bool
	ConnectTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterRatio    float64
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		ConnectTimeout: 10 * time.Second,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		JitterRatio:    0.2,
	}
}

// BackoffDelay computes the wait before reconnect attempt n (1-based):
// min(maxBackoff, initial * 2^(n-1)) plus a uniform random jitter of
// ±jitterRatio of the capped value, floored at zero and rounded to a whole
// millisecond. rnd must return a value in [0, 1).
func BackoffDelay(attempt int, cfg Config, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := float64(cfg.InitialBackoff.Milliseconds()) * math.Pow(2, float64(attempt-1))
	capped := math.Min(base, float64(cfg.MaxBackoff.Milliseconds()))

	// rnd in [0,1) → jitter in [-ratio, +ratio) of the capped delay.
	jitter := (rnd()*2 - 1) * cfg.JitterRatio * capped

	ms := math.Round(capped + jitter)
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}
