// Copyright (c) 2024-2026 ScribeAI
// Author: ScribeAI Engineering <eng@scribeai.dev>
//
// Licensed under GPL-2.0 with ScribeAI Additional Terms.
// See LICENSE.md or contact sales@scribeai.dev for commercial usage.
package internal_readiness

import (
	"context"
	"errors"

	"github.com/scribeai/pkg/commons"
)

// State of the recording-readiness saga.
type State string

const (
	StateIdle         State = "idle"
	StatePendingStart State = "pending_start"
	StateRecording    State = "recording"
)

// ErrNoStream is surfaced when recording is requested without a usable
// capture stream (missing permission or stream not yet attached).
var ErrNoStream = errors.New("no capture stream available")

// Conditions are the independent inputs reconciled on every evaluation.
type Conditions struct {
	HasMeeting  bool
	HasStream   bool // device permission granted AND audio stream attached
	IsConnected bool
}

// Effects receives the saga's side effects. Implementations belong to the
// client runtime (start the MediaRecorder, send session:start, ...).
type Effects interface {
	StartRecorder(ctx context.Context) error
	StopRecorder(ctx context.Context)
	EmitSessionStart(ctx context.Context)
	EmitSessionStop(ctx context.Context)
	SurfaceError(err error)
}

// Saga reconciles meeting presence, capture availability and channel
// connectivity into a recording start/stop decision.
//
// Invariant: EmitSessionStop fires iff EmitSessionStart previously fired for
// the current recording attempt. A queued intent that never promoted is
// cancelled silently, so the server never observes an orphan stop.
type Saga struct {
	logger  commons.Logger
	effects Effects

	state        State
	startEmitted bool
	disposed     bool
}

// New creates an idle saga.
func New(effects Effects, logger commons.Logger) *Saga {
	return &Saga{
		logger:  logger,
		effects: effects,
		state:   StateIdle,
	}
}

// State returns the current saga state.
func (s *Saga) State() State { return s.state }

// Start requests recording under the given conditions.
func (s *Saga) Start(ctx context.Context, c Conditions) {
	if s.disposed {
		return
	}
	switch s.state {
	case StateRecording, StatePendingStart:
		return
	}

	if !c.HasMeeting {
		// Recording without a meeting destination is meaningless.
		s.logger.Debugf("recording start ignored: no active meeting")
		return
	}
	if !c.HasStream {
		s.effects.SurfaceError(ErrNoStream)
		return
	}
	if !c.IsConnected {
		// Queue the intent; promotion happens when the channel connects.
		s.state = StatePendingStart
		s.logger.Debugf("recording queued: channel not connected")
		return
	}

	s.beginRecording(ctx)
}

// OnConditionsChanged re-evaluates a queued or active recording whenever any
// input flips.
func (s *Saga) OnConditionsChanged(ctx context.Context, c Conditions) {
	if s.disposed {
		return
	}
	switch s.state {
	case StatePendingStart:
		if !c.HasMeeting || !c.HasStream {
			// Cancel silently: session-start was never emitted.
			s.state = StateIdle
			s.logger.Debugf("queued recording cancelled: conditions lost")
			return
		}
		if c.IsConnected {
			s.beginRecording(ctx)
		}
	case StateRecording:
		if !c.HasMeeting || !c.HasStream {
			s.logger.Infof("recording stopped: conditions lost")
			s.stopRecording(ctx)
		}
	}
}

// Stop ends a recording or cancels a queued intent.
func (s *Saga) Stop(ctx context.Context) {
	if s.disposed {
		return
	}
	switch s.state {
	case StatePendingStart:
		// Never started; nothing to stop downstream.
		s.state = StateIdle
	case StateRecording:
		s.stopRecording(ctx)
	}
}

// Dispose stops any recording and prevents all further emission.
func (s *Saga) Dispose(ctx context.Context) {
	if s.disposed {
		return
	}
	if s.state == StateRecording {
		s.stopRecording(ctx)
	}
	s.state = StateIdle
	s.disposed = true
}

func (s *Saga) beginRecording(ctx context.Context) {
	if err := s.effects.StartRecorder(ctx); err != nil {
		s.effects.SurfaceError(err)
		s.state = StateIdle
		return
	}
	s.effects.EmitSessionStart(ctx)
	s.startEmitted = true
	s.state = StateRecording
	s.logger.Infof("recording started")
}

func (s *Saga) stopRecording(ctx context.Context) {
	s.effects.StopRecorder(ctx)
	if s.startEmitted {
		s.effects.EmitSessionStop(ctx)
		s.startEmitted = false
	}
	s.state = StateIdle
}
