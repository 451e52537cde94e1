// Copyright (c) 2024-2026 ScribeAI
// Author: ScribeAI Engineering <eng@scribeai.dev>
//
// Licensed under GPL-2.0 with ScribeAI Additional Terms.
// See LICENSE.md or contact sales@scribeai.dev for commercial usage.
package internal_transcriber

import (
	"context"
	"time"
)

// State of the speech-to-text leg, surfaced to clients as stt:status.
type State string

const (
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateRetrying   State = "retrying"
	StateClosed     State = "closed"
	StateFailed     State = "failed"
)

// Segment is one transcription fragment from the provider.
type Segment struct {
	Text      string
	IsFinal   bool
	Speaker   *int
	StartTime *float64 // utterance-start offset in seconds
	Timestamp time.Time
}

// Listener receives transcription events. All callbacks are invoked from the
// provider's read goroutine; implementations must not block.
type Listener interface {
	OnSegment(seg Segment)
	OnUtteranceEnd(timestamp time.Time)
	OnState(state State, retryAttempt int, message string)
}

// Transcriber is the opaque speech-to-text leg. Opening it is asynchronous:
// Start returns once the dial is in flight, and the leg signals readiness
// through OnState(StateReady). Audio sent before readiness is the caller's
// problem — the session keeps a bounded pending buffer for exactly that
// window.
type Transcriber interface {
	Start(ctx context.Context, listener Listener) error
	Send(chunk []byte) error
	Stop()
}

// Factory builds one Transcriber per recording session.
type Factory interface {
	New(meetingID, sessionID string) Transcriber
}
