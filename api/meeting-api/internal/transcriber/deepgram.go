// Copyright (c) 2024-2026 ScribeAI
// Author: ScribeAI Engineering <eng@scribeai.dev>
//
// Licensed under GPL-2.0 with ScribeAI Additional Terms.
// See LICENSE.md or contact sales@scribeai.dev for commercial usage.
package internal_transcriber

import (
	"context"
	"fmt"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listen "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/scribeai/pkg/commons"
	"github.com/scribeai/pkg/utils"
)

// deepgramTranscriber streams audio to Deepgram's live websocket endpoint and
// forwards transcript events to the session listener.
type deepgramTranscriber struct {
	logger    commons.Logger
	apiKey    string
	meetingID string
	sessionID string

	mu     sync.Mutex
	client *listen.WSCallback
	closed bool
}

type deepgramFactory struct {
	logger commons.Logger
	apiKey string
}

// NewDeepgramFactory creates a Factory producing Deepgram-backed legs.
func NewDeepgramFactory(apiKey string, logger commons.Logger) Factory {
	return &deepgramFactory{logger: logger, apiKey: apiKey}
}

func (f *deepgramFactory) New(meetingID, sessionID string) Transcriber {
	return &deepgramTranscriber{
		logger:    f.logger,
		apiKey:    f.apiKey,
		meetingID: meetingID,
		sessionID: sessionID,
	}
}

// Start dials the live endpoint. Readiness is reported asynchronously through
// the listener's OnState(StateReady) when the socket opens.
func (t *deepgramTranscriber) Start(ctx context.Context, listener Listener) error {
	listener.OnState(StateConnecting, 0, "")

	options := &interfaces.LiveTranscriptionOptions{
		Model:          "nova-2",
		Language:       "en",
		Encoding:       "linear16",
		SampleRate:     16000,
		Channels:       1,
		SmartFormat:    true,
		InterimResults: true,
		Diarize:        true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
	}

	callback := &deepgramCallback{
		logger:   t.logger,
		listener: listener,
	}

	client, err := listen.NewWSUsingCallback(ctx, t.apiKey, &interfaces.ClientOptions{}, options, callback)
	if err != nil {
		listener.OnState(StateFailed, 0, err.Error())
		return fmt.Errorf("failed to create deepgram client: %w", err)
	}

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	if ok := client.Connect(); !ok {
		listener.OnState(StateFailed, 0, "deepgram connect failed")
		return fmt.Errorf("deepgram connect failed for session %s", t.sessionID)
	}

	t.logger.Infof("deepgram leg connecting: meetingId=%s, sessionId=%s", t.meetingID, t.sessionID)
	return nil
}

func (t *deepgramTranscriber) Send(chunk []byte) error {
	t.mu.Lock()
	client := t.client
	closed := t.closed
	t.mu.Unlock()

	if closed || client == nil {
		return fmt.Errorf("transcription leg is not open")
	}
	if _, err := client.Write(chunk); err != nil {
		return fmt.Errorf("failed to write audio to deepgram: %w", err)
	}
	return nil
}

func (t *deepgramTranscriber) Stop() {
	t.mu.Lock()
	client := t.client
	t.closed = true
	t.client = nil
	t.mu.Unlock()

	if client != nil {
		client.Stop()
	}
}

// ============================================================================
// Deepgram callback -> Listener adaptation
// ============================================================================

type deepgramCallback struct {
	logger   commons.Logger
	listener Listener
}

func (c *deepgramCallback) Open(or *msginterfaces.OpenResponse) error {
	c.listener.OnState(StateReady, 0, "")
	return nil
}

func (c *deepgramCallback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return nil
	}

	seg := Segment{
		Text:      alt.Transcript,
		IsFinal:   mr.IsFinal,
		Timestamp: time.Now(),
	}
	if mr.Start > 0 {
		seg.StartTime = utils.Ptr(mr.Start)
	}
	if len(alt.Words) > 0 {
		seg.Speaker = alt.Words[0].Speaker
	}

	c.listener.OnSegment(seg)
	return nil
}

func (c *deepgramCallback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.logger.Debugf("deepgram metadata: requestId=%s", md.RequestID)
	return nil
}

func (c *deepgramCallback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *deepgramCallback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.listener.OnUtteranceEnd(time.Now())
	return nil
}

func (c *deepgramCallback) Close(cr *msginterfaces.CloseResponse) error {
	c.listener.OnState(StateClosed, 0, "")
	return nil
}

func (c *deepgramCallback) Error(er *msginterfaces.ErrorResponse) error {
	c.logger.Errorf("deepgram error: type=%s, description=%s", er.ErrCode, er.Description)
	c.listener.OnState(StateRetrying, 1, er.Description)
	return nil
}

func (c *deepgramCallback) UnhandledEvent(byData []byte) error {
	c.logger.Debugf("deepgram unhandled event: %d bytes", len(byData))
	return nil
}
