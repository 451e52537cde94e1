// Copyright (c) 2024-2026 ScribeAI
// Author: ScribeAI Engineering <eng@scribeai.dev>
//
// Licensed under GPL-2.0 with ScribeAI Additional Terms.
// See LICENSE.md or contact sales@scribeai.dev for commercial usage.
package internal_protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientMessage_MeetingStart(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"meeting:start","data":{"title":"Standup","meetingId":"abc","mode":"record"}}`))
	require.NoError(t, err)

	assert.Equal(t, TypeMeetingStart, msg.Type)
	require.NotNil(t, msg.MeetingStart)
	assert.Equal(t, "Standup", msg.MeetingStart.Title)
	assert.Equal(t, "abc", msg.MeetingStart.MeetingID)
	assert.Equal(t, "record", msg.MeetingStart.Mode)
}

func TestParseClientMessage_PayloadlessTypes(t *testing.T) {
	for _, typ := range []MessageType{
		TypeMeetingStop, TypeMeetingListRequest, TypeSessionStart, TypeSessionStop,
	} {
		msg, err := ParseClientMessage([]byte(`{"type":"` + string(typ) + `"}`))
		require.NoError(t, err, "type %s", typ)
		assert.Equal(t, typ, msg.Type)
	}
}

func TestParseClientMessage_MalformedJSON(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestParseClientMessage_UnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"meeting:explode"}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestParseClientMessage_MissingType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"data":{}}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestParseClientMessage_MalformedPayload(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"meeting:update","data":{"title":7}}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestParseClientMessage_SpeakerAliasDefaultsInvalid(t *testing.T) {
	// A payload that omits the speaker index must not default to speaker 0,
	// which is a real diarization label.
	msg, err := ParseClientMessage([]byte(`{"type":"meeting:speaker-alias:update","data":{"displayName":"Alice"}}`))
	require.NoError(t, err)
	assert.Equal(t, -1, msg.SpeakerAlias.Speaker)

	msg, err = ParseClientMessage([]byte(`{"type":"meeting:speaker-alias:update","data":{"speaker":0,"displayName":"Alice"}}`))
	require.NoError(t, err)
	assert.Equal(t, 0, msg.SpeakerAlias.Speaker)
}

func TestParseClientMessage_HistoryCursor(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"meeting:history:request","data":{"meetingId":"m1","cursor":"2026-01-02T03:04:05Z"}}`))
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.History.MeetingID)
	assert.Equal(t, "2026-01-02T03:04:05Z", msg.History.Cursor)
}

func TestNewFrame_RoundTrip(t *testing.T) {
	frame := NewFrame(TypeTranscript, TranscriptData{Text: "hello", IsFinal: true, Timestamp: 42})

	var env Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	assert.Equal(t, TypeTranscript, env.Type)

	var data TranscriptData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "hello", data.Text)
	assert.True(t, data.IsFinal)
	assert.EqualValues(t, 42, data.Timestamp)
}

func TestDomainErrorFrame_CarriesCode(t *testing.T) {
	frame := DomainErrorFrame(CodeRecordingConflict, "meeting already has an active recording")

	var env Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	assert.Equal(t, TypeError, env.Type)

	var data ErrorData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, CodeRecordingConflict, data.Code)
	assert.NotEmpty(t, data.Message)
}

func TestInvalidMessageFrame_HasNoCode(t *testing.T) {
	var env Envelope
	require.NoError(t, json.Unmarshal(InvalidMessageFrame(), &env))
	assert.Equal(t, TypeError, env.Type)

	var data ErrorData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Empty(t, data.Code)
	assert.Equal(t, "Invalid message format", data.Message)
}

func TestHistoryCursor_RoundTrip(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 123456789, time.UTC)

	ts, id, err := ParseHistoryCursor(EncodeHistoryCursor(at, 77))
	require.NoError(t, err)
	assert.True(t, at.Equal(ts))
	assert.EqualValues(t, 77, id)
}

func TestHistoryCursor_BareTimestampAccepted(t *testing.T) {
	ts, id, err := ParseHistoryCursor("2026-01-02T03:04:05Z")
	require.NoError(t, err)
	assert.Equal(t, 2026, ts.Year())
	assert.Zero(t, id)
}

func TestHistoryCursor_Malformed(t *testing.T) {
	_, _, err := ParseHistoryCursor("not-a-cursor")
	assert.Error(t, err)

	_, _, err = ParseHistoryCursor("2026-01-02T03:04:05Z|not-a-number")
	assert.Error(t, err)
}
