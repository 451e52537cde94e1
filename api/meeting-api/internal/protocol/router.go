// Copyright (c) 2024-2026 ScribeAI
// Author: ScribeAI Engineering <eng@scribeai.dev>
//
// Licensed under GPL-2.0 with ScribeAI Additional Terms.
// See LICENSE.md or contact sales@scribeai.dev for commercial usage.
package internal_protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidMessage marks a protocol-level parse failure. The caller answers
// with `error{message:"Invalid message format"}` and keeps the connection
// open.
var ErrInvalidMessage = errors.New("Invalid message format")

// ClientMessage is a parsed inbound control frame. Exactly one payload field
// is populated, matching Type.
type ClientMessage struct {
	Type MessageType

	MeetingStart  *MeetingStartData
	MeetingUpdate *MeetingUpdateData
	SpeakerAlias  *SpeakerAliasUpdateData
	ModeSet       *MeetingModeSetData
	History       *HistoryRequestData
	CameraFrame   *CameraFrameData
	ImageModel    *ImageModelSetData
}

// ParseClientMessage decodes a JSON control frame into a typed message.
// Unknown types and malformed JSON both surface ErrInvalidMessage; domain
// validation happens downstream, this layer only guards the wire shape.
func ParseClientMessage(frame []byte) (*ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}

	msg := &ClientMessage{Type: env.Type}

	decode := func(dst interface{}) error {
		if len(env.Data) == 0 {
			return nil
		}
		if err := json.Unmarshal(env.Data, dst); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return nil
	}

	switch env.Type {
	case TypeMeetingStart:
		msg.MeetingStart = &MeetingStartData{}
		if err := decode(msg.MeetingStart); err != nil {
			return nil, err
		}
	case TypeMeetingStop, TypeMeetingListRequest, TypeSessionStart, TypeSessionStop:
		// No payload.
	case TypeMeetingUpdate:
		msg.MeetingUpdate = &MeetingUpdateData{}
		if err := decode(msg.MeetingUpdate); err != nil {
			return nil, err
		}
	case TypeSpeakerAliasUpdate:
		msg.SpeakerAlias = &SpeakerAliasUpdateData{Speaker: -1}
		if err := decode(msg.SpeakerAlias); err != nil {
			return nil, err
		}
	case TypeMeetingModeSet:
		msg.ModeSet = &MeetingModeSetData{}
		if err := decode(msg.ModeSet); err != nil {
			return nil, err
		}
	case TypeHistoryRequest:
		msg.History = &HistoryRequestData{}
		if err := decode(msg.History); err != nil {
			return nil, err
		}
	case TypeCameraFrame:
		msg.CameraFrame = &CameraFrameData{}
		if err := decode(msg.CameraFrame); err != nil {
			return nil, err
		}
	case TypeImageModelSet:
		msg.ImageModel = &ImageModelSetData{}
		if err := decode(msg.ImageModel); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, env.Type)
	}

	return msg, nil
}

// InvalidMessageFrame is the canned reply for protocol errors.
func InvalidMessageFrame() []byte {
	return NewFrame(TypeError, ErrorData{Message: "Invalid message format"})
}

// DomainErrorFrame builds a typed error reply for validation failures.
func DomainErrorFrame(code, message string) []byte {
	return NewFrame(TypeError, ErrorData{Message: message, Code: code})
}
