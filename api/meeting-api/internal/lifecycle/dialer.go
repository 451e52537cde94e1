// Copyright (c) 2024-2026 ScribeAI
// Author: ScribeAI Engineering <eng@scribeai.dev>
//
// Licensed under GPL-2.0 with ScribeAI Additional Terms.
// See LICENSE.md or contact sales@scribeai.dev for commercial usage.
package internal_lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned for writes while the channel is down.
var ErrNotConnected = errors.New("channel is not connected")

// ErrConnectTimeout marks a dial that exceeded the connect watchdog.
var ErrConnectTimeout = errors.New("connect timeout exceeded")

// Frame type aliases for the abstract Conn.
const (
	TextMessage   = websocket.TextMessage
	BinaryMessage = websocket.BinaryMessage
)

// websocketDialer is the production Dialer over gorilla/websocket.
type websocketDialer struct {
	handshakeTimeout time.Duration
}

func (d *websocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.handshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(10 * 1024 * 1024)
	return conn, nil
}
