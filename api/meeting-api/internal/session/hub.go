// Copyright (c) 2024-2026 ScribeAI
// Author: ScribeAI Engineering <eng@scribeai.dev>
//
// Licensed under GPL-2.0 with ScribeAI Additional Terms.
// See LICENSE.md or contact sales@scribeai.dev for commercial usage.
package internal_session

import (
	"sync"

	"github.com/scribeai/pkg/commons"
)

// Viewer is one connection's outbound leg, as seen by the hub.
type Viewer interface {
	SessionID() string
	SendFrame(frame []byte)
}

// Hub fans server frames out to every connection joined to a meeting.
// It is shared across connection goroutines, so membership is mutex-guarded;
// sends happen outside the lock against a snapshot of the member list.
type Hub struct {
	mu     sync.Mutex
	logger commons.Logger
	rooms  map[string]map[string]Viewer // meetingID -> sessionID -> viewer
}

// NewHub creates an empty hub.
func NewHub(logger commons.Logger) *Hub {
	return &Hub{
		logger: logger,
		rooms:  make(map[string]map[string]Viewer),
	}
}

// Join adds the viewer to the meeting room.
func (h *Hub) Join(meetingID string, v Viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[meetingID]
	if !ok {
		room = make(map[string]Viewer)
		h.rooms[meetingID] = room
	}
	room[v.SessionID()] = v
}

// Leave removes the viewer; empty rooms are dropped.
func (h *Hub) Leave(meetingID string, v Viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[meetingID]
	if !ok {
		return
	}
	delete(room, v.SessionID())
	if len(room) == 0 {
		delete(h.rooms, meetingID)
	}
}

// Broadcast delivers a frame to every viewer of the meeting.
func (h *Hub) Broadcast(meetingID string, frame []byte) {
	h.mu.Lock()
	viewers := make([]Viewer, 0, len(h.rooms[meetingID]))
	for _, v := range h.rooms[meetingID] {
		viewers = append(viewers, v)
	}
	h.mu.Unlock()

	for _, v := range viewers {
		v.SendFrame(frame)
	}
}

// ViewerCount reports how many connections watch the meeting.
func (h *Hub) ViewerCount(meetingID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[meetingID])
}
