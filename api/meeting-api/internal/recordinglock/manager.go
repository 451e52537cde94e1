// Copyright (c) 2024-2026 ScribeAI
// Author: ScribeAI Engineering <eng@scribeai.dev>
//
// Licensed under GPL-2.0 with ScribeAI Additional Terms.
// See LICENSE.md or contact sales@scribeai.dev for commercial usage.
package internal_recordinglock

import (
	"errors"
	"sync"

	"github.com/scribeai/pkg/commons"
)

// ErrConflict is returned when another session already records the meeting.
var ErrConflict = errors.New("meeting already has an active recording session")

// Manager grants at-most-one active recording session per meeting. It is the
// single piece of cross-connection shared state, so acquire/release are
// atomic check-and-set under one mutex. Locks are purely in-process and are
// released on socket close regardless of how the socket closed, which is
// what keeps an abrupt disconnect from permanently blocking the meeting.
type Manager struct {
	mu     sync.Mutex
	logger commons.Logger
	// holder session id per meeting id; entry exists only while recording.
	locks map[string]string
}

// NewManager creates an empty lock manager. Inject one instance per process;
// every component that needs it receives it by reference.
func NewManager(logger commons.Logger) *Manager {
	return &Manager{
		logger: logger,
		locks:  make(map[string]string),
	}
}

// Acquire takes the recording lock for the meeting. Succeeds when no lock
// exists or the holder is already sessionID (idempotent re-acquire after a
// reconnect replay). A distinct holder yields ErrConflict.
func (m *Manager) Acquire(meetingID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	holder, exists := m.locks[meetingID]
	if exists && holder != sessionID {
		m.logger.Warnf("recording lock conflict: meetingId=%s, holder=%s, requester=%s",
			meetingID, holder, sessionID)
		return ErrConflict
	}
	m.locks[meetingID] = sessionID
	m.logger.Debugf("recording lock acquired: meetingId=%s, sessionId=%s", meetingID, sessionID)
	return nil
}

// Release drops the lock only when sessionID is the current holder.
// Releasing a lock you don't hold is a no-op, not an error.
func (m *Manager) Release(meetingID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locks[meetingID] != sessionID {
		return
	}
	delete(m.locks, meetingID)
	m.logger.Debugf("recording lock released: meetingId=%s, sessionId=%s", meetingID, sessionID)
}

// ReleaseAllFor drops every lock held by sessionID. Called on socket close —
// normal stop, crash or network drop alike.
func (m *Manager) ReleaseAllFor(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for meetingID, holder := range m.locks {
		if holder == sessionID {
			delete(m.locks, meetingID)
			m.logger.Debugf("recording lock released on close: meetingId=%s, sessionId=%s",
				meetingID, sessionID)
		}
	}
}

// Holder returns the session currently holding the meeting's lock, if any.
func (m *Manager) Holder(meetingID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	holder, ok := m.locks[meetingID]
	return holder, ok
}
