// Copyright (c) 2024-2026 ScribeAI
// Author: ScribeAI Engineering <eng@scribeai.dev>
//
// Licensed under GPL-2.0 with ScribeAI Additional Terms.
// See LICENSE.md or contact sales@scribeai.dev for commercial usage.
package internal_pending

import (
	"github.com/scribeai/pkg/commons"
)

// Buffer holds raw audio chunks that arrived before the transcription leg
// was ready. It lives between socket-open and leg-ready, is flushed exactly
// once in arrival order, and is never reused for the session afterwards.
//
// Owned by a single connection loop; no internal locking.
type Buffer struct {
	logger commons.Logger
	limits Limits

	chunks  [][]byte
	bytes   int
	drained bool
	dropped int
}

// NewBuffer creates an empty pending-audio buffer.
func NewBuffer(limits Limits, logger commons.Logger) *Buffer {
	return &Buffer{
		logger: logger,
		limits: limits,
	}
}

// Push offers a chunk to the buffer. Returns true when buffered. The chunk is
// copied so the caller may reuse its read buffer. Rejections are logged with
// the guard's reason code and counted; they never disturb buffered data.
func (b *Buffer) Push(chunk []byte) bool {
	if b.drained {
		return false
	}

	decision := Admit(len(chunk), len(b.chunks), b.bytes, b.limits)
	if !decision.CanBuffer {
		b.dropped++
		b.logger.Warnf("pending audio chunk dropped: reason=%s, size=%d, pendingChunks=%d, pendingBytes=%d",
			decision.Reason, len(chunk), len(b.chunks), b.bytes)
		return false
	}

	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	b.chunks = append(b.chunks, buf)
	b.bytes += len(buf)
	return true
}

// Flush delivers every buffered chunk to fn in original arrival order, then
// clears the buffer permanently. A failed delivery aborts the flush; the
// remaining chunks are discarded with the rest, forwarding past a broken leg
// would reorder audio.
func (b *Buffer) Flush(fn func(chunk []byte) error) error {
	chunks := b.chunks
	b.chunks = nil
	b.bytes = 0
	b.drained = true

	for _, chunk := range chunks {
		if err := fn(chunk); err != nil {
			return err
		}
	}
	return nil
}

// Clear discards all buffered audio, used on session stop.
func (b *Buffer) Clear() {
	b.chunks = nil
	b.bytes = 0
	b.drained = true
}

// Len returns the number of buffered chunks.
func (b *Buffer) Len() int { return len(b.chunks) }

// Bytes returns the buffered byte count.
func (b *Buffer) Bytes() int { return b.bytes }

// Dropped returns how many chunks the guard rejected.
func (b *Buffer) Dropped() int { return b.dropped }

// Drained reports whether the buffer has already been flushed or cleared.
func (b *Buffer) Drained() bool { return b.drained }
