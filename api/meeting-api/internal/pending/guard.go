// Copyright (c) 2024-2026 ScribeAI
// Author: ScribeAI Engineering <eng@scribeai.dev>
//
// Licensed under GPL-2.0 with ScribeAI Additional Terms.
// See LICENSE.md or contact sales@scribeai.dev for commercial usage.
package internal_pending

// Rejection reason codes.
const (
	ReasonMaxBytes  = "max_bytes"
	ReasonMaxChunks = "max_chunks"
)

// Limits caps the pending-audio buffer.
type Limits struct {
	MaxChunks int
	MaxBytes  int
}

// Decision is the admission verdict for one incoming chunk.
type Decision struct {
	CanBuffer bool
	Reason    string
}

// Admit decides whether an incoming chunk may join the pending buffer.
// Pure admission control: it never evicts, never mutates anything. Denial
// means the chunk is dropped; everything already buffered stays intact and
// ordered. Chunk-count exhaustion is checked first so a full buffer reports
// max_chunks even when the bytes would still fit.
func Admit(incomingBytes, pendingChunks, pendingBytes int, limits Limits) Decision {
	if pendingChunks >= limits.MaxChunks {
		return Decision{CanBuffer: false, Reason: ReasonMaxChunks}
	}
	if pendingBytes+incomingBytes > limits.MaxBytes {
		return Decision{CanBuffer: false, Reason: ReasonMaxBytes}
	}
	return Decision{CanBuffer: true}
}
