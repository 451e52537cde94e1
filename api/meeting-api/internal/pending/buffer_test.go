// Copyright (c) 2024-2026 ScribeAI
// Author: ScribeAI Engineering <eng@scribeai.dev>
//
// Licensed under GPL-2.0 with ScribeAI Additional Terms.
// See LICENSE.md or contact sales@scribeai.dev for commercial usage.
package internal_pending

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribeai/pkg/commons"
)

func newTestBuffer(t *testing.T, limits Limits) *Buffer {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	return NewBuffer(limits, logger)
}

func TestBuffer_FlushPreservesArrivalOrder(t *testing.T) {
	b := newTestBuffer(t, Limits{MaxChunks: 10, MaxBytes: 1000})

	assert.True(t, b.Push([]byte("one")))
	assert.True(t, b.Push([]byte("two")))
	assert.True(t, b.Push([]byte("three")))

	var got []string
	err := b.Flush(func(chunk []byte) error {
		got = append(got, string(chunk))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestBuffer_RejectionLeavesBufferedDataIntact(t *testing.T) {
	b := newTestBuffer(t, Limits{MaxChunks: 2, MaxBytes: 1000})

	assert.True(t, b.Push([]byte("a")))
	assert.True(t, b.Push([]byte("b")))
	assert.False(t, b.Push([]byte("c"))) // over chunk cap

	assert.Equal(t, 2, b.Len())
	assert.Equal(t, 1, b.Dropped())

	var got []string
	require.NoError(t, b.Flush(func(chunk []byte) error {
		got = append(got, string(chunk))
		return nil
	}))
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestBuffer_CopiesChunks(t *testing.T) {
	b := newTestBuffer(t, Limits{MaxChunks: 10, MaxBytes: 1000})

	src := []byte("original")
	b.Push(src)
	copy(src, "mutated!")

	require.NoError(t, b.Flush(func(chunk []byte) error {
		assert.Equal(t, "original", string(chunk))
		return nil
	}))
}

func TestBuffer_DrainedAfterFlush(t *testing.T) {
	b := newTestBuffer(t, Limits{MaxChunks: 10, MaxBytes: 1000})
	b.Push([]byte("x"))

	require.NoError(t, b.Flush(func([]byte) error { return nil }))
	assert.True(t, b.Drained())
	assert.Equal(t, 0, b.Len())

	// A drained buffer accepts nothing; audio now goes straight to the leg.
	assert.False(t, b.Push([]byte("late")))
}

func TestBuffer_FlushAbortsOnDeliveryError(t *testing.T) {
	b := newTestBuffer(t, Limits{MaxChunks: 10, MaxBytes: 1000})
	b.Push([]byte("a"))
	b.Push([]byte("b"))

	sendErr := errors.New("leg broken")
	var delivered int
	err := b.Flush(func([]byte) error {
		delivered++
		return sendErr
	})
	assert.ErrorIs(t, err, sendErr)
	assert.Equal(t, 1, delivered)
	assert.True(t, b.Drained())
}

func TestBuffer_Clear(t *testing.T) {
	b := newTestBuffer(t, Limits{MaxChunks: 10, MaxBytes: 1000})
	b.Push([]byte("a"))

	b.Clear()
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 0, b.Bytes())
	assert.True(t, b.Drained())
}

func TestBuffer_ByteAccounting(t *testing.T) {
	b := newTestBuffer(t, Limits{MaxChunks: 10, MaxBytes: 10})

	assert.True(t, b.Push(make([]byte, 6)))
	assert.True(t, b.Push(make([]byte, 4)))
	assert.Equal(t, 10, b.Bytes())

	assert.False(t, b.Push(make([]byte, 1)))
	assert.Equal(t, 10, b.Bytes())
}
