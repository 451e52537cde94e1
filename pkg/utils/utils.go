// Copyright (c) 2024-2026 ScribeAI
// Author: ScribeAI Engineering <eng@scribeai.dev>
//
// Licensed under GPL-2.0 with ScribeAI Additional Terms.
// See LICENSE.md or contact sales@scribeai.dev for commercial usage.
package utils

import (
	"context"
	"runtime/debug"
	"strings"
)

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// IsEmpty reports whether s is empty or whitespace only.
func IsEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// PanicHandler is invoked with the recovered value and stack when a
// goroutine started via Go panics. Overridable for tests.
var PanicHandler = func(recovered interface{}, stack []byte) {}

// Go runs fn on a new goroutine with panic recovery. A panicking background
// task must never take down the connection loop that spawned it.
func Go(ctx context.Context, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				PanicHandler(r, debug.Stack())
			}
		}()
		fn()
	}()
}
