// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ratelimit provides the client-side admission gate applied
// before any upstream request is issued.
//
// This is advisory backpressure, not a security control: it exists so a
// single client does not hammer the upstream API. The window is fixed
// and reset lazily on the next check, not on a timer.
package ratelimit

import (
	"sync"
	"time"
)

// Default admission policy.
const (
	DefaultMaxPerWindow   = 10
	DefaultWindowDuration = 60 * time.Second
)

// Limiter is a fixed-window request counter. One limiter is shared per
// client session; all mutation happens under its mutex.
type Limiter struct {
	mu sync.Mutex

	windowStartedAt time.Time
	requestCount    int

	maxPerWindow   int
	windowDuration time.Duration
}

// New creates a limiter with the given policy. Non-positive arguments
// fall back to the defaults.
func New(maxPerWindow int, windowDuration time.Duration) *Limiter {
	if maxPerWindow <= 0 {
		maxPerWindow = DefaultMaxPerWindow
	}
	if windowDuration <= 0 {
		windowDuration = DefaultWindowDuration
	}
	return &Limiter{
		maxPerWindow:   maxPerWindow,
		windowDuration: windowDuration,
	}
}

// NewDefault creates a limiter with the default 10-per-60s policy.
func NewDefault() *Limiter {
	return New(DefaultMaxPerWindow, DefaultWindowDuration)
}

// TryAcquire reports whether a request may be issued at the given time.
// When the current window has elapsed the counter resets before the
// check. The count never exceeds the maximum without the caller
// observing a rejection first.
func (l *Limiter) TryAcquire(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.windowStartedAt.IsZero() && now.Sub(l.windowStartedAt) >= l.windowDuration {
		l.requestCount = 0
		l.windowStartedAt = time.Time{}
	}

	if l.requestCount >= l.maxPerWindow {
		return false
	}

	if l.windowStartedAt.IsZero() {
		l.windowStartedAt = now
	}
	l.requestCount++
	return true
}

// Remaining returns how many requests are still admissible in the
// current window at the given time.
func (l *Limiter) Remaining(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.windowStartedAt.IsZero() && now.Sub(l.windowStartedAt) >= l.windowDuration {
		return l.maxPerWindow
	}
	return l.maxPerWindow - l.requestCount
}
