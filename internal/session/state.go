// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import "fmt"

// State tracks where a single submission is in its lifecycle.
type State int

const (
	// StateIdle means no submission is in progress.
	StateIdle State = iota
	// StateValidating means admission checks are running.
	StateValidating
	// StateSubmitting means the upstream request is being issued.
	StateSubmitting
	// StateStreaming means response events are being consumed.
	StateStreaming
	// StateCommitting means the assistant turn is being archived.
	StateCommitting
	// StateFailed means the submission errored; transitions back to idle
	// after the error is surfaced.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateSubmitting:
		return "submitting"
	case StateStreaming:
		return "streaming"
	case StateCommitting:
		return "committing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// validTransitions maps each state to the states reachable from it.
// Cancellation is the Streaming -> Committing edge: partial text is
// archived, never discarded.
var validTransitions = map[State][]State{
	StateIdle:       {StateValidating},
	StateValidating: {StateSubmitting, StateFailed},
	StateSubmitting: {StateStreaming, StateFailed},
	StateStreaming:  {StateCommitting, StateFailed},
	StateCommitting: {StateIdle},
	StateFailed:     {StateIdle},
}

// ErrInvalidTransition is returned when a state change is not allowed.
type ErrInvalidTransition struct {
	From State
	To   State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// canTransition reports whether moving from one state to another is legal.
func canTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
