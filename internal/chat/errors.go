// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"errors"
	"fmt"
)

// ErrBusy is returned when a submission is attempted while another is
// already streaming for the same topic.
var ErrBusy = errors.New("a response is already streaming for this topic")

// AdmissionError is a pre-flight rejection: no network call was made
// and the transcript was not touched. Recovered locally and shown to
// the user.
type AdmissionError struct {
	Reason string
	// KeyRequired asks the caller to surface the settings screen so
	// the user can enter an API key.
	KeyRequired bool
}

func (e *AdmissionError) Error() string {
	return e.Reason
}

func errRateLimited() *AdmissionError {
	return &AdmissionError{Reason: "too frequent, retry later"}
}

func errKeyRequired() *AdmissionError {
	return &AdmissionError{Reason: "key required", KeyRequired: true}
}

func errEmptyPrompt() *AdmissionError {
	return &AdmissionError{Reason: "enter a message"}
}

// TransportError covers network failures, non-success HTTP statuses
// and malformed stream payloads. The submission is aborted; messages
// already committed stay in place, only the assistant turn is missing.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError wraps an explicit error event carried on the stream.
// Partial text accumulated before the error is discarded, unlike
// user cancellation where it is kept.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("stream error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// PersistenceError wraps a failed storage call. It is surfaced softly:
// the in-memory transcript stays authoritative for the running session
// and reconciles against storage on the next topic load.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to save history: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
