// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session holds the active topic's transcript and keeps the
// persistence collaborator consistent with every in-memory mutation.
// The transcript is the source of truth for the running session: when
// a storage call fails the in-memory state is kept and the error is
// reported for soft surfacing, never rolled back.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lightgpt/lightgpt/internal/cloud"
	"github.com/lightgpt/lightgpt/internal/history"
	"github.com/lightgpt/lightgpt/internal/model"
)

var (
	// ErrMessageNotFound is returned when an edit or removal targets a
	// message id not present in the transcript.
	ErrMessageNotFound = errors.New("message not found in transcript")

	// ErrNothingToRegenerate is returned by a bare regenerate when the
	// transcript has no trailing assistant messages.
	ErrNothingToRegenerate = errors.New("no assistant message to regenerate")
)

// Session owns the in-memory transcript for one topic. All mutation
// goes through Session methods; callers never touch the message slice
// directly. Methods are safe for concurrent use.
type Session struct {
	mu sync.Mutex

	topic      *model.Topic
	transcript []model.Message
	store      history.Store
	state      State

	// systemContent seeds the synthetic system message when the first
	// user message lands in an empty transcript.
	systemContent string
}

// New creates a session for the given topic backed by the given store.
// systemContent is the system prompt appended ahead of the first user
// message of an empty transcript.
func New(store history.Store, topic *model.Topic, systemContent string) *Session {
	return &Session{
		topic:         topic,
		store:         store,
		state:         StateIdle,
		systemContent: systemContent,
	}
}

// Load replaces the transcript with the topic's persisted messages.
func (s *Session) Load(ctx context.Context) error {
	msgs, err := s.store.GetMessages(ctx, s.topic.ID)
	if err != nil {
		return fmt.Errorf("failed to load transcript: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = msgs
	return nil
}

// Topic returns the session's topic.
func (s *Session) Topic() *model.Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topic
}

// Messages returns a copy of the current transcript.
func (s *Session) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// SetSystemContent updates the prompt used for synthesized system
// messages, e.g. after the user switches models.
func (s *Session) SetSystemContent(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systemContent = content
}

// State returns the current submission state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the submission state machine to next, rejecting
// edges not in the lifecycle.
func (s *Session) Transition(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.state, next) {
		return &ErrInvalidTransition{From: s.state, To: next}
	}
	s.state = next
	return nil
}

// =============================================================================
// TRANSCRIPT OPERATIONS
// =============================================================================

// AppendUserMessage appends a user message, synthesizing the system
// message first when the transcript is empty. The appended messages are
// returned in creation order. Persistence failures do not undo the
// in-memory append.
func (s *Session) AppendUserMessage(ctx context.Context, text string) ([]model.Message, error) {
	s.mu.Lock()

	var appended []model.Message
	if len(s.transcript) == 0 && s.systemContent != "" {
		appended = append(appended, *model.NewSystemMessage(s.systemContent))
	}
	appended = append(appended, *model.NewUserMessage(text))
	s.transcript = append(s.transcript, appended...)

	topicID := s.topic.ID
	s.mu.Unlock()

	var persistErr error
	for i := range appended {
		if err := s.store.AppendMessage(ctx, topicID, &appended[i]); err != nil {
			persistErr = errors.Join(persistErr, err)
		}
	}
	return appended, persistErr
}

// BeginRegenerate prepares the transcript for a resubmission.
//
// With an edited message id and text, every message from the end of the
// transcript back through the edited one is removed — persisted rows
// are deleted newest-first — and a fresh user message carrying the
// edited text is appended. Without an edit, only the trailing run of
// assistant messages is removed and the remaining transcript is
// resubmitted as is.
func (s *Session) BeginRegenerate(ctx context.Context, editedID, editedText string) error {
	if editedID != "" {
		return s.editAndResubmit(ctx, editedID, editedText)
	}
	return s.bareRegenerate(ctx)
}

func (s *Session) editAndResubmit(ctx context.Context, editedID, editedText string) error {
	s.mu.Lock()

	idx := -1
	for i, msg := range s.transcript {
		if msg.ID == editedID {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.mu.Unlock()
		return ErrMessageNotFound
	}

	removed := make([]model.Message, len(s.transcript)-idx)
	copy(removed, s.transcript[idx:])
	s.transcript = s.transcript[:idx]

	replacement := model.NewUserMessage(editedText)
	s.transcript = append(s.transcript, *replacement)

	topicID := s.topic.ID
	s.mu.Unlock()

	// Deletes go newest-first so a crash mid-way never leaves a gap in
	// the middle of the persisted transcript.
	var persistErr error
	for i := len(removed) - 1; i >= 0; i-- {
		if err := s.store.DeleteMessage(ctx, removed[i].ID); err != nil {
			persistErr = errors.Join(persistErr, err)
		}
	}
	if err := s.store.AppendMessage(ctx, topicID, replacement); err != nil {
		persistErr = errors.Join(persistErr, err)
	}
	return persistErr
}

func (s *Session) bareRegenerate(ctx context.Context) error {
	s.mu.Lock()

	idx := len(s.transcript)
	for idx > 0 && s.transcript[idx-1].Role == model.RoleAssistant {
		idx--
	}
	if idx == len(s.transcript) {
		s.mu.Unlock()
		return ErrNothingToRegenerate
	}

	removed := make([]model.Message, len(s.transcript)-idx)
	copy(removed, s.transcript[idx:])
	s.transcript = s.transcript[:idx]
	s.mu.Unlock()

	var persistErr error
	for i := len(removed) - 1; i >= 0; i-- {
		if err := s.store.DeleteMessage(ctx, removed[i].ID); err != nil {
			persistErr = errors.Join(persistErr, err)
		}
	}
	return persistErr
}

// SubmissionPayload returns the ordered role/content pairs for the
// whole transcript, system message included. This is exactly what goes
// upstream.
func (s *Session) SubmissionPayload() []cloud.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload := make([]cloud.ChatMessage, 0, len(s.transcript))
	for _, msg := range s.transcript {
		payload = append(payload, cloud.ChatMessage{
			Role:    msg.Role.String(),
			Content: msg.Content,
		})
	}
	return payload
}

// CommitAssistantMessage archives an assistant turn. Partial text from
// a cancelled stream is committed through the same path as a complete
// response.
func (s *Session) CommitAssistantMessage(ctx context.Context, text, summary string) (*model.Message, error) {
	s.mu.Lock()
	msg := model.NewAssistantMessage(text, summary)
	s.transcript = append(s.transcript, *msg)
	topicID := s.topic.ID
	s.mu.Unlock()

	if err := s.store.AppendMessage(ctx, topicID, msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// RemoveMessage removes one message by id regardless of position and
// issues the matching store delete.
func (s *Session) RemoveMessage(ctx context.Context, id string) error {
	s.mu.Lock()

	idx := -1
	for i, msg := range s.transcript {
		if msg.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	s.transcript = append(s.transcript[:idx], s.transcript[idx+1:]...)
	s.mu.Unlock()

	return s.store.DeleteMessage(ctx, id)
}

// IsEmpty reports whether the transcript has no messages.
func (s *Session) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transcript) == 0
}

// FirstUserMessage returns the first user message in the transcript,
// or nil when none exists. Used to seed topic summarization.
func (s *Session) FirstUserMessage() *model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.transcript {
		if s.transcript[i].Role == model.RoleUser {
			msg := s.transcript[i]
			return &msg
		}
	}
	return nil
}
