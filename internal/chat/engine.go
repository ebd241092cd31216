// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat orchestrates submissions: admission control, transcript
// mutation through the session, the streamed upstream call, and the
// final commit of the assistant turn. All failures are converted to a
// single user-facing error at this boundary; nothing leaves a
// submission stuck mid-stream.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lightgpt/lightgpt/internal/cloud"
	"github.com/lightgpt/lightgpt/internal/history"
	"github.com/lightgpt/lightgpt/internal/model"
	"github.com/lightgpt/lightgpt/internal/ratelimit"
	"github.com/lightgpt/lightgpt/internal/session"
)

// DefaultTopicName is the placeholder name a topic carries until the
// summarize side-call renames it.
const DefaultTopicName = "New Topic"

// Callbacks are the engine's rendering hooks. Each partial callback
// receives the full accumulated value, not the delta. All callbacks
// run on the streaming goroutine.
type Callbacks struct {
	OnText         func(topicID, accumulated string)
	OnSummary      func(topicID, accumulated string)
	OnComplete     func(topicID string, msg *model.Message)
	OnError        func(topicID string, err error)
	OnTopicRenamed func(topicID, name string)
}

// Placeholder is the in-flight assistant turn for a topic. It is
// tagged with its topic id so switching away and back mid-stream
// renders the right text.
type Placeholder struct {
	TopicID string
	Text    string
	Summary string
}

// Engine drives submissions end to end. One stream may be in flight
// per topic; the per-topic session state machine enforces that.
type Engine struct {
	mu sync.Mutex

	client  *cloud.Client
	store   history.Store
	limiter *ratelimit.Limiter

	callbacks Callbacks

	sessions      map[string]*session.Session
	placeholders  map[string]*Placeholder
	inFlight      map[string]context.CancelFunc
	activeTopicID string
}

// NewEngine creates an engine over the given upstream client, history
// store and rate limiter.
func NewEngine(client *cloud.Client, store history.Store, limiter *ratelimit.Limiter) *Engine {
	return &Engine{
		client:       client,
		store:        store,
		limiter:      limiter,
		sessions:     make(map[string]*session.Session),
		placeholders: make(map[string]*Placeholder),
		inFlight:     make(map[string]context.CancelFunc),
	}
}

// SetCallbacks installs the rendering hooks.
func (e *Engine) SetCallbacks(cb Callbacks) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = cb
}

// =============================================================================
// TOPIC MANAGEMENT
// =============================================================================

// Topics lists the topics owned by the configured API key.
func (e *Engine) Topics(ctx context.Context) ([]model.Topic, error) {
	return e.store.ListTopics(ctx, e.client.KeyFingerprint())
}

// NewTopic creates a topic with the placeholder name and makes it
// active.
func (e *Engine) NewTopic(ctx context.Context) (*model.Topic, error) {
	topic := model.NewTopic(DefaultTopicName, e.client.KeyFingerprint())
	if err := e.store.CreateTopic(ctx, topic); err != nil {
		return nil, &PersistenceError{Err: err}
	}

	e.mu.Lock()
	e.sessions[topic.ID] = session.New(e.store, topic, cloud.SystemMessage(e.client.GetModel()))
	e.activeTopicID = topic.ID
	e.mu.Unlock()
	return topic, nil
}

// OpenTopic makes a topic active, loading its transcript from storage.
// The persisted transcript is authoritative on load: any divergence
// left behind by earlier soft-surfaced persistence failures is
// resolved in storage's favor here. A stream already in flight for a
// different topic keeps running detached.
func (e *Engine) OpenTopic(ctx context.Context, topicID string) ([]model.Message, error) {
	e.mu.Lock()
	sess, ok := e.sessions[topicID]
	e.mu.Unlock()

	if !ok {
		topic, err := e.store.GetTopic(ctx, topicID)
		if err != nil {
			return nil, err
		}
		sess = session.New(e.store, topic, cloud.SystemMessage(e.client.GetModel()))
		if err := sess.Load(ctx); err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.sessions[topicID] = sess
		e.mu.Unlock()
	}

	e.mu.Lock()
	e.activeTopicID = topicID
	e.mu.Unlock()
	return sess.Messages(), nil
}

// DeleteTopic removes a topic and its messages, dropping any local
// session for it.
func (e *Engine) DeleteTopic(ctx context.Context, topicID string) error {
	if cancel := e.cancelFor(topicID); cancel != nil {
		cancel()
	}
	e.mu.Lock()
	delete(e.sessions, topicID)
	delete(e.placeholders, topicID)
	if e.activeTopicID == topicID {
		e.activeTopicID = ""
	}
	e.mu.Unlock()
	return e.store.DeleteTopic(ctx, topicID)
}

// RenameTopic renames a topic directly, without the summarize call.
func (e *Engine) RenameTopic(ctx context.Context, topicID, name string) error {
	return e.store.RenameTopic(ctx, topicID, name)
}

// ActiveTopic returns the active topic, or nil when none is open.
func (e *Engine) ActiveTopic() *model.Topic {
	sess := e.activeSession()
	if sess == nil {
		return nil
	}
	return sess.Topic()
}

// Messages returns the active topic's transcript.
func (e *Engine) Messages() []model.Message {
	sess := e.activeSession()
	if sess == nil {
		return nil
	}
	return sess.Messages()
}

// InFlight returns the streaming placeholder for a topic, or nil when
// nothing is streaming for it.
func (e *Engine) InFlight(topicID string) *Placeholder {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.placeholders[topicID]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// RemoveMessage deletes one message from the active transcript and
// from storage.
func (e *Engine) RemoveMessage(ctx context.Context, id string) error {
	sess := e.activeSession()
	if sess == nil {
		return errors.New("no active topic")
	}
	if err := sess.RemoveMessage(ctx, id); err != nil {
		if errors.Is(err, session.ErrMessageNotFound) {
			return err
		}
		return &PersistenceError{Err: err}
	}
	return nil
}

// SetModel switches the upstream model. The active session's system
// prompt follows so the next fresh transcript describes the right
// model.
func (e *Engine) SetModel(modelID string) {
	e.client.SetModel(modelID)
	if sess := e.activeSession(); sess != nil {
		sess.SetSystemContent(cloud.SystemMessage(modelID))
	}
}

// =============================================================================
// SUBMISSION
// =============================================================================

// Submit runs a new-prompt submission for the active topic. It blocks
// until the assistant turn is committed or the submission fails.
func (e *Engine) Submit(ctx context.Context, prompt string) error {
	sess := e.activeSession()
	if sess == nil {
		return errors.New("no active topic")
	}
	if err := sess.Transition(session.StateValidating); err != nil {
		return ErrBusy
	}

	if err := e.admit(sess, true, prompt); err != nil {
		return err
	}

	wasEmpty := sess.IsEmpty()
	if _, err := sess.AppendUserMessage(ctx, prompt); err != nil {
		e.surfaceSoft(sess.Topic().ID, &PersistenceError{Err: err})
	}
	if wasEmpty {
		e.summarizeTopicName(sess)
	}
	return e.stream(ctx, sess)
}

// Regenerate reruns the upstream call for the active topic. With an
// edited message id and text it rewinds the transcript through that
// message first; without one it drops the trailing assistant run and
// resubmits the remaining transcript unchanged.
func (e *Engine) Regenerate(ctx context.Context, editedID, editedText string) error {
	sess := e.activeSession()
	if sess == nil {
		return errors.New("no active topic")
	}
	if err := sess.Transition(session.StateValidating); err != nil {
		return ErrBusy
	}

	if err := e.admit(sess, false, ""); err != nil {
		return err
	}

	if err := sess.BeginRegenerate(ctx, editedID, editedText); err != nil {
		if errors.Is(err, session.ErrMessageNotFound) || errors.Is(err, session.ErrNothingToRegenerate) {
			return e.fail(sess, err)
		}
		e.surfaceSoft(sess.Topic().ID, &PersistenceError{Err: err})
	}
	return e.stream(ctx, sess)
}

// Cancel stops the active topic's in-flight stream. The text
// accumulated so far is committed as a normal assistant turn.
func (e *Engine) Cancel() {
	e.mu.Lock()
	cancel := e.inFlight[e.activeTopicID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// admit runs the pre-flight checks in order, short-circuiting on the
// first failure. No check mutates the transcript.
func (e *Engine) admit(sess *session.Session, newPrompt bool, prompt string) error {
	if !e.limiter.TryAcquire(time.Now()) {
		return e.fail(sess, errRateLimited())
	}
	if !e.client.IsConfigured() {
		return e.fail(sess, errKeyRequired())
	}
	if newPrompt && strings.TrimSpace(prompt) == "" {
		return e.fail(sess, errEmptyPrompt())
	}
	return nil
}

// stream issues the upstream call and pipes it through the decoder and
// aggregator, forwarding partial updates for the active topic only.
func (e *Engine) stream(ctx context.Context, sess *session.Session) error {
	topicID := sess.Topic().ID

	if err := sess.Transition(session.StateSubmitting); err != nil {
		return e.fail(sess, err)
	}

	// Detached from the caller's context so a topic switch lets the
	// stream finish and persist in the background.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	placeholder := &Placeholder{TopicID: topicID}
	e.mu.Lock()
	e.placeholders[topicID] = placeholder
	e.inFlight[topicID] = cancel
	cb := e.callbacks
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.placeholders, topicID)
		delete(e.inFlight, topicID)
		e.mu.Unlock()
	}()

	agg := cloud.NewAggregator()
	agg.OnText = func(full string) {
		e.mu.Lock()
		placeholder.Text = full
		active := e.activeTopicID == topicID
		e.mu.Unlock()
		if active && cb.OnText != nil {
			cb.OnText(topicID, full)
		}
	}
	agg.OnSummary = func(full string) {
		e.mu.Lock()
		placeholder.Summary = full
		active := e.activeTopicID == topicID
		e.mu.Unlock()
		if active && cb.OnSummary != nil {
			cb.OnSummary(topicID, full)
		}
	}

	payload := sess.SubmissionPayload()
	if err := sess.Transition(session.StateStreaming); err != nil {
		return e.fail(sess, err)
	}

	streamErr := e.client.ChatStream(streamCtx, payload, agg.Feed)

	switch {
	case agg.Err() != nil:
		// Explicit error event on the stream: partial text is
		// discarded, unlike cancellation.
		return e.fail(sess, &ProtocolError{Err: agg.Err()})
	case streamErr != nil && errors.Is(streamErr, context.Canceled):
		return e.commit(ctx, sess, cb, agg.PartialText(), agg.PartialSummary())
	case streamErr != nil:
		return e.fail(sess, &TransportError{Err: streamErr})
	default:
		finalText, finalSummary := agg.Result()
		return e.commit(ctx, sess, cb, finalText, finalSummary)
	}
}

// commit archives the assistant turn and returns the machine to idle.
func (e *Engine) commit(ctx context.Context, sess *session.Session, cb Callbacks, text, summary string) error {
	topicID := sess.Topic().ID

	if err := sess.Transition(session.StateCommitting); err != nil {
		return e.fail(sess, err)
	}
	msg, err := sess.CommitAssistantMessage(context.WithoutCancel(ctx), text, summary)
	if err != nil {
		e.surfaceSoft(topicID, &PersistenceError{Err: err})
	}
	if err := sess.Transition(session.StateIdle); err != nil {
		return err
	}
	if cb.OnComplete != nil {
		cb.OnComplete(topicID, msg)
	}
	return nil
}

// fail surfaces one error and returns the machine to idle.
func (e *Engine) fail(sess *session.Session, cause error) error {
	topicID := sess.Topic().ID

	if err := sess.Transition(session.StateFailed); err != nil {
		log.Error().Err(err).Str("topic", topicID).Msg("state machine desync")
	}
	if err := sess.Transition(session.StateIdle); err != nil {
		log.Error().Err(err).Str("topic", topicID).Msg("state machine desync")
	}

	e.mu.Lock()
	cb := e.callbacks
	e.mu.Unlock()
	if cb.OnError != nil {
		cb.OnError(topicID, cause)
	}
	return cause
}

// surfaceSoft reports a persistence failure without aborting the
// submission. The in-memory transcript stays authoritative.
func (e *Engine) surfaceSoft(topicID string, err error) {
	log.Warn().Err(err).Str("topic", topicID).Msg("history write failed")
	e.mu.Lock()
	cb := e.callbacks
	e.mu.Unlock()
	if cb.OnError != nil {
		cb.OnError(topicID, err)
	}
}

// =============================================================================
// TOPIC SUMMARIZATION
// =============================================================================

// summarizeTopicName asks the model for a short topic name based on
// the first user message. Best effort and fully independent of the
// main submission: a failure here is logged and nothing else.
func (e *Engine) summarizeTopicName(sess *session.Session) {
	topic := sess.Topic()
	if topic.Name != DefaultTopicName {
		return
	}
	first := sess.FirstUserMessage()
	if first == nil {
		return
	}

	topicID := topic.ID
	content := first.Content
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		resp, err := e.client.Chat(ctx, []cloud.ChatMessage{
			cloud.NewUserMessage(cloud.SummarizePrompt + content),
		})
		if err != nil {
			log.Debug().Err(err).Str("topic", topicID).Msg("topic summarize failed")
			return
		}
		name := strings.TrimSpace(strings.Trim(strings.TrimSpace(resp.GetContent()), `"`))
		if name == "" {
			return
		}

		if err := e.store.RenameTopic(ctx, topicID, name); err != nil {
			log.Debug().Err(err).Str("topic", topicID).Msg("topic rename failed")
			return
		}
		topic.Name = name

		e.mu.Lock()
		cb := e.callbacks
		e.mu.Unlock()
		if cb.OnTopicRenamed != nil {
			cb.OnTopicRenamed(topicID, name)
		}
	}()
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) activeSession() *session.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.activeTopicID == "" {
		return nil
	}
	return e.sessions[e.activeTopicID]
}

func (e *Engine) cancelFor(topicID string) context.CancelFunc {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight[topicID]
}
