// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightgpt/lightgpt/internal/model"
)

// recordingStore captures the persistence calls a session issues, in
// order.
type recordingStore struct {
	mu  sync.Mutex
	ops []storeOp

	failDeletes bool
}

type storeOp struct {
	kind string // "append" or "delete"
	id   string
}

func (r *recordingStore) record(kind, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, storeOp{kind: kind, id: id})
}

func (r *recordingStore) Ops() []storeOp {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]storeOp, len(r.ops))
	copy(out, r.ops)
	return out
}

func (r *recordingStore) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = nil
}

func (r *recordingStore) ListTopics(context.Context, string) ([]model.Topic, error) {
	return nil, nil
}
func (r *recordingStore) GetTopic(context.Context, string) (*model.Topic, error) { return nil, nil }
func (r *recordingStore) CreateTopic(context.Context, *model.Topic) error        { return nil }
func (r *recordingStore) RenameTopic(context.Context, string, string) error      { return nil }
func (r *recordingStore) DeleteTopic(context.Context, string) error              { return nil }
func (r *recordingStore) GetMessages(context.Context, string) ([]model.Message, error) {
	return nil, nil
}

func (r *recordingStore) AppendMessage(_ context.Context, _ string, msg *model.Message) error {
	r.record("append", msg.ID)
	return nil
}

func (r *recordingStore) DeleteMessage(_ context.Context, id string) error {
	if r.failDeletes {
		return errors.New("store unavailable")
	}
	r.record("delete", id)
	return nil
}

func (r *recordingStore) Close() error { return nil }

// seedSession builds a session holding [sys, u1, a1, u2, a2].
func seedSession(t *testing.T, store *recordingStore) *Session {
	t.Helper()
	ctx := context.Background()

	sess := New(store, model.NewTopic("test", "fp"), "system prompt")
	_, err := sess.AppendUserMessage(ctx, "first question")
	require.NoError(t, err)
	_, err = sess.CommitAssistantMessage(ctx, "first answer", "")
	require.NoError(t, err)
	_, err = sess.AppendUserMessage(ctx, "second question")
	require.NoError(t, err)
	_, err = sess.CommitAssistantMessage(ctx, "second answer", "")
	require.NoError(t, err)

	msgs := sess.Messages()
	require.Len(t, msgs, 5)
	store.Reset()
	return sess
}

func roles(msgs []model.Message) []model.Role {
	out := make([]model.Role, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func TestAppendUserMessageSynthesizesSystem(t *testing.T) {
	store := &recordingStore{}
	sess := New(store, model.NewTopic("test", "fp"), "you are helpful")

	appended, err := sess.AppendUserMessage(context.Background(), "hi")
	require.NoError(t, err)
	require.Len(t, appended, 2)
	assert.Equal(t, model.RoleSystem, appended[0].Role)
	assert.Equal(t, "you are helpful", appended[0].Content)
	assert.Equal(t, model.RoleUser, appended[1].Role)

	// Persisted in creation order: system first.
	ops := store.Ops()
	require.Len(t, ops, 2)
	assert.Equal(t, appended[0].ID, ops[0].id)
	assert.Equal(t, appended[1].ID, ops[1].id)
}

func TestAppendUserMessageNoSystemWhenNotEmpty(t *testing.T) {
	store := &recordingStore{}
	sess := New(store, model.NewTopic("test", "fp"), "sys")

	_, err := sess.AppendUserMessage(context.Background(), "one")
	require.NoError(t, err)
	appended, err := sess.AppendUserMessage(context.Background(), "two")
	require.NoError(t, err)
	require.Len(t, appended, 1)
	assert.Equal(t, model.RoleUser, appended[0].Role)
}

func TestEditAndResubmit(t *testing.T) {
	store := &recordingStore{}
	sess := seedSession(t, store)
	before := sess.Messages() // [sys, u1, a1, u2, a2]
	u1, a1, u2, a2 := before[1], before[2], before[3], before[4]

	err := sess.BeginRegenerate(context.Background(), u1.ID, "X")
	require.NoError(t, err)

	after := sess.Messages()
	require.Len(t, after, 2)
	assert.Equal(t, model.RoleSystem, after[0].Role)
	assert.Equal(t, model.RoleUser, after[1].Role)
	assert.Equal(t, "X", after[1].Content)
	// The replacement gets a fresh id; persisted rows are never mutated.
	assert.NotEqual(t, u1.ID, after[1].ID)

	// Exactly 4 deletes in reverse chronological order, then 1 append.
	ops := store.Ops()
	require.Len(t, ops, 5)
	assert.Equal(t, []storeOp{
		{kind: "delete", id: a2.ID},
		{kind: "delete", id: u2.ID},
		{kind: "delete", id: a1.ID},
		{kind: "delete", id: u1.ID},
		{kind: "append", id: after[1].ID},
	}, ops)
}

func TestEditUnknownMessage(t *testing.T) {
	store := &recordingStore{}
	sess := seedSession(t, store)

	err := sess.BeginRegenerate(context.Background(), "no-such-id", "X")
	assert.ErrorIs(t, err, ErrMessageNotFound)
	assert.Len(t, sess.Messages(), 5)
	assert.Empty(t, store.Ops())
}

func TestBareRegenerateTrailingAssistantRun(t *testing.T) {
	store := &recordingStore{}
	ctx := context.Background()

	// [sys, u1, a1, a2]: two trailing assistant turns.
	sess := New(store, model.NewTopic("test", "fp"), "sys")
	_, err := sess.AppendUserMessage(ctx, "question")
	require.NoError(t, err)
	a1, err := sess.CommitAssistantMessage(ctx, "take one", "")
	require.NoError(t, err)
	a2, err := sess.CommitAssistantMessage(ctx, "take two", "")
	require.NoError(t, err)
	store.Reset()

	err = sess.BeginRegenerate(ctx, "", "")
	require.NoError(t, err)

	after := sess.Messages()
	assert.Equal(t, []model.Role{model.RoleSystem, model.RoleUser}, roles(after))

	ops := store.Ops()
	require.Len(t, ops, 2)
	assert.Equal(t, []storeOp{
		{kind: "delete", id: a2.ID},
		{kind: "delete", id: a1.ID},
	}, ops)
}

func TestBareRegenerateStopsAtFirstNonAssistant(t *testing.T) {
	store := &recordingStore{}
	sess := seedSession(t, store) // [sys, u1, a1, u2, a2]

	err := sess.BeginRegenerate(context.Background(), "", "")
	require.NoError(t, err)

	after := sess.Messages()
	assert.Equal(t, []model.Role{
		model.RoleSystem, model.RoleUser, model.RoleAssistant, model.RoleUser,
	}, roles(after))
	assert.Len(t, store.Ops(), 1)
}

func TestBareRegenerateNothingToDo(t *testing.T) {
	store := &recordingStore{}
	ctx := context.Background()

	sess := New(store, model.NewTopic("test", "fp"), "sys")
	_, err := sess.AppendUserMessage(ctx, "hi")
	require.NoError(t, err)

	err = sess.BeginRegenerate(ctx, "", "")
	assert.ErrorIs(t, err, ErrNothingToRegenerate)
}

func TestRegeneratePersistenceFailureKeepsTranscript(t *testing.T) {
	store := &recordingStore{}
	sess := seedSession(t, store)
	store.failDeletes = true

	err := sess.BeginRegenerate(context.Background(), "", "")
	require.Error(t, err)
	// The in-memory transcript is the source of truth and still reflects
	// the regenerate, despite the failed deletes.
	assert.Len(t, sess.Messages(), 4)
}

func TestSubmissionPayload(t *testing.T) {
	store := &recordingStore{}
	sess := seedSession(t, store)

	payload := sess.SubmissionPayload()
	require.Len(t, payload, 5)
	assert.Equal(t, "system", payload[0].Role)
	assert.Equal(t, "system prompt", payload[0].Content)
	assert.Equal(t, "user", payload[1].Role)
	assert.Equal(t, "first question", payload[1].Content)
	assert.Equal(t, "assistant", payload[4].Role)
	assert.Equal(t, "second answer", payload[4].Content)
}

func TestRemoveMessage(t *testing.T) {
	store := &recordingStore{}
	sess := seedSession(t, store)
	target := sess.Messages()[2] // a1, mid-transcript

	require.NoError(t, sess.RemoveMessage(context.Background(), target.ID))
	assert.Len(t, sess.Messages(), 4)
	for _, m := range sess.Messages() {
		assert.NotEqual(t, target.ID, m.ID)
	}

	err := sess.RemoveMessage(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestStateMachineLifecycle(t *testing.T) {
	store := &recordingStore{}
	sess := New(store, model.NewTopic("test", "fp"), "sys")

	assert.Equal(t, StateIdle, sess.State())
	require.NoError(t, sess.Transition(StateValidating))
	require.NoError(t, sess.Transition(StateSubmitting))
	require.NoError(t, sess.Transition(StateStreaming))
	// Cancellation edge: streaming straight to committing.
	require.NoError(t, sess.Transition(StateCommitting))
	require.NoError(t, sess.Transition(StateIdle))
}

func TestStateMachineFailedRecovers(t *testing.T) {
	store := &recordingStore{}
	sess := New(store, model.NewTopic("test", "fp"), "sys")

	require.NoError(t, sess.Transition(StateValidating))
	require.NoError(t, sess.Transition(StateFailed))
	require.NoError(t, sess.Transition(StateIdle))
}

func TestStateMachineRejectsInvalidEdges(t *testing.T) {
	store := &recordingStore{}
	sess := New(store, model.NewTopic("test", "fp"), "sys")

	err := sess.Transition(StateStreaming)
	require.Error(t, err)
	var inv *ErrInvalidTransition
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, StateIdle, inv.From)
	assert.Equal(t, StateStreaming, inv.To)

	// A second submission cannot start while one is active.
	require.NoError(t, sess.Transition(StateValidating))
	assert.Error(t, sess.Transition(StateValidating))
}

func TestFirstUserMessage(t *testing.T) {
	store := &recordingStore{}
	sess := seedSession(t, store)

	first := sess.FirstUserMessage()
	require.NotNil(t, first)
	assert.Equal(t, "first question", first.Content)

	empty := New(store, model.NewTopic("t", "fp"), "sys")
	assert.Nil(t, empty.FirstUserMessage())
}
