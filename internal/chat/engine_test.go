// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightgpt/lightgpt/internal/cloud"
	"github.com/lightgpt/lightgpt/internal/model"
	"github.com/lightgpt/lightgpt/internal/ratelimit"
)

// =============================================================================
// IN-MEMORY STORE
// =============================================================================

type memStore struct {
	mu     sync.Mutex
	topics map[string]*model.Topic
	msgs   map[string][]model.Message
}

func newMemStore() *memStore {
	return &memStore{
		topics: make(map[string]*model.Topic),
		msgs:   make(map[string][]model.Message),
	}
}

func (m *memStore) ListTopics(_ context.Context, owner string) ([]model.Topic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Topic
	for _, t := range m.topics {
		if owner == "" || t.OwnerKeyFingerprint == owner {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *memStore) GetTopic(_ context.Context, id string) (*model.Topic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[id]
	if !ok {
		return nil, errTopicMissing
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) CreateTopic(_ context.Context, topic *model.Topic) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *topic
	m.topics[topic.ID] = &cp
	return nil
}

func (m *memStore) RenameTopic(_ context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[id]
	if !ok {
		return errTopicMissing
	}
	t.Name = name
	return nil
}

func (m *memStore) DeleteTopic(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.topics, id)
	delete(m.msgs, id)
	return nil
}

func (m *memStore) GetMessages(_ context.Context, topicID string) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Message, len(m.msgs[topicID]))
	copy(out, m.msgs[topicID])
	return out, nil
}

func (m *memStore) AppendMessage(_ context.Context, topicID string, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs[topicID] = append(m.msgs[topicID], *msg)
	return nil
}

func (m *memStore) DeleteMessage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for topicID, msgs := range m.msgs {
		for i, msg := range msgs {
			if msg.ID == id {
				m.msgs[topicID] = append(msgs[:i], msgs[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) topicName(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.topics[id]; ok {
		return t.Name
	}
	return ""
}

var errTopicMissing = assert.AnError

// =============================================================================
// TEST UPSTREAM
// =============================================================================

// upstream is an httptest server speaking both the streaming SSE shape
// and the non-streaming summarize shape on /chat/completions.
type upstream struct {
	server *httptest.Server

	// deltas are streamed for each streaming request.
	deltas []string
	// errorPayload, when set, is sent instead of a [DONE] terminator.
	errorPayload string
	// summarizeReply answers non-streaming requests.
	summarizeReply string
	// hold, when non-nil, blocks the stream after the deltas until the
	// request context is cancelled or the channel is closed.
	hold chan struct{}

	mu           sync.Mutex
	streamCalls  int
	summaryCalls int
}

func newUpstream(t *testing.T) *upstream {
	u := &upstream{summarizeReply: "Test Topic Name"}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Stream bool `json:"stream"`
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &req)

		if !req.Stream {
			u.mu.Lock()
			u.summaryCalls++
			reply := u.summarizeReply
			u.mu.Unlock()

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{
					{"message": map[string]string{"role": "assistant", "content": reply}},
				},
			})
			return
		}

		u.mu.Lock()
		u.streamCalls++
		deltas := u.deltas
		errPayload := u.errorPayload
		hold := u.hold
		u.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, d := range deltas {
			data, _ := json.Marshal(map[string]any{
				"choices": []map[string]any{{"delta": map[string]string{"content": d}}},
			})
			io.WriteString(w, "data: "+string(data)+"\n\n")
			flusher.Flush()
		}

		if errPayload != "" {
			io.WriteString(w, "data: "+errPayload+"\n\n")
			flusher.Flush()
			return
		}

		if hold != nil {
			select {
			case <-hold:
			case <-r.Context().Done():
				return
			}
		}

		io.WriteString(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	t.Cleanup(u.server.Close)
	return u
}

func (u *upstream) callCounts() (streams, summaries int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.streamCalls, u.summaryCalls
}

func newTestEngine(t *testing.T, u *upstream, limiter *ratelimit.Limiter) (*Engine, *memStore) {
	t.Helper()
	client := cloud.NewClient("test-key").WithBaseURL(u.server.URL)
	if limiter == nil {
		limiter = ratelimit.NewDefault()
	}
	store := newMemStore()
	return NewEngine(client, store, limiter), store
}

// =============================================================================
// ADMISSION
// =============================================================================

func TestSubmitRateLimited(t *testing.T) {
	u := newUpstream(t)
	limiter := ratelimit.New(1, time.Minute)
	require.True(t, limiter.TryAcquire(time.Now()))

	engine, _ := newTestEngine(t, u, limiter)
	_, err := engine.NewTopic(context.Background())
	require.NoError(t, err)

	err = engine.Submit(context.Background(), "hello")
	var aerr *AdmissionError
	require.ErrorAs(t, err, &aerr)
	assert.Contains(t, aerr.Reason, "too frequent")

	// No network call was made and the transcript is untouched.
	streams, _ := u.callCounts()
	assert.Zero(t, streams)
	assert.Empty(t, engine.Messages())
}

func TestSubmitKeyRequired(t *testing.T) {
	u := newUpstream(t)
	client := cloud.NewClient("").WithBaseURL(u.server.URL)
	engine := NewEngine(client, newMemStore(), ratelimit.NewDefault())
	_, err := engine.NewTopic(context.Background())
	require.NoError(t, err)

	err = engine.Submit(context.Background(), "hello")
	var aerr *AdmissionError
	require.ErrorAs(t, err, &aerr)
	assert.True(t, aerr.KeyRequired)
	assert.Empty(t, engine.Messages())
}

func TestSubmitEmptyPrompt(t *testing.T) {
	u := newUpstream(t)
	engine, _ := newTestEngine(t, u, nil)
	_, err := engine.NewTopic(context.Background())
	require.NoError(t, err)

	err = engine.Submit(context.Background(), "   ")
	var aerr *AdmissionError
	require.ErrorAs(t, err, &aerr)
	assert.Contains(t, aerr.Reason, "enter a message")
	assert.Empty(t, engine.Messages())
}

func TestAdmissionChecksShortCircuitInOrder(t *testing.T) {
	// Rate limit is checked before the key: an unconfigured client
	// still reports "too frequent" when the limiter rejects.
	u := newUpstream(t)
	limiter := ratelimit.New(1, time.Minute)
	require.True(t, limiter.TryAcquire(time.Now()))

	client := cloud.NewClient("").WithBaseURL(u.server.URL)
	engine := NewEngine(client, newMemStore(), limiter)
	_, err := engine.NewTopic(context.Background())
	require.NoError(t, err)

	err = engine.Submit(context.Background(), "hello")
	var aerr *AdmissionError
	require.ErrorAs(t, err, &aerr)
	assert.False(t, aerr.KeyRequired)
}

// =============================================================================
// STREAMING SUBMISSION
// =============================================================================

func TestSubmitHappyPath(t *testing.T) {
	u := newUpstream(t)
	u.deltas = []string{"Hello", " world"}

	engine, store := newTestEngine(t, u, nil)
	topic, err := engine.NewTopic(context.Background())
	require.NoError(t, err)

	var updates []string
	var completed *model.Message
	engine.SetCallbacks(Callbacks{
		OnText:     func(_, accumulated string) { updates = append(updates, accumulated) },
		OnComplete: func(_ string, msg *model.Message) { completed = msg },
	})

	require.NoError(t, engine.Submit(context.Background(), "hi there"))

	assert.Equal(t, []string{"Hello", "Hello world"}, updates)
	require.NotNil(t, completed)
	assert.Equal(t, "Hello world", completed.Content)

	msgs := engine.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, model.RoleSystem, msgs[0].Role)
	assert.Equal(t, model.RoleUser, msgs[1].Role)
	assert.Equal(t, "hi there", msgs[1].Content)
	assert.Equal(t, model.RoleAssistant, msgs[2].Role)
	assert.Equal(t, "Hello world", msgs[2].Content)

	stored, err := store.GetMessages(context.Background(), topic.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 3)

	// The machine is idle again: a second submission is accepted.
	require.NoError(t, engine.Submit(context.Background(), "again"))
}

func TestSubmitRenamesNewTopic(t *testing.T) {
	u := newUpstream(t)
	u.deltas = []string{"answer"}
	u.summarizeReply = "Short Topic Name"

	engine, store := newTestEngine(t, u, nil)
	topic, err := engine.NewTopic(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultTopicName, topic.Name)

	require.NoError(t, engine.Submit(context.Background(), "what is the weather"))

	// The summarize side-call is asynchronous and best-effort.
	require.Eventually(t, func() bool {
		return store.topicName(topic.ID) == "Short Topic Name"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubmitProtocolErrorDiscardsPartial(t *testing.T) {
	u := newUpstream(t)
	u.deltas = []string{"partial text"}
	u.errorPayload = `{"error":{"code":"overloaded","message":"server busy"}}`

	engine, store := newTestEngine(t, u, nil)
	topic, err := engine.NewTopic(context.Background())
	require.NoError(t, err)

	var reported error
	engine.SetCallbacks(Callbacks{
		OnError: func(_ string, err error) { reported = err },
	})

	err = engine.Submit(context.Background(), "hello")
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	require.ErrorAs(t, reported, &perr)

	// The user's own message survives; only the assistant turn is
	// missing and the partial text was not archived.
	msgs := engine.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[1].Role)

	stored, _ := store.GetMessages(context.Background(), topic.ID)
	assert.Len(t, stored, 2)

	// Failed submissions return to idle.
	u.mu.Lock()
	u.errorPayload = ""
	u.deltas = []string{"recovered"}
	u.mu.Unlock()
	require.NoError(t, engine.Submit(context.Background(), "retry"))
}

func TestCancelCommitsPartialText(t *testing.T) {
	u := newUpstream(t)
	u.deltas = []string{"Hello", " wor"}
	u.hold = make(chan struct{})

	engine, _ := newTestEngine(t, u, nil)
	_, err := engine.NewTopic(context.Background())
	require.NoError(t, err)

	engine.SetCallbacks(Callbacks{
		OnText: func(_, accumulated string) {
			if accumulated == "Hello wor" {
				engine.Cancel()
			}
		},
	})

	require.NoError(t, engine.Submit(context.Background(), "tell me everything"))

	// Cancellation is not an error: the partial text is archived as a
	// complete assistant turn.
	msgs := engine.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, model.RoleAssistant, msgs[2].Role)
	assert.Equal(t, "Hello wor", msgs[2].Content)
}

func TestSubmitRejectsConcurrentSubmission(t *testing.T) {
	u := newUpstream(t)
	u.deltas = []string{"slow"}
	u.hold = make(chan struct{})

	engine, _ := newTestEngine(t, u, nil)
	_, err := engine.NewTopic(context.Background())
	require.NoError(t, err)

	streaming := make(chan struct{})
	engine.SetCallbacks(Callbacks{
		OnText: func(_, _ string) {
			select {
			case <-streaming:
			default:
				close(streaming)
			}
		},
	})

	done := make(chan error, 1)
	go func() {
		done <- engine.Submit(context.Background(), "first")
	}()

	<-streaming
	assert.ErrorIs(t, engine.Submit(context.Background(), "second"), ErrBusy)

	close(u.hold)
	require.NoError(t, <-done)
}

func TestTopicSwitchDetachesStream(t *testing.T) {
	u := newUpstream(t)
	u.deltas = []string{"background"}
	u.hold = make(chan struct{})

	engine, store := newTestEngine(t, u, nil)
	first, err := engine.NewTopic(context.Background())
	require.NoError(t, err)

	var forwarded []string
	var mu sync.Mutex
	streaming := make(chan struct{})
	engine.SetCallbacks(Callbacks{
		OnText: func(_, accumulated string) {
			mu.Lock()
			forwarded = append(forwarded, accumulated)
			mu.Unlock()
			select {
			case <-streaming:
			default:
				close(streaming)
			}
		},
	})

	done := make(chan error, 1)
	go func() {
		done <- engine.Submit(context.Background(), "long question")
	}()
	<-streaming

	// Switch away mid-stream: the in-flight placeholder stays tagged
	// with the topic it belongs to.
	second, err := engine.NewTopic(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	p := engine.InFlight(first.ID)
	require.NotNil(t, p)
	assert.Equal(t, first.ID, p.TopicID)
	assert.Equal(t, "background", p.Text)

	// The detached stream completes and persists in the background.
	close(u.hold)
	require.NoError(t, <-done)

	stored, err := store.GetMessages(context.Background(), first.ID)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, "background", stored[2].Content)

	// Once finished, nothing is in flight for the old topic.
	assert.Nil(t, engine.InFlight(first.ID))
}

// =============================================================================
// REGENERATE
// =============================================================================

func TestRegenerateBare(t *testing.T) {
	u := newUpstream(t)
	u.deltas = []string{"first answer"}

	engine, _ := newTestEngine(t, u, nil)
	_, err := engine.NewTopic(context.Background())
	require.NoError(t, err)
	require.NoError(t, engine.Submit(context.Background(), "question"))

	u.mu.Lock()
	u.deltas = []string{"second answer"}
	u.mu.Unlock()

	require.NoError(t, engine.Regenerate(context.Background(), "", ""))

	msgs := engine.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "second answer", msgs[2].Content)
}

func TestRegenerateEditRewindsTranscript(t *testing.T) {
	u := newUpstream(t)
	u.deltas = []string{"answer one"}

	engine, store := newTestEngine(t, u, nil)
	topic, err := engine.NewTopic(context.Background())
	require.NoError(t, err)
	require.NoError(t, engine.Submit(context.Background(), "original question"))

	u.mu.Lock()
	u.deltas = []string{"answer two"}
	u.mu.Unlock()

	userMsg := engine.Messages()[1]
	require.NoError(t, engine.Regenerate(context.Background(), userMsg.ID, "edited question"))

	msgs := engine.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "edited question", msgs[1].Content)
	assert.NotEqual(t, userMsg.ID, msgs[1].ID)
	assert.Equal(t, "answer two", msgs[2].Content)

	stored, _ := store.GetMessages(context.Background(), topic.ID)
	assert.Len(t, stored, 3)
}

func TestRegenerateUnknownEditTarget(t *testing.T) {
	u := newUpstream(t)
	u.deltas = []string{"answer"}

	engine, _ := newTestEngine(t, u, nil)
	_, err := engine.NewTopic(context.Background())
	require.NoError(t, err)
	require.NoError(t, engine.Submit(context.Background(), "question"))

	err = engine.Regenerate(context.Background(), "bogus-id", "text")
	require.Error(t, err)
	assert.Len(t, engine.Messages(), 3)
}
