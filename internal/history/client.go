// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lightgpt/lightgpt/internal/model"
)

// sharedHistoryClient is the pooled HTTP client for history requests.
var sharedHistoryClient = &http.Client{
	Timeout: 30 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     90 * time.Second,
	},
}

// HTTPStore implements Store against a remote history server.
type HTTPStore struct {
	baseURL string
	client  *http.Client
}

// NewHTTPStore creates a Store backed by the history server at baseURL.
func NewHTTPStore(baseURL string) *HTTPStore {
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  sharedHistoryClient,
	}
}

// ListTopics fetches all topics owned by the given key fingerprint.
func (h *HTTPStore) ListTopics(ctx context.Context, ownerFingerprint string) ([]model.Topic, error) {
	path := "/topics"
	if ownerFingerprint != "" {
		path += "?owner=" + url.QueryEscape(ownerFingerprint)
	}
	var topics []model.Topic
	if err := h.do(ctx, http.MethodGet, path, nil, &topics); err != nil {
		return nil, err
	}
	return topics, nil
}

// GetTopic fetches a single topic by id.
func (h *HTTPStore) GetTopic(ctx context.Context, topicID string) (*model.Topic, error) {
	var topic model.Topic
	if err := h.do(ctx, http.MethodGet, "/topics/"+url.PathEscape(topicID), nil, &topic); err != nil {
		return nil, err
	}
	return &topic, nil
}

// CreateTopic persists a new topic.
func (h *HTTPStore) CreateTopic(ctx context.Context, topic *model.Topic) error {
	return h.do(ctx, http.MethodPost, "/topics", topic, nil)
}

// RenameTopic updates a topic's name.
func (h *HTTPStore) RenameTopic(ctx context.Context, topicID, name string) error {
	body := map[string]string{"name": name}
	return h.do(ctx, http.MethodPatch, "/topics/"+url.PathEscape(topicID), body, nil)
}

// DeleteTopic removes a topic and all of its messages.
func (h *HTTPStore) DeleteTopic(ctx context.Context, topicID string) error {
	return h.do(ctx, http.MethodDelete, "/topics/"+url.PathEscape(topicID), nil, nil)
}

// GetMessages fetches a topic's messages, oldest first.
func (h *HTTPStore) GetMessages(ctx context.Context, topicID string) ([]model.Message, error) {
	var msgs []model.Message
	path := "/topics/" + url.PathEscape(topicID) + "/messages"
	if err := h.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// AppendMessage persists a message under the given topic.
func (h *HTTPStore) AppendMessage(ctx context.Context, topicID string, msg *model.Message) error {
	body := appendMessageRequest{TopicID: topicID, Message: *msg}
	return h.do(ctx, http.MethodPost, "/messages", body, nil)
}

// DeleteMessage removes a single message by id.
func (h *HTTPStore) DeleteMessage(ctx context.Context, messageID string) error {
	return h.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID), nil, nil)
}

// Close is a no-op for the HTTP store.
func (h *HTTPStore) Close() error {
	return nil
}

// do issues one request and decodes the JSON response into out when
// out is non-nil. Not-found responses map to the store sentinels.
func (h *HTTPStore) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("history request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		if strings.HasPrefix(path, "/messages/") {
			return ErrMessageNotFound
		}
		return ErrTopicNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("history server error (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("history server error (%d)", resp.StatusCode)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
