// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package history provides conversation persistence: a minimal CRUD
// store of topics and their messages, a sqlite implementation, an HTTP
// front end, and an HTTP client speaking the same contract.
//
// The store is a collaborator of the chat engine, not its source of
// truth: the in-memory transcript wins for the life of a session, and
// the store is re-read wholesale on the next topic load.
package history

import (
	"context"
	"errors"

	"github.com/lightgpt/lightgpt/internal/model"
)

// Errors shared by all store implementations.
var (
	// ErrTopicNotFound is returned when a topic does not exist.
	ErrTopicNotFound = errors.New("topic not found")

	// ErrMessageNotFound is returned when a message does not exist.
	ErrMessageNotFound = errors.New("message not found")
)

// Store is the persistence contract the chat engine requires.
//
// Messages are appended at most once under their original ID; edits
// produce new messages rather than row mutations. DeleteTopic cascades
// to the topic's messages.
type Store interface {
	// ListTopics returns the topics owned by the given key
	// fingerprint, most recent first.
	ListTopics(ctx context.Context, ownerFingerprint string) ([]model.Topic, error)

	// GetTopic returns one topic by ID.
	GetTopic(ctx context.Context, id string) (*model.Topic, error)

	// CreateTopic stores a new topic.
	CreateTopic(ctx context.Context, topic *model.Topic) error

	// RenameTopic updates a topic's name. The operation is idempotent.
	RenameTopic(ctx context.Context, id, name string) error

	// DeleteTopic removes a topic and all of its messages.
	DeleteTopic(ctx context.Context, id string) error

	// GetMessages returns a topic's messages ordered by CreatedAt
	// ascending.
	GetMessages(ctx context.Context, topicID string) ([]model.Message, error)

	// AppendMessage stores one message under a topic.
	AppendMessage(ctx context.Context, topicID string, msg *model.Message) error

	// DeleteMessage removes a single message by ID.
	DeleteMessage(ctx context.Context, id string) error

	// Close releases the store's resources.
	Close() error
}
