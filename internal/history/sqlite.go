// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/lightgpt/lightgpt/internal/model"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS topics (
		id                TEXT PRIMARY KEY,
		name              TEXT NOT NULL,
		created_at        INTEGER NOT NULL,
		owner_fingerprint TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_topics_owner ON topics(owner_fingerprint, created_at DESC);

	CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		topic_id   TEXT NOT NULL REFERENCES topics(id) ON DELETE CASCADE,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		summary    TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_topic ON messages(topic_id, created_at ASC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ListTopics returns the topics owned by the fingerprint, most recent first.
func (s *SQLiteStore) ListTopics(ctx context.Context, ownerFingerprint string) ([]model.Topic, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at, owner_fingerprint
		 FROM topics WHERE owner_fingerprint = ?
		 ORDER BY created_at DESC`, ownerFingerprint)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	defer rows.Close()

	var topics []model.Topic
	for rows.Next() {
		var t model.Topic
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt, &t.OwnerKeyFingerprint); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

// GetTopic returns one topic by ID.
func (s *SQLiteStore) GetTopic(ctx context.Context, id string) (*model.Topic, error) {
	var t model.Topic
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, owner_fingerprint FROM topics WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &t.CreatedAt, &t.OwnerKeyFingerprint)
	if err == sql.ErrNoRows {
		return nil, ErrTopicNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get topic: %w", err)
	}
	return &t, nil
}

// CreateTopic stores a new topic.
func (s *SQLiteStore) CreateTopic(ctx context.Context, topic *model.Topic) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO topics (id, name, created_at, owner_fingerprint) VALUES (?, ?, ?, ?)`,
		topic.ID, topic.Name, topic.CreatedAt, topic.OwnerKeyFingerprint)
	if err != nil {
		return fmt.Errorf("create topic: %w", err)
	}
	return nil
}

// RenameTopic updates a topic's name.
func (s *SQLiteStore) RenameTopic(ctx context.Context, id, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE topics SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return fmt.Errorf("rename topic: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTopicNotFound
	}
	return nil
}

// DeleteTopic removes a topic and cascades to its messages.
func (s *SQLiteStore) DeleteTopic(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete topic: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE topic_id = ?`, id); err != nil {
		return fmt.Errorf("delete topic messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM topics WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete topic: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTopicNotFound
	}
	return tx.Commit()
}

// GetMessages returns a topic's messages ordered by created_at ascending.
func (s *SQLiteStore) GetMessages(ctx context.Context, topicID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, summary, created_at
		 FROM messages WHERE topic_id = ?
		 ORDER BY created_at ASC`, topicID)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		var role string
		if err := rows.Scan(&m.ID, &role, &m.Content, &m.Summary, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = model.Role(role)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AppendMessage stores one message under a topic.
func (s *SQLiteStore) AppendMessage(ctx context.Context, topicID string, msg *model.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, topic_id, role, content, summary, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, topicID, msg.Role.String(), msg.Content, msg.Summary, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// DeleteMessage removes a single message by ID.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
