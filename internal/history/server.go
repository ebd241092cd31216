// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/lightgpt/lightgpt/internal/model"
)

// MaxRequestBodySize caps request bodies to prevent memory exhaustion.
const MaxRequestBodySize = 1 * 1024 * 1024

// Server exposes a Store over a small CRUD HTTP interface.
//
// Routes:
//
//	GET    /topics?owner={fp}      list topics for an owner fingerprint
//	POST   /topics                 create a topic
//	GET    /topics/{id}            fetch one topic
//	PATCH  /topics/{id}            rename a topic
//	DELETE /topics/{id}            delete a topic (cascades to messages)
//	GET    /topics/{id}/messages   list a topic's messages, oldest first
//	POST   /messages               append a message
//	DELETE /messages/{id}          delete a single message
type Server struct {
	store Store

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewServer creates an HTTP front end for the given store.
func NewServer(store Store) *Server {
	return &Server{
		store:    store,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Handler returns the routed HTTP handler with logging and per-client
// rate limiting applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /topics", s.handleListTopics)
	mux.HandleFunc("POST /topics", s.handleCreateTopic)
	mux.HandleFunc("GET /topics/{id}", s.handleGetTopic)
	mux.HandleFunc("PATCH /topics/{id}", s.handleRenameTopic)
	mux.HandleFunc("DELETE /topics/{id}", s.handleDeleteTopic)
	mux.HandleFunc("GET /topics/{id}/messages", s.handleGetMessages)
	mux.HandleFunc("POST /messages", s.handleAppendMessage)
	mux.HandleFunc("DELETE /messages/{id}", s.handleDeleteMessage)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return s.withMiddleware(mux)
}

// withMiddleware wraps the mux with request logging and per-client
// rate limiting.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.clientLimiter(r).Allow() {
			writeJSONError(w, http.StatusTooManyRequests, "too many requests")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("history request")
	})
}

// clientLimiter returns the rate limiter for the request's client,
// creating it on first use. 20 req/s with a burst of 50 per client.
func (s *Server) clientLimiter(r *http.Request) *rate.Limiter {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(20), 50)
		s.limiters[host] = lim
	}
	return lim
}

// =============================================================================
// TOPIC HANDLERS
// =============================================================================

func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	topics, err := s.store.ListTopics(r.Context(), owner)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if topics == nil {
		topics = []model.Topic{}
	}
	writeJSON(w, http.StatusOK, topics)
}

func (s *Server) handleCreateTopic(w http.ResponseWriter, r *http.Request) {
	var topic model.Topic
	if err := json.NewDecoder(r.Body).Decode(&topic); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid topic body")
		return
	}
	if topic.ID == "" || topic.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "topic id and name are required")
		return
	}
	if err := s.store.CreateTopic(r.Context(), &topic); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, topic)
}

func (s *Server) handleGetTopic(w http.ResponseWriter, r *http.Request) {
	topic, err := s.store.GetTopic(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, topic)
}

func (s *Server) handleRenameTopic(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.store.RenameTopic(r.Context(), r.PathValue("id"), body.Name); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteTopic(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTopic(r.Context(), r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// MESSAGE HANDLERS
// =============================================================================

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.GetMessages(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// appendMessageRequest is the wire shape for POST /messages.
type appendMessageRequest struct {
	TopicID string `json:"topicId"`
	model.Message
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var body appendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid message body")
		return
	}
	if body.TopicID == "" || body.ID == "" {
		writeJSONError(w, http.StatusBadRequest, "topicId and id are required")
		return
	}
	if !body.Role.Valid() {
		writeJSONError(w, http.StatusBadRequest, "invalid role")
		return
	}
	if err := s.store.AppendMessage(r.Context(), body.TopicID, &body.Message); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteMessage(r.Context(), r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTopicNotFound), errors.Is(err, ErrMessageNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	default:
		log.Error().Err(err).Msg("history store error")
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
