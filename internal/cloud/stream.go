// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// =============================================================================
// STREAM EVENTS
// =============================================================================

// EventKind tags a StreamEvent variant.
type EventKind int

const (
	// EventTextDelta carries an incremental fragment of answer text.
	EventTextDelta EventKind = iota
	// EventSummaryDelta carries a fragment of the reasoning summary
	// side channel.
	EventSummaryDelta
	// EventCompleted ends the stream, optionally carrying the explicit
	// final text and summary.
	EventCompleted
	// EventError ends the stream with an upstream-reported error.
	EventError
)

// StreamEvent is the semantic unit produced by the stream decoder. It is
// ephemeral: produced and consumed within one request's lifetime, never
// stored.
type StreamEvent struct {
	Kind         EventKind
	Text         string
	Summary      string
	FinalText    string
	FinalSummary string
	Err          error
}

// StreamHandler is called for each decoded event, in arrival order.
type StreamHandler func(ev StreamEvent)

// StreamFormat discriminates the two upstream transport shapes.
type StreamFormat int

const (
	// FormatChat is the legacy delta-chat shape: each event carries
	// choices[0].delta.content.
	FormatChat StreamFormat = iota
	// FormatResponses is the tagged "responses" shape:
	// response.output_text.delta, response.reasoning_summary_text.delta,
	// response.completed, and error-shaped payloads.
	FormatResponses
)

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a byte stream. Events may be
// split across read boundaries; the reader reassembles them without data
// loss or duplication and drains any buffered chunks across read cycles.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReader(r)}
}

// ReadEvent reads the next SSE event from the stream and returns its
// event type and data payload. Returns io.EOF when the stream ends.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				// Flush a trailing event that lacked its blank line.
				if rest := bytes.TrimRight(line, "\r\n"); len(rest) > 0 {
					if data, ok := sseField(rest, "data:"); ok {
						dataLines = append(dataLines, data)
					}
				}
				if len(dataLines) > 0 {
					return eventType, bytes.Join(dataLines, []byte("\n")), nil
				}
				return "", nil, io.EOF
			}
			return "", nil, err
		}

		line = bytes.TrimRight(line, "\r\n")

		// Empty line signals end of event.
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		if v, ok := sseField(line, "event:"); ok {
			eventType = string(v)
		} else if v, ok := sseField(line, "data:"); ok {
			dataLines = append(dataLines, v)
		}
		// Ignore other fields (id:, retry:, comments starting with :).
	}
}

// sseField extracts the value of an SSE field line with the given prefix.
func sseField(line []byte, prefix string) ([]byte, bool) {
	if !bytes.HasPrefix(line, []byte(prefix)) {
		return nil, false
	}
	return bytes.TrimSpace(line[len(prefix):]), true
}

// =============================================================================
// EVENT DECODER
// =============================================================================

// Decoder turns raw SSE data payloads into StreamEvents for one
// transport shape. It is not restartable: once a Completed or Error
// event is produced the sequence is over.
type Decoder struct {
	format StreamFormat
}

// NewDecoder creates a decoder for the given transport shape.
func NewDecoder(format StreamFormat) *Decoder {
	return &Decoder{format: format}
}

// Decode parses one data payload. It returns nil for payloads that carry
// no semantic event (lifecycle notifications, empty deltas) and an error
// for payloads that cannot be parsed at all.
func (d *Decoder) Decode(data []byte) (*StreamEvent, error) {
	if d.format == FormatResponses {
		return d.decodeResponses(data)
	}
	return d.decodeChat(data)
}

// legacyChunk is the delta-chat payload shape.
type legacyChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (d *Decoder) decodeChat(data []byte) (*StreamEvent, error) {
	if ev, handled := decodeErrorPayload(data); handled {
		return ev, nil
	}

	var chunk legacyChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, fmt.Errorf("malformed stream payload: %w", err)
	}
	if len(chunk.Choices) == 0 {
		return nil, nil
	}
	choice := chunk.Choices[0]
	if choice.Delta.Content != "" {
		return &StreamEvent{Kind: EventTextDelta, Text: choice.Delta.Content}, nil
	}
	if choice.FinishReason != "" {
		// The legacy shape carries no explicit final text; the
		// aggregator falls back to its accumulated buffer.
		return &StreamEvent{Kind: EventCompleted}, nil
	}
	return nil, nil
}

// responsesEvent is the tagged "responses" payload shape. Delta and text
// fields may be a flat string, a {text} object, or a {parts: [...]}
// object; extractText normalizes all of them.
type responsesEvent struct {
	Type     string            `json:"type"`
	Delta    json.RawMessage   `json:"delta"`
	Text     json.RawMessage   `json:"text"`
	Response *responsesPayload `json:"response"`
}

// responsesPayload is the completed-response object embedded in
// response.completed events.
type responsesPayload struct {
	OutputText json.RawMessage `json:"output_text"`
	Output     []struct {
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
		Summary json.RawMessage `json:"summary"`
	} `json:"output"`
}

func (d *Decoder) decodeResponses(data []byte) (*StreamEvent, error) {
	if ev, handled := decodeErrorPayload(data); handled {
		return ev, nil
	}

	var ev responsesEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("malformed stream payload: %w", err)
	}

	switch ev.Type {
	case "response.output_text.delta":
		if text := extractDelta(ev); text != "" {
			return &StreamEvent{Kind: EventTextDelta, Text: text}, nil
		}
		return nil, nil

	case "response.reasoning_summary_text.delta", "response.reasoning_summary.delta":
		if text := extractDelta(ev); text != "" {
			return &StreamEvent{Kind: EventSummaryDelta, Summary: text}, nil
		}
		return nil, nil

	case "response.completed":
		out := &StreamEvent{Kind: EventCompleted}
		if ev.Response != nil {
			out.FinalText = ev.Response.finalText()
			out.FinalSummary = ev.Response.finalSummary()
		}
		return out, nil

	case "error", "response.failed", "response.error":
		return &StreamEvent{
			Kind: EventError,
			Err:  fmt.Errorf("upstream stream error: %s", strings.TrimSpace(string(data))),
		}, nil
	}

	// Lifecycle events (response.created, response.in_progress,
	// response.output_item.added, ...) carry nothing to surface.
	return nil, nil
}

// decodeErrorPayload surfaces payloads that carry an explicit error
// object, regardless of transport shape. They must never be silently
// swallowed.
func decodeErrorPayload(data []byte) (*StreamEvent, bool) {
	var probe struct {
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.Error == nil {
		return nil, false
	}
	msg := probe.Error.Message
	if msg == "" {
		msg = "unknown upstream error"
	}
	return &StreamEvent{
		Kind: EventError,
		Err:  &APIError{Code: probe.Error.Code, Message: msg},
	}, true
}

// extractDelta pulls the delta text from whichever field carries it.
func extractDelta(ev responsesEvent) string {
	if text := extractText(ev.Delta); text != "" {
		return text
	}
	return extractText(ev.Text)
}

// extractText normalizes the nested content shapes to a single string:
// string passthrough, then .text, then join of .parts, then empty.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		var b strings.Builder
		for _, el := range arr {
			b.WriteString(extractText(el))
		}
		return b.String()
	}

	var obj struct {
		Text  json.RawMessage   `json:"text"`
		Parts []json.RawMessage `json:"parts"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if len(obj.Text) > 0 {
			if text := extractText(obj.Text); text != "" {
				return text
			}
		}
		var b strings.Builder
		for _, p := range obj.Parts {
			b.WriteString(extractText(p))
		}
		return b.String()
	}

	return ""
}

// finalText returns the explicit final answer text of a completed
// response, or empty when the payload has none.
func (p *responsesPayload) finalText() string {
	if text := extractText(p.OutputText); text != "" {
		return text
	}
	var b strings.Builder
	for _, item := range p.Output {
		if item.Type == "message" || item.Type == "" {
			b.WriteString(extractText(item.Content))
		}
	}
	return b.String()
}

// finalSummary returns the explicit final reasoning summary of a
// completed response, or empty when the payload has none.
func (p *responsesPayload) finalSummary() string {
	var b strings.Builder
	for _, item := range p.Output {
		if item.Type == "reasoning" {
			b.WriteString(extractText(item.Summary))
		}
	}
	return b.String()
}

// =============================================================================
// STREAMING COMPLETION
// =============================================================================

// ChatStream performs a streaming completion request. The handler is
// called for each decoded event in arrival order, on the caller's
// goroutine. The stream ends at a [DONE] sentinel, a Completed or Error
// event, EOF, or context cancellation.
func (c *Client) ChatStream(ctx context.Context, messages []ChatMessage, fn StreamHandler) error {
	if !c.IsConfigured() {
		return ErrNotConfigured
	}

	reqBody := c.buildRequest(messages, true)
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := sharedStreamingClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
		return c.handleErrorResponse(resp.StatusCode, body)
	}

	return c.processStream(ctx, resp.Body, fn)
}

// processStream reads and decodes the SSE stream until it terminates.
func (c *Client) processStream(ctx context.Context, body io.Reader, fn StreamHandler) error {
	reader := NewSSEReader(body)
	decoder := NewDecoder(c.format)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, data, err := reader.ReadEvent()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		// The [DONE] sentinel ends the sequence regardless of any
		// unread bytes behind it.
		if bytes.Equal(data, []byte("[DONE]")) {
			return nil
		}

		ev, err := decoder.Decode(data)
		if err != nil {
			return err
		}
		if ev == nil {
			continue
		}

		fn(*ev)

		if ev.Kind == EventCompleted || ev.Kind == EventError {
			return nil
		}
	}
}
