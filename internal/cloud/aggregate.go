// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import "strings"

// =============================================================================
// RESPONSE AGGREGATOR
// =============================================================================

// Aggregator consumes StreamEvents in order and accumulates the running
// answer text and reasoning summary. Partial-update callbacks receive
// the full accumulated value, not just the delta, so a renderer can
// repaint from scratch on every update.
type Aggregator struct {
	text    strings.Builder
	summary string

	finalText    string
	finalSummary string
	completed    bool
	err          error

	// OnText is invoked after each text delta with the accumulated
	// answer so far. Optional.
	OnText func(accumulated string)

	// OnSummary is invoked after each summary update with the
	// accumulated summary so far. Optional.
	OnSummary func(accumulated string)
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Feed processes one event. Events must arrive in order; deltas are
// never reordered or coalesced in a way that changes the final text.
func (a *Aggregator) Feed(ev StreamEvent) {
	if a.completed || a.err != nil {
		return
	}

	switch ev.Kind {
	case EventTextDelta:
		a.text.WriteString(ev.Text)
		if a.OnText != nil {
			a.OnText(a.text.String())
		}

	case EventSummaryDelta:
		a.mergeSummary(ev.Summary)

	case EventCompleted:
		// An explicit final text/summary on the event wins over the
		// accumulated buffers.
		a.finalText = a.text.String()
		if ev.FinalText != "" {
			a.finalText = ev.FinalText
		}
		a.finalSummary = a.summary
		if ev.FinalSummary != "" {
			a.finalSummary = ev.FinalSummary
		}
		a.completed = true

	case EventError:
		a.err = ev.Err
	}
}

// mergeSummary appends a summary fragment, collapsing transports that
// re-emit the full cumulative summary instead of incremental deltas:
// a fragment extending the current summary replaces it, a fragment the
// summary already ends with is dropped, anything else is appended.
func (a *Aggregator) mergeSummary(fragment string) {
	if fragment == "" {
		return
	}
	switch {
	case strings.HasPrefix(fragment, a.summary):
		a.summary = fragment
	case strings.HasSuffix(a.summary, fragment):
		// Duplicate re-delivery of the last fragment.
	default:
		a.summary += fragment
	}
	if a.OnSummary != nil {
		a.OnSummary(a.summary)
	}
}

// PartialText returns the answer text accumulated so far.
func (a *Aggregator) PartialText() string {
	return a.text.String()
}

// PartialSummary returns the reasoning summary accumulated so far.
func (a *Aggregator) PartialSummary() string {
	return a.summary
}

// Result returns the final text and summary once the stream has
// completed. Before completion it returns the accumulated buffers,
// which is what cancellation commits.
func (a *Aggregator) Result() (finalText, finalSummary string) {
	if a.completed {
		return a.finalText, a.finalSummary
	}
	return a.text.String(), a.summary
}

// Err returns the error carried by an Error event, if one was observed.
// When set, the partial buffers must not be committed as final output.
func (a *Aggregator) Err() error {
	return a.err
}

// Completed reports whether a Completed event was observed.
func (a *Aggregator) Completed() bool {
	return a.completed
}
