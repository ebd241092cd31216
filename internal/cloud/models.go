// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"fmt"
	"time"
)

// DefaultModelID is the model used when none is configured.
const DefaultModelID = "gpt-5.2"

// ModelDescriptor describes a selectable completion model.
type ModelDescriptor struct {
	ID          string
	Name        string
	Description string
	CutoffDate  string
}

// TextModels is the table of known text models.
var TextModels = []ModelDescriptor{
	{ID: "gpt-5.2", Name: "GPT-5.2", CutoffDate: "2025-08-31"},
	{ID: "gpt-5.2-pro", Name: "GPT-5.2 Pro", CutoffDate: "2025-08-31"},
	{ID: "gpt-5-mini", Name: "GPT-5 Mini", CutoffDate: "2024-05-31"},
}

// ModelAttributes returns the descriptor for a model ID. Unknown models
// get a passthrough descriptor so requests are never blocked on the
// local table being stale.
func ModelAttributes(modelID string) ModelDescriptor {
	for _, m := range TextModels {
		if m.ID == modelID {
			return m
		}
	}
	return ModelDescriptor{ID: modelID, Name: modelID, CutoffDate: "Unknown"}
}

// SystemMessage builds the transcript's leading system message for the
// selected model.
func SystemMessage(modelID string) string {
	attrs := ModelAttributes(modelID)
	return fmt.Sprintf(
		"You are ChatGPT, a large language model trained by OpenAI, based on the %s architecture. Knowledge cutoff: %s Current date: %s",
		attrs.Name, attrs.CutoffDate, time.Now().Format("2006-01-02"))
}

// SummarizePrompt prefixes the first user message when asking the model
// to name a new topic.
const SummarizePrompt = "Summarize a topic for the following message in 5 words. Output only the topic content.\n\n----- Message -----\n"
