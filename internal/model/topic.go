// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "github.com/google/uuid"

// =============================================================================
// TOPIC TYPE
// =============================================================================

// Topic is a named conversation thread, the unit of history persistence.
//
// OwnerKeyFingerprint scopes topics to one API key without storing the
// key itself; it is the SHA-256 based fingerprint computed by the cloud
// client.
type Topic struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	CreatedAt           int64  `json:"createdAt"`
	OwnerKeyFingerprint string `json:"ownerKeyFingerprint"`
}

// NewTopic creates a topic owned by the given key fingerprint.
func NewTopic(name, ownerFingerprint string) *Topic {
	return &Topic{
		ID:                  uuid.NewString(),
		Name:                name,
		CreatedAt:           NowMillis(),
		OwnerKeyFingerprint: ownerFingerprint,
	}
}
