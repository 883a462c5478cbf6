// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package capability defines the external-collaborator traits the core
// consumes (§6): embedding, extraction, encryption, and on-chain lookup.
// None of these are implemented by the core itself — they are narrow
// interfaces so production callers can plug in real providers while tests
// use the deterministic fakes in the fake subpackage.
package capability

// VectorID is a monotonically increasing, per-user vector identifier.
// Never reused, even after logical deletion (§3).
type VectorID uint32

// Vector is a fixed-dimension embedding. Dimension is fixed per user at
// first insertion (§3, §4.3).
type Vector []float32

// Entity is a node in a user's concept graph (§3). ID is a sanitised
// stable slug; see graphstore.Sanitise.
type Entity struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Type  string `json:"type"`
}

// Relationship is an unordered, deduplicated edge between two entities
// (§3). Deduplication key is the ordered triple (Source, Target, Label).
type Relationship struct {
	Source string `json:"source_id"`
	Target string `json:"target_id"`
	Label  string `json:"label"`
}

// ExtractionResult is what the Extraction capability returns for a piece
// of text.
type ExtractionResult struct {
	Entities      []Entity
	Relationships []Relationship
}

// IndexPointer is what OnChainLookup.MemoryIndexFor returns for a user
// that already has a registered on-chain memory index.
type IndexPointer struct {
	OnChainID   string
	Version     uint64
	IndexBlobID string
	GraphBlobID string
}
