// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graphstore

import "github.com/CommandOSSLabs/personal-data-wallet/internal/capability"

// Merge folds freshly extracted entities and relationships into the
// graph and points each entity at vectorID (§4.5 step 6, §4.2 "Merge
// rules"):
//
//   - Entities are deduplicated by (sanitised) id; first insertion wins
//     for label/type.
//   - Relationships are deduplicated by the ordered triple
//     (source, target, label), referencing sanitised ids.
//   - Relationships whose source or target entity is not present in
//     either the incoming batch or the existing graph are dropped
//     silently.
//
// Merge is idempotent: merging the same extraction result twice leaves
// the graph unchanged after the first call (P4).
func (g *Graph) Merge(entities []capability.Entity, relationships []capability.Relationship, vectorID capability.VectorID) {
	renamed := make(map[string]string, len(entities))

	for _, e := range entities {
		sanitisedID := Sanitise(e.ID)
		renamed[e.ID] = sanitisedID

		if _, exists := g.entities[sanitisedID]; !exists {
			g.entities[sanitisedID] = capability.Entity{ID: sanitisedID, Label: e.Label, Type: e.Type}
		}
		g.entityIndex[sanitisedID] = vectorID
	}

	for _, r := range relationships {
		source := resolveRenamed(renamed, r.Source)
		target := resolveRenamed(renamed, r.Target)

		if _, ok := g.entities[source]; !ok {
			continue
		}
		if _, ok := g.entities[target]; !ok {
			continue
		}

		key := relKey{source: source, target: target, label: r.Label}
		if _, exists := g.relationships[key]; exists {
			continue
		}
		g.relationships[key] = capability.Relationship{Source: source, Target: target, Label: r.Label}
	}
}

// resolveRenamed maps a raw (pre-sanitisation) id through the batch's own
// renaming map first, falling back to sanitising it directly so a
// relationship can still reference an entity that was already in the
// graph from a prior merge.
func resolveRenamed(renamed map[string]string, rawID string) string {
	if sanitised, ok := renamed[rawID]; ok {
		return sanitised
	}
	return Sanitise(rawID)
}
