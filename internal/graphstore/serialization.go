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

import (
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/CommandOSSLabs/personal-data-wallet/internal/capability"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/memerr"
)

// serializableVectorToBlob pairs a vector id with its blob mapping for
// deterministic JSON array output (a plain map would serialise with
// non-numeric-sorted key order).
type serializableVectorToBlob struct {
	VectorID capability.VectorID `json:"vector_id"`
	VectorToBlob
}

// serializableGraph is the graph blob shape:
//
//	{ entities, relationships, entity_index, vector_to_blob, next_vector_id }
//
// vector_to_blob is written as an array of {vector_id, blob_id, category}
// objects sorted by vector id, not as an object keyed by vector id.
//
// Nodes, relationships, and the entity index are all sorted by key for
// deterministic output, mirroring the teacher's
// services/trace/graph/serialization.go ToSerializable, which sorts by
// node id "for deterministic output, enabling reliable diffing".
type serializableGraph struct {
	Entities      []capability.Entity        `json:"entities"`
	Relationships []capability.Relationship  `json:"relationships"`
	EntityIndex   map[string]capability.VectorID `json:"entity_index"`
	VectorToBlob  []serializableVectorToBlob `json:"vector_to_blob"`
	NextVectorID  capability.VectorID        `json:"next_vector_id"`
}

// Serialize encodes the graph as the §6 JSON graph blob.
func (g *Graph) Serialize() ([]byte, error) {
	entityIDs := make([]string, 0, len(g.entities))
	for id := range g.entities {
		entityIDs = append(entityIDs, id)
	}
	sort.Strings(entityIDs)
	entities := make([]capability.Entity, 0, len(entityIDs))
	for _, id := range entityIDs {
		entities = append(entities, g.entities[id])
	}

	relKeys := make([]relKey, 0, len(g.relationships))
	for k := range g.relationships {
		relKeys = append(relKeys, k)
	}
	sort.Slice(relKeys, func(i, j int) bool {
		if relKeys[i].source != relKeys[j].source {
			return relKeys[i].source < relKeys[j].source
		}
		if relKeys[i].target != relKeys[j].target {
			return relKeys[i].target < relKeys[j].target
		}
		return relKeys[i].label < relKeys[j].label
	})
	relationships := make([]capability.Relationship, 0, len(relKeys))
	for _, k := range relKeys {
		relationships = append(relationships, g.relationships[k])
	}

	vectorBlobIDs := make([]capability.VectorID, 0, len(g.vectorToBlob))
	for id := range g.vectorToBlob {
		vectorBlobIDs = append(vectorBlobIDs, id)
	}
	sort.Slice(vectorBlobIDs, func(i, j int) bool { return vectorBlobIDs[i] < vectorBlobIDs[j] })
	vectorToBlob := make([]serializableVectorToBlob, 0, len(vectorBlobIDs))
	for _, id := range vectorBlobIDs {
		vectorToBlob = append(vectorToBlob, serializableVectorToBlob{VectorID: id, VectorToBlob: g.vectorToBlob[id]})
	}

	sg := serializableGraph{
		Entities:      entities,
		Relationships: relationships,
		EntityIndex:   g.entityIndex,
		VectorToBlob:  vectorToBlob,
		NextVectorID:  g.nextVectorID,
	}

	data, err := json.Marshal(sg)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindCorrupt, err, "graphstore: encode graph")
	}
	return data, nil
}

// Deserialize decodes a §6 graph blob. A malformed blob yields an empty
// graph rather than an error (§4.2 "Failure semantics": "Parse failures
// on load yield an empty graph (logged); the calling path continues"),
// with the failure logged via logger (or slog.Default if nil).
func Deserialize(data []byte, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}

	var sg serializableGraph
	if err := json.Unmarshal(data, &sg); err != nil {
		logger.Warn("graphstore: failed to parse graph blob, starting empty", slog.String("error", err.Error()))
		return New()
	}

	g := New()
	for _, e := range sg.Entities {
		g.entities[e.ID] = e
	}
	for _, r := range sg.Relationships {
		g.relationships[relKey{source: r.Source, target: r.Target, label: r.Label}] = r
	}
	for id, vec := range sg.EntityIndex {
		g.entityIndex[id] = vec
	}
	for _, v := range sg.VectorToBlob {
		g.vectorToBlob[v.VectorID] = v.VectorToBlob
	}
	g.nextVectorID = sg.NextVectorID
	return g
}
