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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CommandOSSLabs/personal-data-wallet/internal/capability"
)

func TestSanitise(t *testing.T) {
	require.Equal(t, "acme_corp", Sanitise("Acme Corp"))
	require.Equal(t, "alice", Sanitise("Alice"))
	require.Equal(t, "a_b-c_1", Sanitise("A B-c.1"))
}

// P4: merging the same extraction result twice leaves the graph
// unchanged after the first call.
func TestGraph_Merge_IsIdempotent(t *testing.T) {
	g := New()
	entities := []capability.Entity{
		{ID: "Alice", Label: "Alice", Type: "person"},
		{ID: "Acme Corp", Label: "Acme Corp", Type: "org"},
	}
	rels := []capability.Relationship{
		{Source: "Alice", Target: "Acme Corp", Label: "works_at"},
	}

	g.Merge(entities, rels, 1)
	entitiesAfterFirst := g.EntityCount()
	relsAfterFirst := g.RelationshipCount()

	g.Merge(entities, rels, 1)
	require.Equal(t, entitiesAfterFirst, g.EntityCount())
	require.Equal(t, relsAfterFirst, g.RelationshipCount())
}

func TestGraph_Merge_FirstInsertionWinsForLabel(t *testing.T) {
	g := New()
	g.Merge([]capability.Entity{{ID: "alice", Label: "Alice V1", Type: "person"}}, nil, 0)
	g.Merge([]capability.Entity{{ID: "alice", Label: "Alice V2", Type: "person"}}, nil, 1)

	sg, err := g.Serialize()
	require.NoError(t, err)
	restored := Deserialize(sg, nil)
	require.Equal(t, 1, restored.EntityCount())
	require.Equal(t, "Alice V1", restored.entities["alice"].Label)
}

func TestGraph_Merge_DropsRelationshipsWithUnknownEndpoints(t *testing.T) {
	g := New()
	g.Merge([]capability.Entity{{ID: "alice", Label: "Alice", Type: "person"}}, nil, 0)
	g.Merge(nil, []capability.Relationship{{Source: "alice", Target: "ghost", Label: "knows"}}, 0)

	require.Equal(t, 0, g.RelationshipCount())
}

func TestGraph_Merge_SanitisesIdsAndRenamesRelationships(t *testing.T) {
	g := New()
	g.Merge([]capability.Entity{
		{ID: "Alice", Label: "Alice", Type: "person"},
		{ID: "Acme Corp", Label: "Acme Corp", Type: "org"},
	}, []capability.Relationship{
		{Source: "Alice", Target: "Acme Corp", Label: "works_at"},
	}, 1)

	_, ok := g.EntityVector("alice")
	require.True(t, ok)
	_, ok = g.EntityVector("acme_corp")
	require.True(t, ok)
}

// Scenario 5: graph expansion through Alice -> Acme -> Paris, seeded from
// Alice's vector, should surface Acme at hop 1 but not Paris at
// max_hops=1, and both at max_hops=2.
func TestGraph_Expand_BoundedHops(t *testing.T) {
	g := New()
	g.Merge([]capability.Entity{{ID: "alice", Label: "Alice", Type: "person"}}, nil, 10)
	g.Merge([]capability.Entity{{ID: "acme", Label: "Acme", Type: "org"}}, nil, 20)
	g.Merge([]capability.Entity{{ID: "paris", Label: "Paris", Type: "place"}}, nil, 30)
	g.Merge(nil, []capability.Relationship{
		{Source: "alice", Target: "acme", Label: "works_at"},
		{Source: "acme", Target: "paris", Label: "located_in"},
	}, 0)

	oneHop := g.Expand([]capability.VectorID{10}, 1)
	require.Contains(t, oneHop, capability.VectorID(10))
	require.Contains(t, oneHop, capability.VectorID(20))
	require.NotContains(t, oneHop, capability.VectorID(30))

	twoHop := g.Expand([]capability.VectorID{10}, 2)
	require.Contains(t, twoHop, capability.VectorID(30))
}

// P5: expand is monotone in max_hops and always includes the seed set.
func TestGraph_Expand_MonotoneAndIncludesSeed(t *testing.T) {
	g := New()
	g.Merge([]capability.Entity{{ID: "a", Label: "A", Type: "x"}}, nil, 1)
	g.Merge([]capability.Entity{{ID: "b", Label: "B", Type: "x"}}, nil, 2)
	g.Merge([]capability.Entity{{ID: "c", Label: "C", Type: "x"}}, nil, 3)
	g.Merge(nil, []capability.Relationship{
		{Source: "a", Target: "b", Label: "r"},
		{Source: "b", Target: "c", Label: "r"},
	}, 0)

	hop0 := g.Expand([]capability.VectorID{1}, 0)
	hop1 := g.Expand([]capability.VectorID{1}, 1)
	hop2 := g.Expand([]capability.VectorID{1}, 2)

	require.Contains(t, hop0, capability.VectorID(1))
	require.Subset(t, hop1, hop0)
	require.Subset(t, hop2, hop1)
}

func TestGraph_Expand_NoSeedMatchReturnsSeedOnly(t *testing.T) {
	g := New()
	g.Merge([]capability.Entity{{ID: "a", Label: "A", Type: "x"}}, nil, 1)

	result := g.Expand([]capability.VectorID{999}, 1)
	require.Equal(t, []capability.VectorID{999}, result)
}

func TestGraph_SerializeDeserialize_RoundTrip(t *testing.T) {
	g := New()
	g.Merge([]capability.Entity{
		{ID: "alice", Label: "Alice", Type: "person"},
		{ID: "acme", Label: "Acme", Type: "org"},
	}, []capability.Relationship{
		{Source: "alice", Target: "acme", Label: "works_at"},
	}, 1)
	g.SetVectorBlob(1, "local_abc", "note")
	_ = g.NextVectorID()

	data, err := g.Serialize()
	require.NoError(t, err)

	restored := Deserialize(data, nil)
	require.Equal(t, g.EntityCount(), restored.EntityCount())
	require.Equal(t, g.RelationshipCount(), restored.RelationshipCount())
	require.Equal(t, g.nextVectorID, restored.nextVectorID)

	blob, ok := restored.BlobFor(1)
	require.True(t, ok)
	require.Equal(t, "local_abc", blob.BlobID)
	require.Equal(t, "note", blob.Category)
}

func TestGraph_Deserialize_MalformedBlobYieldsEmptyGraph(t *testing.T) {
	g := Deserialize([]byte("not json"), nil)
	require.Equal(t, 0, g.EntityCount())
	require.Equal(t, 0, g.RelationshipCount())
}
