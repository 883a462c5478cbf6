// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CommandOSSLabs/personal-data-wallet/internal/blobstore"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/capability"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/capability/fake"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/config"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/coordinator"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/hnsw"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/memerr"
)

func newTestService(t *testing.T) (*Service, *blobstore.Store, *fake.Extractor) {
	t.Helper()
	dir := t.TempDir()
	local, err := blobstore.OpenLocalBackend(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })
	store := blobstore.NewStore(nil, local, time.Minute, time.Second, nil)
	engine := hnsw.NewEngine(store, nil)

	tunables := &config.Tunables{
		BatchDelay: time.Hour, MaxBatch: 50, CacheTTL: time.Hour,
		SchedulerTick: time.Hour, EvictionTick: time.Hour,
		DefaultVectorDimensions: 8, MaxHops: 1,
	}
	coord := coordinator.New(engine, store, nil, nil, config.NewStaticWatcher(tunables), nil)

	extractor := fake.NewExtractor()
	svc := New(coord, store, fake.NewEmbedder(8), extractor, fake.IdentityEncryptor{}, nil)
	return svc, store, extractor
}

// Scenario: first-ingest bootstrap. A user with no prior state can
// ingest directly; the coordinator transitions Absent -> Preparing
// implicitly.
func TestProcessNewMemory_BootstrapsAbsentUser(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.ProcessNewMemory(ctx, "alice", "Alice works at Acme", "note")
	require.NoError(t, err)
	require.NotEmpty(t, result.BlobID)

	data, err := store.Get(ctx, blobstore.BlobID(result.BlobID))
	require.NoError(t, err)
	require.Equal(t, "Alice works at Acme", string(data))
}

func TestProcessNewMemory_VectorIDsAreMonotone(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	r1, err := svc.ProcessNewMemory(ctx, "alice", "first memory", "note")
	require.NoError(t, err)
	r2, err := svc.ProcessNewMemory(ctx, "alice", "second memory", "note")
	require.NoError(t, err)
	require.Less(t, r1.VectorID, r2.VectorID)
}

func TestProcessNewMemory_MergesExtractedGraph(t *testing.T) {
	svc, _, extractor := newTestService(t)
	ctx := context.Background()

	extractor.Register("Alice works at Acme", capability.ExtractionResult{
		Entities: []capability.Entity{
			{ID: "Alice", Label: "Alice", Type: "person"},
			{ID: "Acme", Label: "Acme", Type: "org"},
		},
		Relationships: []capability.Relationship{
			{Source: "Alice", Target: "Acme", Label: "works_at"},
		},
	})

	_, err := svc.ProcessNewMemory(ctx, "alice", "Alice works at Acme", "note")
	require.NoError(t, err)

	graph := svc.coord.Graph("alice")
	require.Equal(t, 2, graph.EntityCount())
	require.Equal(t, 1, graph.RelationshipCount())
}

func TestProcessNewMemory_RejectsDimensionMismatchAfterFirstInsert(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.ProcessNewMemory(ctx, "alice", "first memory", "note")
	require.NoError(t, err)

	svc.embedder = fake.NewEmbedder(4) // a different provider dimension
	_, err = svc.ProcessNewMemory(ctx, "alice", "second memory", "note")
	require.Error(t, err)
	require.True(t, memerr.Is(err, memerr.KindDimensionMismatch))
}
