// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CommandOSSLabs/personal-data-wallet/internal/blobstore"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/capability"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/capability/fake"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/config"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/hnsw"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/memerr"
)

func testTunables() *config.Tunables {
	return &config.Tunables{
		BatchDelay:              50 * time.Millisecond,
		MaxBatch:                50,
		CacheTTL:                time.Hour,
		LivenessCheckInterval:   time.Minute,
		DefaultStorageEpochs:    12,
		DefaultVectorDimensions: 4,
		SchedulerTick:           10 * time.Millisecond,
		EvictionTick:            time.Hour,
		BlobTimeout:             time.Second,
		LivenessProbeTimeout:    time.Second,
		MaxHops:                 1,
	}
}

// testRig bundles the store/engine a test needs to build more than one
// Coordinator against the same underlying blob store and HNSW cache
// (e.g. to simulate a second process picking up after a publish).
type testRig struct {
	store   *blobstore.Store
	engine  *hnsw.Engine
	onChain *fake.OnChainLookup
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	dir := t.TempDir()
	local, err := blobstore.OpenLocalBackend(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })
	store := blobstore.NewStore(nil, local, time.Minute, time.Second, nil)
	return &testRig{store: store, engine: hnsw.NewEngine(store, nil), onChain: fake.NewOnChainLookup()}
}

func (r *testRig) coordinator(publisher capability.PublicationSink) *Coordinator {
	return New(r.engine, r.store, r.onChain, publisher, config.NewStaticWatcher(testTunables()), nil)
}

func TestCoordinator_PrepareThenRegister_TransitionsToActive(t *testing.T) {
	rig := newTestRig(t)
	coord := rig.coordinator(rig.onChain)
	ctx := context.Background()

	indexBlob, graphBlob, err := coord.Prepare(ctx, "alice", 4)
	require.NoError(t, err)
	require.NotEmpty(t, indexBlob)
	require.NotEmpty(t, graphBlob)

	state, err := coord.GetOrLoad(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, StatusPreparing, state.Status)

	rig.onChain.RegisterOwner("chain-1", "alice")
	require.NoError(t, coord.Register(ctx, "alice", "chain-1"))

	state, err = coord.GetOrLoad(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, StatusActive, state.Status)
	require.EqualValues(t, 1, state.Version)
}

func TestCoordinator_Register_RejectsOwnershipMismatch(t *testing.T) {
	rig := newTestRig(t)
	coord := rig.coordinator(rig.onChain)
	ctx := context.Background()

	_, _, err := coord.Prepare(ctx, "alice", 4)
	require.NoError(t, err)

	rig.onChain.RegisterOwner("chain-1", "bob")
	err = coord.Register(ctx, "alice", "chain-1")
	require.Error(t, err)
	require.True(t, memerr.Is(err, memerr.KindUnauthorised))
}

// Scenario: first-ingest bootstrap. prepare() is idempotent while in
// Preparing.
func TestCoordinator_Prepare_IsIdempotentWhilePreparing(t *testing.T) {
	rig := newTestRig(t)
	coord := rig.coordinator(rig.onChain)
	ctx := context.Background()

	idx1, graph1, err := coord.Prepare(ctx, "alice", 4)
	require.NoError(t, err)
	idx2, graph2, err := coord.Prepare(ctx, "alice", 4)
	require.NoError(t, err)
	require.Equal(t, idx1, idx2)
	require.Equal(t, graph1, graph2)
}

func TestCoordinator_ForceFlush_PublicationFailureDoesNotInvalidateState(t *testing.T) {
	rig := newTestRig(t)
	coord := rig.coordinator(fake.FailingPublicationSink{})
	ctx := context.Background()

	_, _, err := coord.Prepare(ctx, "alice", 4)
	require.NoError(t, err)
	rig.onChain.RegisterOwner("chain-1", "alice")
	require.NoError(t, coord.Register(ctx, "alice", "chain-1"))

	require.NoError(t, rig.engine.AddBatched("alice", 1, []float32{1, 0, 0, 0}))

	result, err := coord.ForceFlush(ctx, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, result.IndexBlobID)

	state, err := coord.GetOrLoad(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, result.IndexBlobID, state.IndexBlobID)
}

func TestCoordinator_BatchStats_ReportsPendingAndCacheCounts(t *testing.T) {
	rig := newTestRig(t)
	coord := rig.coordinator(rig.onChain)
	ctx := context.Background()

	_, _, err := coord.Prepare(ctx, "alice", 4)
	require.NoError(t, err)
	require.NoError(t, rig.engine.AddBatched("alice", 1, []float32{1, 0, 0, 0}))
	require.NoError(t, rig.engine.AddBatched("alice", 2, []float32{0, 1, 0, 0}))

	stats := coord.BatchStats()
	require.Equal(t, 1, stats.TotalUsersCached)
	require.Equal(t, 1, stats.ActiveFlushJobs)
	require.Equal(t, 2, stats.TotalPendingVectors)
	require.Equal(t, 2, stats.Users["alice"].PendingCount)
	require.True(t, stats.Users["alice"].Dirty)
	require.True(t, stats.Users["alice"].HasCache)
}

// Scenario: threshold flush at MAX_BATCH. The scheduler tick flushes a
// user once pending count reaches MaxBatch, without waiting BatchDelay.
func TestCoordinator_Scheduler_FlushesAtMaxBatch(t *testing.T) {
	rig := newTestRig(t)
	coord := rig.coordinator(rig.onChain)
	coord.tunables.Current().MaxBatch = 3
	coord.tunables.Current().BatchDelay = time.Hour
	ctx := context.Background()

	_, _, err := coord.Prepare(ctx, "alice", 4)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, rig.engine.AddBatched("alice", capability.VectorID(i), []float32{float32(i), 0, 0, 1}))
	}

	coord.tick(ctx)
	require.Equal(t, 0, rig.engine.PendingCount("alice"))
}

// Scenario: dirty entries are flushed before the eviction sweep drops
// them; clean entries past CacheTTL are dropped outright.
func TestCoordinator_Eviction_FlushesDirtyThenDrops(t *testing.T) {
	rig := newTestRig(t)
	coord := rig.coordinator(rig.onChain)
	coord.tunables.Current().CacheTTL = 0 // anything is immediately "idle"
	ctx := context.Background()

	_, _, err := coord.Prepare(ctx, "alice", 4)
	require.NoError(t, err)
	require.NoError(t, rig.engine.AddBatched("alice", 1, []float32{1, 0, 0, 0}))

	coord.sweep(ctx)

	require.Empty(t, coord.knownUsers())
}
