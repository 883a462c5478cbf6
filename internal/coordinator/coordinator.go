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
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/CommandOSSLabs/personal-data-wallet/internal/blobstore"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/capability"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/config"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/graphstore"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/hnsw"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/memerr"
)

var (
	pendingVectorsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "memory",
		Name:      "pending_vectors",
		Help:      "Unflushed vector count per user",
	}, []string{"user"})
	cacheEntriesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "memory",
		Name:      "cache_entries",
		Help:      "Number of users currently cached in memory",
	})
	activeFlushJobsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "memory",
		Name:      "active_flush_jobs",
		Help:      "Number of users with a pending flush job registered",
	})
)

// userEntry is one user's full in-memory lifecycle record: the C6 state
// machine plus the C4 graph that travels alongside the C5 index cache.
type userEntry struct {
	mu    sync.Mutex
	state UserIndexState
	graph *graphstore.Graph
}

// Coordinator is C6: it owns the UserIndexState map, delegates vector
// mechanics to hnsw.Engine, and runs the process-wide flush scheduler and
// cache-cleanup sweep (§4.4).
type Coordinator struct {
	mu    sync.Mutex
	users map[string]*userEntry

	engine    *hnsw.Engine
	store     *blobstore.Store
	onChain   capability.OnChainLookup
	publisher capability.PublicationSink
	tunables  *config.Watcher
	logger    *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Coordinator. onChain and publisher may be nil, in which
// case register() always fails ownership verification and successful
// flushes simply skip publication. tunables is read through
// config.Watcher (see config.NewStaticWatcher for callers with no file
// to watch) so a live config reload reaches the scheduler's per-tick
// threshold checks without restarting the coordinator; the tick
// intervals themselves (SchedulerTick/EvictionTick) are still captured
// once when Start launches the ticker, since changing a running
// ticker's period needs recreating it, not just rereading a field.
func New(engine *hnsw.Engine, store *blobstore.Store, onChain capability.OnChainLookup, publisher capability.PublicationSink, tunables *config.Watcher, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		users:     make(map[string]*userEntry),
		engine:    engine,
		store:     store,
		onChain:   onChain,
		publisher: publisher,
		tunables:  tunables,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

func (c *Coordinator) entryFor(user string) *userEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.users[user]
	if !ok {
		e = &userEntry{state: UserIndexState{User: user, Status: StatusAbsent}, graph: graphstore.New()}
		c.users[user] = e
	}
	return e
}

// Prepare creates an empty HNSW index and an empty graph, persists both
// to the blob store, and transitions the user to Preparing (§4.4
// "prepare"). Idempotent while already Preparing: re-calling it returns
// the same blob ids rather than creating fresh empty blobs.
func (c *Coordinator) Prepare(ctx context.Context, user string, dim int) (indexBlobID, graphBlobID string, err error) {
	e := c.entryFor(user)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Status != StatusAbsent {
		return e.state.IndexBlobID, e.state.GraphBlobID, nil
	}

	if err := c.engine.EnsureCached(ctx, user, "", dim); err != nil {
		return "", "", err
	}
	flushed, err := c.engine.ForceFlush(ctx, user)
	if err != nil {
		return "", "", err
	}

	graphData, err := e.graph.Serialize()
	if err != nil {
		return "", "", err
	}
	graphBlob, err := c.store.Put(ctx, graphData, blobstore.Tags{"owner": user, "content-type": "application/json"})
	if err != nil {
		return "", "", memerr.Wrap(memerr.KindOf(err), err, "coordinator: persist empty graph blob")
	}

	e.state.Status = StatusPreparing
	e.state.IndexBlobID = flushed.IndexBlobID
	e.state.GraphBlobID = string(graphBlob)
	return e.state.IndexBlobID, e.state.GraphBlobID, nil
}

// Register binds user to onChainID after verifying ownership through the
// external lookup, transitioning to Active(1) (§4.4 "register").
func (c *Coordinator) Register(ctx context.Context, user, onChainID string) error {
	e := c.entryFor(user)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Status == StatusActive {
		return nil
	}
	if e.state.Status != StatusPreparing && e.state.Status != StatusOnChainPending {
		return memerr.Newf(memerr.KindNotFound, "coordinator: user %q has no prepared index to register", user)
	}

	if c.onChain == nil {
		return memerr.New(memerr.KindUnauthorised, "coordinator: no on-chain lookup configured")
	}
	owner, err := c.onChain.OwnerOf(ctx, onChainID)
	if err != nil {
		return err
	}
	if owner != user {
		return memerr.Newf(memerr.KindUnauthorised, "on-chain id %q belongs to %q, not %q", onChainID, owner, user)
	}

	e.state.Status = StatusActive
	e.state.OnChainID = onChainID
	e.state.Version = 1
	return nil
}

// GetOrLoad returns user's cached state, hydrating from the on-chain
// pointer if the cache is cold and a pointer is known, or reporting
// Absent otherwise, including when the pointer lookup fails with
// NotFound (§4.4 "get_or_load").
func (c *Coordinator) GetOrLoad(ctx context.Context, user string) (UserIndexState, error) {
	e := c.entryFor(user)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Status != StatusAbsent {
		return e.state, nil
	}

	if c.onChain == nil {
		return e.state, nil
	}
	ptr, ok, err := c.onChain.MemoryIndexFor(ctx, user)
	if err != nil {
		if memerr.Is(err, memerr.KindNotFound) {
			return e.state, nil
		}
		return UserIndexState{}, err
	}
	if !ok {
		return e.state, nil
	}

	if err := c.engine.EnsureCached(ctx, user, ptr.IndexBlobID, c.tunables.Current().DefaultVectorDimensions); err != nil {
		return UserIndexState{}, memerr.Wrap(memerr.KindCorrupt, err, "coordinator: hydrate index from on-chain pointer")
	}
	graphData, err := c.store.Get(ctx, blobstore.BlobID(ptr.GraphBlobID))
	if err != nil {
		return UserIndexState{}, memerr.Wrap(memerr.KindOf(err), err, "coordinator: hydrate graph from on-chain pointer")
	}
	e.graph = graphstore.Deserialize(graphData, c.logger)

	e.state = UserIndexState{
		User:        user,
		Status:      StatusActive,
		OnChainID:   ptr.OnChainID,
		Version:     ptr.Version,
		IndexBlobID: ptr.IndexBlobID,
		GraphBlobID: ptr.GraphBlobID,
	}
	return e.state, nil
}

// Engine returns the underlying hnsw.Engine, so C7/C8 can call
// add_batched/search directly without the coordinator re-exposing every
// vector operation itself.
func (c *Coordinator) Engine() *hnsw.Engine { return c.engine }

// Graph returns the live graph for user, creating the user's cache entry
// if necessary. Ingest/query call this to merge/expand without going
// through the blob store on every call.
func (c *Coordinator) Graph(user string) *graphstore.Graph {
	e := c.entryFor(user)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph
}

// ForceFlush delegates to the engine, persists the refreshed graph blob,
// bumps the coordinator's published version, and best-effort notifies the
// publication sink (§4.4 "force_flush", "Publication callback").
func (c *Coordinator) ForceFlush(ctx context.Context, user string) (hnsw.FlushResult, error) {
	e := c.entryFor(user)
	e.mu.Lock()
	defer e.mu.Unlock()
	return c.forceFlushLocked(ctx, user, e)
}

func (c *Coordinator) forceFlushLocked(ctx context.Context, user string, e *userEntry) (hnsw.FlushResult, error) {
	flushed, err := c.engine.ForceFlush(ctx, user)
	if err != nil {
		return hnsw.FlushResult{}, err
	}

	graphData, err := e.graph.Serialize()
	if err != nil {
		return hnsw.FlushResult{}, err
	}
	graphBlob, err := c.store.Put(ctx, graphData, blobstore.Tags{"owner": user, "content-type": "application/json"})
	if err != nil {
		return hnsw.FlushResult{}, memerr.Wrap(memerr.KindOf(err), err, "coordinator: persist graph blob")
	}

	e.state.IndexBlobID = flushed.IndexBlobID
	e.state.GraphBlobID = string(graphBlob)
	if e.state.Status == StatusActive {
		e.state.Version = flushed.Version
	}

	if c.publisher != nil {
		if pubErr := c.publisher.Publish(ctx, user, e.state.IndexBlobID, e.state.Version); pubErr != nil {
			// Publication failure never invalidates in-memory state; the
			// next successful flush will carry the latest blob id.
			c.logger.Warn("coordinator: publication failed, will retry on next flush",
				slog.String("user", user), slog.String("error", pubErr.Error()))
		}
	}

	return flushed, nil
}

// UserStats is one user's row of the batch_stats() snapshot (§12).
type UserStats struct {
	PendingCount   int       `json:"pending_count"`
	HasCache       bool      `json:"has_cache"`
	Dirty          bool      `json:"dirty"`
	Version        uint64    `json:"version"`
	LastModifiedAt time.Time `json:"last_modified_at"`
	FlushScheduled bool      `json:"flush_scheduled"`
}

// Stats is the batch_stats() snapshot (§6 "Exposed to collaborators",
// shape defined in §12): a per-user map plus process-wide totals.
type Stats struct {
	Users               map[string]UserStats `json:"users"`
	TotalUsersCached    int                  `json:"total_users_cached"`
	TotalPendingVectors int                  `json:"total_pending_vectors"`
	ActiveFlushJobs     int                  `json:"active_flush_jobs"`
}

// userVersion reads the cached lifecycle version for user under its
// per-entry lock.
func (c *Coordinator) userVersion(user string) uint64 {
	e := c.entryFor(user)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Version
}

// BatchStats snapshots per-user pending counts, dirty/flush-scheduled
// state, and cache size for observability (§6 "batch_stats()", §12).
// Updates the Prometheus gauges as a side effect so they stay current
// between scheduler ticks too.
func (c *Coordinator) BatchStats() Stats {
	users := c.knownUsers()

	userStats := make(map[string]UserStats, len(users))
	totalPending := 0
	activeJobs := 0
	for _, u := range users {
		pending := c.engine.PendingCount(u)
		us := UserStats{
			PendingCount:   pending,
			HasCache:       true,
			Dirty:          c.engine.IsDirty(u),
			Version:        c.userVersion(u),
			LastModifiedAt: c.engine.LastModifiedAt(u),
			FlushScheduled: c.dueForFlush(u),
		}
		userStats[u] = us
		totalPending += pending
		if pending > 0 {
			activeJobs++
		}
	}

	cacheEntriesGauge.Set(float64(len(users)))
	activeFlushJobsGauge.Set(float64(activeJobs))
	for u, us := range userStats {
		pendingVectorsGauge.WithLabelValues(u).Set(float64(us.PendingCount))
	}

	return Stats{
		Users:               userStats,
		TotalUsersCached:    len(users),
		TotalPendingVectors: totalPending,
		ActiveFlushJobs:     activeJobs,
	}
}

// knownUsers snapshots the set of cached user keys.
func (c *Coordinator) knownUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.users))
	for u := range c.users {
		out = append(out, u)
	}
	return out
}

// dropUser removes user from both the coordinator's and the engine's
// in-memory caches, used by the eviction sweep.
func (c *Coordinator) dropUser(user string) {
	c.mu.Lock()
	delete(c.users, user)
	c.mu.Unlock()
	c.engine.Evict(user)
}
