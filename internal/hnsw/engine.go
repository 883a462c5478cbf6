// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hnsw

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/CommandOSSLabs/personal-data-wallet/internal/blobstore"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/capability"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/memerr"
)

// pendingPoint is a single unflushed insert.
type pendingPoint struct {
	id     capability.VectorID
	vector []float32
}

// userCache is one user's in-memory HNSW state (§4.3, §4.4 UserIndexState
// as far as the vector side is concerned; the coordinator owns the
// remaining lifecycle fields).
type userCache struct {
	mu sync.Mutex

	committed   *Index
	pending     []pendingPoint
	dirty       bool
	version     uint64
	indexBlobID string

	firstPendingAt time.Time // zero when pending is empty
	lastModifiedAt time.Time
}

// FlushResult is returned by ForceFlush (§4.3 "force_flush").
type FlushResult struct {
	IndexBlobID string
	Version     uint64
}

// Engine is the per-process C5 component: a registry of per-user HNSW
// caches with batched absorb-model writes and pending-overlay search. It
// does not itself run a scheduler; the coordinator (C6) ticks and decides
// when a user's pending batch has crossed BATCH_DELAY or MAX_BATCH and
// calls ForceFlush. This split keeps the data-plane mechanics here (in
// the spirit of the teacher's routing/embedder.go owning its own cache
// mutation) and the scheduling policy in the coordinator, which already
// owns the process-wide tick and flush_jobs bookkeeping (§4.4).
type Engine struct {
	mu    sync.Mutex
	users map[string]*userCache

	store  *blobstore.Store
	logger *slog.Logger
}

// NewEngine builds an Engine backed by store for index blob persistence.
func NewEngine(store *blobstore.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{users: make(map[string]*userCache), store: store, logger: logger}
}

// Evict drops user's in-memory cache entry entirely, used by the
// coordinator's eviction sweep once a clean (non-dirty) entry has been
// idle longer than CacheTTL (§4.4 "Eviction"). Callers must ensure any
// dirty state was flushed first; Evict does not flush.
func (e *Engine) Evict(user string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.users, user)
}

func (e *Engine) cacheFor(user string) *userCache {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.users[user]
	if !ok {
		c = &userCache{}
		e.users[user] = c
	}
	return c
}

// EnsureCached hydrates user's handle from indexBlobID if not already
// cached (§4.3 "ensure_cached"). A non-existent cache with an empty
// indexBlobID seeds a fresh empty handle with the given dimension,
// mirroring the eager-Preparing path in C7 step 1.
func (e *Engine) EnsureCached(ctx context.Context, user string, indexBlobID string, dim int) error {
	c := e.cacheFor(user)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.committed != nil {
		return nil
	}

	if indexBlobID == "" {
		idx, err := New(dim)
		if err != nil {
			return err
		}
		c.committed = idx
		c.lastModifiedAt = time.Now()
		return nil
	}

	data, err := e.store.Get(ctx, blobstore.BlobID(indexBlobID))
	if err != nil {
		return memerr.Wrap(memerr.KindOf(err), err, "hnsw: fetch index blob")
	}
	idx, err := Deserialize(data)
	if err != nil {
		return err
	}
	c.committed = idx
	c.indexBlobID = indexBlobID
	c.lastModifiedAt = time.Now()
	return nil
}

// AddBatched queues (vectorID, vector) into the pending set without any
// I/O (§4.3 "Absorb model"). It never blocks on the network or disk.
func (e *Engine) AddBatched(user string, vectorID capability.VectorID, vector []float32) error {
	c := e.cacheFor(user)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.committed == nil {
		return memerr.New(memerr.KindNotFound, "hnsw: no cached index for user; call EnsureCached first")
	}
	if c.committed.Dim != len(vector) {
		return memerr.Newf(memerr.KindDimensionMismatch,
			"vector dimension %d does not match committed dimension %d", len(vector), c.committed.Dim)
	}

	c.pending = append(c.pending, pendingPoint{id: vectorID, vector: append([]float32(nil), vector...)})
	c.dirty = true
	if c.firstPendingAt.IsZero() {
		c.firstPendingAt = time.Now()
	}
	return nil
}

// Search serves a kNN query. If pending writes exist, it builds a
// transient handle (clone of committed + pending layered on top) so the
// query observes every prior successful AddBatched without mutating or
// blocking the committed handle (§4.3 "Search with pending").
func (e *Engine) Search(user string, query []float32, k int) ([]Result, error) {
	c := e.cacheFor(user)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.committed == nil {
		return nil, memerr.New(memerr.KindNotFound, "hnsw: no cached index for user")
	}

	if len(c.pending) == 0 {
		return c.committed.Search(query, k)
	}

	transient := c.committed.Clone()
	for _, p := range c.pending {
		if err := transient.Insert(p.id, p.vector); err != nil && !memerr.Is(err, memerr.KindConflict) {
			return nil, err
		}
	}
	return transient.Search(query, k)
}

// PendingCount reports the number of unflushed writes, used by the
// coordinator's scheduler to check the MAX_BATCH threshold (§4.4).
func (e *Engine) PendingCount(user string) int {
	c := e.cacheFor(user)
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// FirstPendingAt reports when the oldest unflushed write arrived, used by
// the coordinator's scheduler to check the BATCH_DELAY threshold. Returns
// the zero time if pending is empty.
func (e *Engine) FirstPendingAt(user string) time.Time {
	c := e.cacheFor(user)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firstPendingAt
}

// IsDirty reports whether user has unflushed writes, used by the
// coordinator's eviction sweep (§4.4).
func (e *Engine) IsDirty(user string) bool {
	c := e.cacheFor(user)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// LastModifiedAt reports the last time user's cache was touched.
func (e *Engine) LastModifiedAt(user string) time.Time {
	c := e.cacheFor(user)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastModifiedAt
}

// ForceFlush runs the flush protocol (§4.3 "Flush protocol"): snapshot
// pending, apply it to the committed handle, serialise, persist to the
// blob store, and bump the version. New writes that arrive during the
// I/O (impossible here since the whole operation holds the per-user
// lock, per §5's single-writer model) would land in a fresh pending
// batch; because this implementation holds the lock for the entire
// flush, that case can't arise and the "pending'" accumulated during a
// cancelled attempt is simply never drained. With nothing pending it
// returns the current blob id and version unchanged, unless the index has
// never been persisted: then the (possibly empty) index is written out
// and the version bumped like any other flush.
func (e *Engine) ForceFlush(ctx context.Context, user string) (FlushResult, error) {
	c := e.cacheFor(user)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.committed == nil {
		return FlushResult{}, memerr.New(memerr.KindNotFound, "hnsw: no cached index for user")
	}
	if len(c.pending) == 0 && c.indexBlobID != "" {
		return FlushResult{IndexBlobID: c.indexBlobID, Version: c.version}, nil
	}

	snapshot := c.pending
	c.pending = nil

	for i, p := range snapshot {
		if err := c.committed.Insert(p.id, p.vector); err != nil {
			// Roll the unapplied remainder back into pending so a failed
			// insert (e.g. a corrupt dimension that slipped past
			// AddBatched) doesn't silently drop writes.
			c.pending = append(c.pending, snapshot[i+1:]...)
			return FlushResult{}, err
		}
	}

	data, err := c.committed.Serialize()
	if err != nil {
		c.pending = append(snapshot, c.pending...)
		return FlushResult{}, err
	}

	blobID, err := e.store.Put(ctx, data, blobstore.Tags{"owner": user, "content-type": "application/x-hnsw-index"})
	if err != nil {
		c.pending = append(snapshot, c.pending...)
		return FlushResult{}, memerr.Wrap(memerr.KindOf(err), err, "hnsw: persist index blob")
	}

	c.indexBlobID = string(blobID)
	c.version++
	c.dirty = len(c.pending) > 0
	c.lastModifiedAt = time.Now()
	if !c.dirty {
		c.firstPendingAt = time.Time{}
	}

	e.logger.Info("hnsw: flushed index",
		slog.String("user", user), slog.String("index_blob_id", c.indexBlobID), slog.Uint64("version", c.version))

	return FlushResult{IndexBlobID: c.indexBlobID, Version: c.version}, nil
}

// Remove tombstones vectorID for user (§4.3 "remove").
func (e *Engine) Remove(user string, vectorID capability.VectorID) error {
	c := e.cacheFor(user)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.committed == nil {
		return memerr.New(memerr.KindNotFound, "hnsw: no cached index for user")
	}
	return c.committed.Remove(vectorID)
}

// IndexBlobID reports the most recently flushed blob id for user, or ""
// if never flushed.
func (e *Engine) IndexBlobID(user string) string {
	c := e.cacheFor(user)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.indexBlobID
}

// Version reports user's committed version counter.
func (e *Engine) Version(user string) uint64 {
	c := e.cacheFor(user)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Dimension reports the committed index's fixed dimension, or 0 if no
// index is cached yet.
func (e *Engine) Dimension(user string) int {
	c := e.cacheFor(user)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.committed == nil {
		return 0
	}
	return c.committed.Dim
}
