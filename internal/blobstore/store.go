// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package blobstore

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/CommandOSSLabs/personal-data-wallet/internal/memerr"
)

// sentinelKey is the object the liveness probe reads to decide whether the
// remote backend is reachable, without requiring a real user blob to
// exist (§4.1 "a cheap call, e.g. a get of a sentinel id").
const sentinelKey = BlobID("remote_liveness_probe_sentinel")

var (
	livenessGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "memory",
		Subsystem: "blobstore",
		Name:      "remote_available",
		Help:      "1 if the remote blob backend was available at the last probe, 0 otherwise",
	})
	putTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memory",
		Subsystem: "blobstore",
		Name:      "put_total",
		Help:      "Total blob Put calls by backend and outcome",
	}, []string{"backend", "outcome"})
)

// liveness caches the remote backend's reachability, re-probed at most
// once per LivenessCheckInterval (§4.1).
type liveness struct {
	mu        sync.Mutex
	available bool
	checkedAt time.Time
}

// Store routes Put/Get/Exists calls between a primary remote backend and
// a local fallback, per §4.1's exact routing table.
type Store struct {
	remote    Backend
	local     *LocalBackend
	checkIntv time.Duration
	probeTO   time.Duration
	logger    *slog.Logger

	live liveness
}

// NewStore builds a Store. remote may be nil to model a remote-less
// deployment (every Put/Get routes to local, as if the probe always
// failed).
func NewStore(remote Backend, local *LocalBackend, checkInterval, probeTimeout time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{remote: remote, local: local, checkIntv: checkInterval, probeTO: probeTimeout, logger: logger}
	// Assume available until the first probe; Put/Get re-probe inline if
	// the cache is stale, so an optimistic start costs at most one failed
	// call before falling back.
	s.live.available = remote != nil
	return s
}

// Put writes data to the remote backend when available, falling back to
// local on remote failure; if remote is known unavailable, it goes
// straight to local (§4.1).
func (s *Store) Put(ctx context.Context, data []byte, tags Tags) (BlobID, error) {
	if err := requireTag(tags, "owner"); err != nil {
		return "", err
	}

	if s.remote != nil && s.isAvailable(ctx) {
		id, err := s.remote.Put(ctx, data, tags)
		if err == nil {
			putTotal.WithLabelValues("remote", "ok").Inc()
			return id, nil
		}
		s.logger.Warn("blobstore: remote put failed, falling back to local",
			slog.String("error", err.Error()))
		s.markUnavailable()
		putTotal.WithLabelValues("remote", "fallback").Inc()
	}

	id, err := s.local.Put(ctx, data, tags)
	if err != nil {
		putTotal.WithLabelValues("local", "error").Inc()
		return "", err
	}
	putTotal.WithLabelValues("local", "ok").Inc()
	return id, nil
}

// Get routes by the id's own prefix: local_* always reads local;
// remote_* always reads remote and surfaces failure without falling back
// — the ids disjoin, so a remote id has no local counterpart (§4.1).
func (s *Store) Get(ctx context.Context, id BlobID) ([]byte, error) {
	if id.IsLocal() {
		return s.local.Get(ctx, id)
	}
	if id.IsRemote() {
		if s.remote == nil {
			return nil, memerr.Newf(memerr.KindNetwork, "remote backend not configured for %q", id)
		}
		return s.remote.Get(ctx, id)
	}
	return nil, memerr.Newf(memerr.KindNotFound, "blob id %q has unrecognised backend tag", id)
}

// Exists mirrors Get's routing.
func (s *Store) Exists(ctx context.Context, id BlobID) (bool, error) {
	if id.IsLocal() {
		return s.local.Exists(ctx, id)
	}
	if id.IsRemote() {
		if s.remote == nil {
			return false, nil
		}
		return s.remote.Exists(ctx, id)
	}
	return false, nil
}

// isAvailable returns the cached liveness verdict, re-probing inline if
// the cache is older than checkIntv (§4.1).
func (s *Store) isAvailable(ctx context.Context) bool {
	s.live.mu.Lock()
	stale := time.Since(s.live.checkedAt) >= s.checkIntv
	cached := s.live.available
	s.live.mu.Unlock()

	if !stale {
		return cached
	}
	return s.probe(ctx)
}

// probe issues the liveness call and updates the cache. Probe failures
// classified network|timeout|unreachable mark the remote unavailable;
// any other error (including NotFound for a missing sentinel) means the
// backend itself is reachable, so it's marked available (§4.1).
func (s *Store) probe(parent context.Context) bool {
	ctx, cancel := context.WithTimeout(parent, s.probeTO)
	defer cancel()

	_, err := s.remote.Get(ctx, sentinelKey)
	available := true
	if err != nil && isConnectivityFailure(err) {
		available = false
	}

	s.live.mu.Lock()
	s.live.available = available
	s.live.checkedAt = time.Now()
	s.live.mu.Unlock()

	if available {
		livenessGauge.Set(1)
	} else {
		livenessGauge.Set(0)
	}
	return available
}

// markUnavailable records the remote as unavailable as of now, used when
// a live Put just failed; isAvailable trusts that verdict and does not
// re-probe until the check interval has passed.
func (s *Store) markUnavailable() {
	s.live.mu.Lock()
	s.live.available = false
	s.live.checkedAt = time.Now()
	s.live.mu.Unlock()
	livenessGauge.Set(0)
}

// isConnectivityFailure classifies an error as network|timeout|unreachable
// (unavailable) versus anything else, including NotFound, which leaves
// the backend marked available (§4.1).
func isConnectivityFailure(err error) bool {
	if err == nil {
		return false
	}
	if memerr.Is(err, memerr.KindNotFound) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return memerr.Is(err, memerr.KindNetwork)
}
