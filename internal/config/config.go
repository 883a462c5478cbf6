// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the tunables from §6 of the design: batch/flush
// timing, cache TTL, liveness recheck interval, and the storage defaults
// used for cold hydration. Loading follows the teacher's
// services/trace/config package: an embedded default file, overridable by
// a YAML file on disk, overridable again by environment variables, with an
// optional fsnotify watch for hot reload.
package config

import (
	_ "embed"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Tunables holds every configuration knob named in §6.
//
// Thread Safety: a *Tunables value is immutable once returned by Load; use
// Watcher for safe hot-reload of a shared pointer.
type Tunables struct {
	// BatchDelay is the minimum time between the first pending write and a
	// scheduled flush.
	BatchDelay time.Duration `yaml:"-"`
	// MaxBatch is the pending-count threshold that triggers an immediate
	// flush regardless of BatchDelay.
	MaxBatch int `yaml:"max_batch"`
	// CacheTTL is the idle duration after which a clean (non-dirty) user
	// cache entry is evicted.
	CacheTTL time.Duration `yaml:"-"`
	// LivenessCheckInterval is how long a remote-backend liveness probe
	// result is trusted before re-probing.
	LivenessCheckInterval time.Duration `yaml:"-"`
	// DefaultStorageEpochs is passed through to the remote blob backend.
	DefaultStorageEpochs int `yaml:"default_storage_epochs"`
	// DefaultVectorDimensions is the dimension cmd/memoryd gives its
	// embedder and the HTTP prepare handler uses when a request names
	// none. Cold hydration passes it along, but an index loaded from a
	// blob keeps the dimension stored in that blob.
	DefaultVectorDimensions int `yaml:"default_vector_dimensions"`
	// SchedulerTick is how often the coordinator's flush scheduler walks
	// pending flush jobs.
	SchedulerTick time.Duration `yaml:"-"`
	// EvictionTick is how often the coordinator's cache-cleanup sweep
	// runs.
	EvictionTick time.Duration `yaml:"-"`
	// BlobTimeout is the outer timeout for a blob store put/get.
	BlobTimeout time.Duration `yaml:"-"`
	// LivenessProbeTimeout bounds a single liveness probe call.
	LivenessProbeTimeout time.Duration `yaml:"-"`
	// MaxHops is the default graph expansion depth for query-time
	// 1-hop entity expansion.
	MaxHops int `yaml:"max_hops"`

	raw rawTunables
}

// rawTunables mirrors the YAML document; durations are expressed in
// plain-unit fields so the file stays readable, then converted.
type rawTunables struct {
	BatchDelaySeconds            int `yaml:"batch_delay_seconds"`
	MaxBatch                     int `yaml:"max_batch"`
	CacheTTLMinutes              int `yaml:"cache_ttl_minutes"`
	LivenessCheckIntervalMinutes int `yaml:"liveness_check_interval_minutes"`
	DefaultStorageEpochs         int `yaml:"default_storage_epochs"`
	DefaultVectorDimensions      int `yaml:"default_vector_dimensions"`
	SchedulerTickSeconds         int `yaml:"scheduler_tick_seconds"`
	EvictionTickMinutes          int `yaml:"eviction_tick_minutes"`
	BlobTimeoutSeconds           int `yaml:"blob_timeout_seconds"`
	LivenessProbeTimeoutSeconds  int `yaml:"liveness_probe_timeout_seconds"`
	MaxHops                      int `yaml:"max_hops"`
}

func fromRaw(r rawTunables) *Tunables {
	return &Tunables{
		BatchDelay:              time.Duration(r.BatchDelaySeconds) * time.Second,
		MaxBatch:                r.MaxBatch,
		CacheTTL:                time.Duration(r.CacheTTLMinutes) * time.Minute,
		LivenessCheckInterval:   time.Duration(r.LivenessCheckIntervalMinutes) * time.Minute,
		DefaultStorageEpochs:    r.DefaultStorageEpochs,
		DefaultVectorDimensions: r.DefaultVectorDimensions,
		SchedulerTick:           time.Duration(r.SchedulerTickSeconds) * time.Second,
		EvictionTick:            time.Duration(r.EvictionTickMinutes) * time.Minute,
		BlobTimeout:             time.Duration(r.BlobTimeoutSeconds) * time.Second,
		LivenessProbeTimeout:    time.Duration(r.LivenessProbeTimeoutSeconds) * time.Second,
		MaxHops:                 r.MaxHops,
		raw:                     r,
	}
}

// Load builds Tunables from the embedded defaults, an optional YAML file
// at path (skipped if path is empty or missing), and environment variable
// overrides (MEMORY_BATCH_DELAY_SECONDS, MEMORY_MAX_BATCH,
// MEMORY_CACHE_TTL_MINUTES, MEMORY_LIVENESS_CHECK_INTERVAL_MINUTES,
// MEMORY_DEFAULT_STORAGE_EPOCHS, MEMORY_DEFAULT_VECTOR_DIMENSIONS,
// MEMORY_SCHEDULER_TICK_SECONDS, MEMORY_EVICTION_TICK_MINUTES,
// MEMORY_BLOB_TIMEOUT_SECONDS, MEMORY_LIVENESS_PROBE_TIMEOUT_SECONDS,
// MEMORY_MAX_HOPS).
func Load(path string) (*Tunables, error) {
	var r rawTunables
	if err := yaml.Unmarshal(defaultsYAML, &r); err != nil {
		return nil, err
	}

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, &r); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(&r)
	return fromRaw(r), nil
}

func applyEnvOverrides(r *rawTunables) {
	overrideInt("MEMORY_BATCH_DELAY_SECONDS", &r.BatchDelaySeconds)
	overrideInt("MEMORY_MAX_BATCH", &r.MaxBatch)
	overrideInt("MEMORY_CACHE_TTL_MINUTES", &r.CacheTTLMinutes)
	overrideInt("MEMORY_LIVENESS_CHECK_INTERVAL_MINUTES", &r.LivenessCheckIntervalMinutes)
	overrideInt("MEMORY_DEFAULT_STORAGE_EPOCHS", &r.DefaultStorageEpochs)
	overrideInt("MEMORY_DEFAULT_VECTOR_DIMENSIONS", &r.DefaultVectorDimensions)
	overrideInt("MEMORY_SCHEDULER_TICK_SECONDS", &r.SchedulerTickSeconds)
	overrideInt("MEMORY_EVICTION_TICK_MINUTES", &r.EvictionTickMinutes)
	overrideInt("MEMORY_BLOB_TIMEOUT_SECONDS", &r.BlobTimeoutSeconds)
	overrideInt("MEMORY_LIVENESS_PROBE_TIMEOUT_SECONDS", &r.LivenessProbeTimeoutSeconds)
	overrideInt("MEMORY_MAX_HOPS", &r.MaxHops)
}

func overrideInt(envVar string, dst *int) {
	v := os.Getenv(envVar)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

// Watcher hot-reloads Tunables from a YAML file whenever it changes on
// disk, following the teacher's use of fsnotify for live config reload.
// Safe for concurrent reads via Current().
type Watcher struct {
	mu      sync.RWMutex
	current *Tunables
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewStaticWatcher wraps an already-built Tunables in a Watcher that never
// reloads, for callers (tests, one-shot tools) that want the Coordinator's
// "read tunables through a Watcher" seam without a file to watch.
func NewStaticWatcher(t *Tunables) *Watcher {
	return &Watcher{current: t, done: make(chan struct{})}
}

// NewWatcher loads path once and begins watching it for changes. If path
// is empty, no filesystem watch is started and Current() always returns
// the initial (embedded-defaults + env) load.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	initial, err := Load(path)
	if err != nil {
		return nil, err
	}

	w := &Watcher{current: initial, path: path, logger: logger, done: make(chan struct{})}
	if path == "" {
		return w, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		// Hot-reload is a convenience, not a requirement; degrade to a
		// static config rather than fail startup.
		logger.Warn("config: fsnotify unavailable, hot-reload disabled", slog.String("error", err.Error()))
		return w, nil
	}
	if err := fw.Add(path); err != nil {
		logger.Warn("config: failed to watch config file, hot-reload disabled",
			slog.String("path", path), slog.String("error", err.Error()))
		_ = fw.Close()
		return w, nil
	}

	w.watcher = fw
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			reloaded, err := Load(w.path)
			if err != nil {
				w.logger.Warn("config: reload failed, keeping previous tunables",
					slog.String("error", err.Error()))
				continue
			}
			w.mu.Lock()
			w.current = reloaded
			w.mu.Unlock()
			w.logger.Info("config: tunables reloaded", slog.String("path", w.path))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config: watch error", slog.String("error", err.Error()))
		case <-w.done:
			return
		}
	}
}

// Current returns the most recently loaded Tunables.
func (w *Watcher) Current() *Tunables {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the filesystem watch, if any.
func (w *Watcher) Close() error {
	close(w.done)
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
