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
	"time"

	"golang.org/x/sync/errgroup"
)

// maxConcurrentFlushes bounds how many users' flushes run in parallel on
// a single scheduler tick, the same fan-out-with-a-cap idiom the teacher
// uses errgroup for elsewhere in the agent pipeline.
const maxConcurrentFlushes = 8

// Start launches the scheduler tick and the cache-cleanup sweep as
// background goroutines (§4.4 "Scheduler", "Eviction"). Call Stop to
// terminate them.
func (c *Coordinator) Start() {
	c.wg.Add(2)
	go c.runScheduler()
	go c.runEviction()
}

// Stop signals both background loops to exit and waits for them.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Coordinator) runScheduler() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.tunables.Current().SchedulerTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.tick(context.Background())
		case <-c.stopCh:
			return
		}
	}
}

// tick walks every known user and flushes those whose pending batch has
// crossed BATCH_DELAY or MAX_BATCH (§4.4 "Scheduler"). Per-user flushes
// run to completion independently; a bounded errgroup fans them out so
// one slow flush doesn't stall the whole tick. Each tick ends by
// refreshing the Prometheus gauges through BatchStats.
func (c *Coordinator) tick(ctx context.Context) {
	users := c.knownUsers()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFlushes)

	for _, user := range users {
		user := user
		if !c.dueForFlush(user) {
			continue
		}
		g.Go(func() error {
			if _, err := c.ForceFlush(ctx, user); err != nil {
				c.logger.Warn("coordinator: scheduled flush failed",
					slog.String("user", user), slog.String("error", err.Error()))
			}
			return nil
		})
	}
	_ = g.Wait()
	c.BatchStats()
}

func (c *Coordinator) dueForFlush(user string) bool {
	pending := c.engine.PendingCount(user)
	if pending == 0 {
		return false
	}
	tunables := c.tunables.Current()
	if pending >= tunables.MaxBatch {
		return true
	}
	first := c.engine.FirstPendingAt(user)
	return !first.IsZero() && time.Since(first) >= tunables.BatchDelay
}

func (c *Coordinator) runEviction() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.tunables.Current().EvictionTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep(context.Background())
		case <-c.stopCh:
			return
		}
	}
}

// sweep drops cache entries idle longer than CacheTTL. A dirty entry is
// flushed first so no unflushed write is lost to eviction (§4.4
// "Eviction").
func (c *Coordinator) sweep(ctx context.Context) {
	for _, user := range c.knownUsers() {
		if time.Since(c.engine.LastModifiedAt(user)) < c.tunables.Current().CacheTTL {
			continue
		}
		if c.engine.IsDirty(user) {
			if _, err := c.ForceFlush(ctx, user); err != nil {
				c.logger.Warn("coordinator: eviction flush failed, keeping entry cached",
					slog.String("user", user), slog.String("error", err.Error()))
				continue
			}
		}
		c.dropUser(user)
		c.logger.Info("coordinator: evicted idle user cache", slog.String("user", user))
	}
}
