// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command memoryd starts the personal memory layer's HTTP API: the six
// "Exposed to collaborators" operations (prepare, register, ingest,
// query, force_flush, batch_stats).
//
// Usage:
//
//	go run ./cmd/memoryd
//	go run ./cmd/memoryd -port 9090 -blob-dir /var/lib/memoryd/blobs
//
// With a GCS-backed remote blob tier:
//
//	GCS_BUCKET=my-bucket go run ./cmd/memoryd
//
// -config points at a tunables YAML file that is watched (fsnotify) and
// hot-reloaded: edits to batch_delay_seconds/max_batch/cache_ttl_minutes
// reach the running scheduler without a restart.
//
// Example requests:
//
//	curl -X POST http://localhost:8080/v1/users/alice/prepare
//	curl -X POST http://localhost:8080/v1/memories \
//	  -H "Content-Type: application/json" \
//	  -d '{"user": "alice", "content": "Alice works at Acme", "category": "note"}'
//	curl -X POST http://localhost:8080/v1/query \
//	  -H "Content-Type: application/json" \
//	  -d '{"user": "alice", "text": "Where does Alice work?", "k": 5}'
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/CommandOSSLabs/personal-data-wallet/internal/api"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/blobstore"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/capability/fake"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/config"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/coordinator"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/hnsw"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/ingest"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/query"
)

func main() {
	port := flag.Int("port", 8080, "Port to listen on")
	debug := flag.Bool("debug", false, "Enable debug mode")
	blobDir := flag.String("blob-dir", "./data/blobs", "Directory for the local blob backend")
	configPath := flag.String("config", "", "Optional path to a tunables override YAML file")
	flag.Parse()

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	watcher, err := config.NewWatcher(*configPath, nil)
	if err != nil {
		slog.Error("Failed to load tunables", slog.String("error", err.Error()))
		os.Exit(1)
	}
	tunables := watcher.Current()

	if err := os.MkdirAll(*blobDir, 0o755); err != nil {
		slog.Error("Failed to create blob directory", slog.String("dir", *blobDir), slog.String("error", err.Error()))
		os.Exit(1)
	}
	local, err := blobstore.OpenLocalBackend(*blobDir)
	if err != nil {
		slog.Error("Failed to open local blob backend", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer local.Close()

	var remote blobstore.Backend
	if bucketName := os.Getenv("GCS_BUCKET"); bucketName != "" {
		gcsClient, err := gcs.NewClient(context.Background())
		if err != nil {
			slog.Warn("GCS client unavailable, running local-only",
				slog.String("bucket", bucketName), slog.String("error", err.Error()))
		} else {
			remote = blobstore.NewRemoteBackend(blobstore.GCSBucket{Bucket: gcsClient.Bucket(bucketName)})
			slog.Info("Remote blob tier enabled", slog.String("bucket", bucketName))
		}
	}

	store := blobstore.NewStore(remote, local, tunables.LivenessCheckInterval, tunables.LivenessProbeTimeout, nil)
	engine := hnsw.NewEngine(store, nil)
	onChain := fake.NewOnChainLookup()
	coord := coordinator.New(engine, store, onChain, onChain, watcher, nil)
	coord.Start()

	embedder := fake.NewEmbedder(tunables.DefaultVectorDimensions)
	extractor := fake.NewExtractor()
	encryptor := fake.IdentityEncryptor{}
	ingestSvc := ingest.New(coord, store, embedder, extractor, encryptor, nil)
	querySvc := query.New(coord, store, embedder, encryptor, tunables.MaxHops, nil)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("memoryd"))
	router.Use(api.NewIPRateLimiter(20, 40).Middleware())
	if *debug {
		router.Use(gin.Logger())
	}

	v1 := router.Group("/v1")
	api.RegisterRoutes(v1, api.NewHandlers(coord, ingestSvc, querySvc, tunables.DefaultVectorDimensions))

	srv := &http.Server{Addr: fmt.Sprintf(":%d", *port), Handler: router}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		slog.Info("Shutting down memoryd, flushing dirty users")
		coord.Stop()
		_ = watcher.Close()
		flushAllDirty(coord, tunables)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("Graceful shutdown failed", slog.String("error", err.Error()))
		}
	}()

	slog.Info("Starting memoryd", slog.Int("port", *port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// flushAllDirty drains every known user's pending batch on shutdown so a
// SIGTERM never silently drops in-memory writes the caller believed were
// durable once force_flush had been called on them (§5 "Cancellation").
func flushAllDirty(coord *coordinator.Coordinator, tunables *config.Tunables) {
	ctx, cancel := context.WithTimeout(context.Background(), tunables.BlobTimeout)
	defer cancel()
	stats := coord.BatchStats()
	for user, us := range stats.Users {
		if us.PendingCount == 0 {
			continue
		}
		if _, err := coord.ForceFlush(ctx, user); err != nil {
			slog.Warn("Shutdown flush failed", slog.String("user", user), slog.String("error", err.Error()))
		}
	}
}
