// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/CommandOSSLabs/personal-data-wallet/internal/blobstore"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/capability/fake"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/config"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/coordinator"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/hnsw"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/ingest"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/query"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *fake.OnChainLookup) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	local, err := blobstore.OpenLocalBackend(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })
	store := blobstore.NewStore(nil, local, time.Minute, time.Second, nil)
	engine := hnsw.NewEngine(store, nil)
	onChain := fake.NewOnChainLookup()

	tunables := &config.Tunables{
		BatchDelay: time.Hour, MaxBatch: 50, CacheTTL: time.Hour,
		SchedulerTick: time.Hour, EvictionTick: time.Hour,
		DefaultVectorDimensions: 8, MaxHops: 1,
	}
	coord := coordinator.New(engine, store, onChain, onChain, config.NewStaticWatcher(tunables), nil)
	embedder := fake.NewEmbedder(8)
	ingestSvc := ingest.New(coord, store, embedder, fake.NewExtractor(), fake.IdentityEncryptor{}, nil)
	querySvc := query.New(coord, store, embedder, fake.IdentityEncryptor{}, 1, nil)

	router := gin.New()
	router.Use(gin.Recovery())
	v1 := router.Group("/v1")
	RegisterRoutes(v1, NewHandlers(coord, ingestSvc, querySvc, 8))
	return router, onChain
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// Scenario: first-ingest bootstrap through the HTTP surface end to end.
func TestAPI_IngestThenQuery_EndToEnd(t *testing.T) {
	router, _ := setupTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/memories", map[string]string{
		"user": "alice", "content": "Alice loves hiking", "category": "note",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/v1/query", map[string]any{
		"user": "alice", "text": "Alice loves hiking", "k": 5,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp queryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Results)
	require.Equal(t, "Alice loves hiking", resp.Results[0].Content)
}

func TestAPI_PrepareThenRegister(t *testing.T) {
	router, onChain := setupTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/users/bob/prepare", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	onChain.RegisterOwner("chain-1", "bob")
	rec = doJSON(t, router, http.MethodPost, "/v1/users/bob/register", map[string]string{"on_chain_id": "chain-1"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_Register_OwnershipMismatchReturnsForbidden(t *testing.T) {
	router, onChain := setupTestRouter(t)

	doJSON(t, router, http.MethodPost, "/v1/users/bob/prepare", nil)
	onChain.RegisterOwner("chain-1", "someone-else")

	rec := doJSON(t, router, http.MethodPost, "/v1/users/bob/register", map[string]string{"on_chain_id": "chain-1"})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAPI_Ingest_MissingFieldReturnsBadRequest(t *testing.T) {
	router, _ := setupTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/memories", map[string]string{"user": "alice"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Stats_ReportsPendingVectors(t *testing.T) {
	router, _ := setupTestRouter(t)

	doJSON(t, router, http.MethodPost, "/v1/memories", map[string]string{
		"user": "alice", "content": "a memory", "category": "note",
	})

	rec := doJSON(t, router, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats coordinator.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 1, stats.Users["alice"].PendingCount)
}

func TestAPI_Flush_DrainsPending(t *testing.T) {
	router, _ := setupTestRouter(t)

	doJSON(t, router, http.MethodPost, "/v1/memories", map[string]string{
		"user": "alice", "content": "a memory", "category": "note",
	})

	rec := doJSON(t, router, http.MethodPost, "/v1/users/alice/flush", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/v1/stats", nil)
	var stats coordinator.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 0, stats.Users["alice"].PendingCount)
}
