// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package query implements C8: the find_relevant orchestration that
// oversamples an HNSW search, expands it one hop through the user's
// graph, resolves hits to content blobs, and decrypts and deduplicates
// the result. Grounded on the same agent/phases pipeline shape as
// internal/ingest, applied to the read path (§4.6).
package query

import (
	"context"
	"log/slog"

	"github.com/CommandOSSLabs/personal-data-wallet/internal/blobstore"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/capability"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/coordinator"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/memerr"
)

// oversampleFactor is how many times k the HNSW search asks for before
// graph expansion and blob resolution narrow the candidate set back down
// (§4.6 step 2, "oversample for filtering").
const oversampleFactor = 2

// MemoryContent is a single resolved, decrypted memory returned to the
// caller (§4.6).
type MemoryContent struct {
	VectorID capability.VectorID `json:"vector_id"`
	BlobID   string              `json:"blob_id"`
	Category string              `json:"category"`
	Content  []byte              `json:"-"`
}

// Service is C8.
type Service struct {
	coord    *coordinator.Coordinator
	store    *blobstore.Store
	embedder capability.Embedder
	decrypt  capability.Encryptor
	maxHops  int
	logger   *slog.Logger
}

// New builds a query Service. maxHops bounds the graph expansion depth
// (§6 tunable MaxHops, default 1).
func New(coord *coordinator.Coordinator, store *blobstore.Store, embedder capability.Embedder, decrypt capability.Encryptor, maxHops int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if maxHops <= 0 {
		maxHops = 1
	}
	return &Service{coord: coord, store: store, embedder: embedder, decrypt: decrypt, maxHops: maxHops, logger: logger}
}

// FindRelevant runs the six-step query pipeline (§4.6). Ids without a
// blob mapping are skipped, and blobs that fail to fetch or decrypt are
// logged and skipped, rather than failing the whole query.
func (s *Service) FindRelevant(ctx context.Context, user, text string, k int) ([]MemoryContent, error) {
	q, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindOf(err), err, "query: embed")
	}

	hits, err := s.coord.Engine().Search(user, q, k*oversampleFactor)
	if err != nil {
		return nil, err
	}

	hitIDs := make([]capability.VectorID, len(hits))
	for i, h := range hits {
		hitIDs[i] = h.ID
	}

	graph := s.coord.Graph(user)
	candidateIDs := graph.Expand(hitIDs, s.maxHops)

	results := make([]MemoryContent, 0, k)
	seenBlobs := make(map[string]struct{}, len(candidateIDs))

	for _, vectorID := range candidateIDs {
		if len(results) >= k {
			break
		}

		mapping, ok := graph.BlobFor(vectorID)
		if !ok {
			continue
		}
		if _, dup := seenBlobs[mapping.BlobID]; dup {
			continue
		}

		ciphertext, err := s.store.Get(ctx, blobstore.BlobID(mapping.BlobID))
		if err != nil {
			s.logger.Warn("query: content blob missing, skipping",
				slog.String("user", user), slog.String("blob_id", mapping.BlobID), slog.String("error", err.Error()))
			continue
		}
		plaintext, err := s.decrypt.Decrypt(ctx, ciphertext, user)
		if err != nil {
			s.logger.Warn("query: content decrypt failed, skipping",
				slog.String("user", user), slog.String("blob_id", mapping.BlobID), slog.String("error", err.Error()))
			continue
		}

		seenBlobs[mapping.BlobID] = struct{}{}
		results = append(results, MemoryContent{
			VectorID: vectorID,
			BlobID:   mapping.BlobID,
			Category: mapping.Category,
			Content:  plaintext,
		})
	}

	return results, nil
}
