// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ingest implements C7: the process_new_memory orchestration that
// ties the embedding and extraction capabilities to C4/C5/C1 through the
// coordinator. Grounded on the teacher's agent/phases pipeline shape (a
// fixed sequence of named steps, each surfacing its own error rather than
// swallowing it) adapted from an LLM-answer pipeline to the ingest
// pipeline in §4.5.
package ingest

import (
	"context"
	"log/slog"

	"github.com/CommandOSSLabs/personal-data-wallet/internal/blobstore"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/capability"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/coordinator"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/memerr"
)

// Result is what process_new_memory returns to the caller (§4.5 step 9).
type Result struct {
	VectorID capability.VectorID `json:"vector_id"`
	BlobID   string              `json:"blob_id"`
}

// Service is C7. It never implements embedding, extraction, or
// encryption itself; it only sequences calls to those capabilities around
// the coordinator (§6).
type Service struct {
	coord     *coordinator.Coordinator
	store     *blobstore.Store
	embedder  capability.Embedder
	extractor capability.Extractor
	encryptor capability.Encryptor
	logger    *slog.Logger
}

// New builds an ingest Service. encryptor may be fake.IdentityEncryptor
// for demo mode (§9).
func New(coord *coordinator.Coordinator, store *blobstore.Store, embedder capability.Embedder, extractor capability.Extractor, encryptor capability.Encryptor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{coord: coord, store: store, embedder: embedder, extractor: extractor, encryptor: encryptor, logger: logger}
}

// ProcessNewMemory runs the nine-step ingest pipeline (§4.5). A failure
// after hnsw.add_batched has already succeeded (step 5) is surfaced, not
// swallowed: the vector remains pending and becomes searchable without
// retrievable content on the next flush, until the caller re-submits.
func (s *Service) ProcessNewMemory(ctx context.Context, user, content, category string) (Result, error) {
	state, err := s.coord.GetOrLoad(ctx, user)
	if err != nil {
		return Result{}, err
	}

	vector, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return Result{}, memerr.Wrap(memerr.KindOf(err), err, "ingest: embed")
	}

	if state.Status == coordinator.StatusAbsent {
		// Eager-Preparing on first ingest (§4.5 step 1): the embedder's
		// own output dimension fixes D, so embed happens before prepare
		// even though it is numbered step 2 — prepare cannot otherwise
		// know D without a round-trip to chain.
		if _, _, err := s.coord.Prepare(ctx, user, len(vector)); err != nil {
			return Result{}, err
		}
	}

	extraction, err := s.extractor.Extract(ctx, content)
	if err != nil {
		return Result{}, memerr.Wrap(memerr.KindOf(err), err, "ingest: extract")
	}

	graph := s.coord.Graph(user)
	vectorID := graph.NextVectorID()

	if err := s.coord.Engine().AddBatched(user, vectorID, vector); err != nil {
		return Result{}, err
	}

	graph.Merge(extraction.Entities, extraction.Relationships, vectorID)

	ciphertext, err := s.encryptor.Encrypt(ctx, []byte(content), user)
	if err != nil {
		// The vector is already queued and will become searchable on the
		// next flush, but without retrievable content (§4.5 "partial
		// success").
		return Result{}, memerr.Wrap(memerr.KindOf(err), err, "ingest: encrypt")
	}

	blobID, err := s.store.Put(ctx, ciphertext, blobstore.Tags{"owner": user, "content-type": "application/octet-stream", "category": category})
	if err != nil {
		s.logger.Warn("ingest: content blob put failed after vector was queued",
			slog.String("user", user), slog.Uint64("vector_id", uint64(vectorID)), slog.String("error", err.Error()))
		return Result{}, memerr.Wrap(memerr.KindOf(err), err, "ingest: persist content blob")
	}

	graph.SetVectorBlob(vectorID, string(blobID), category)

	return Result{VectorID: vectorID, BlobID: string(blobID)}, nil
}
