// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fake provides deterministic in-memory implementations of the
// capability.* traits, for use in tests the way the teacher's
// mockAgentClient/mockChatClient test doubles stand in for real LLM
// providers in egress/guard_test.go.
package fake

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/CommandOSSLabs/personal-data-wallet/internal/capability"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/memerr"
)

// Embedder deterministically maps text to a unit-norm vector of Dim
// dimensions, derived from a SHA-256 hash of the text. Equal inputs always
// produce equal vectors; used by tests that need E(x) from spec.md §8.
type Embedder struct {
	Dim int
}

// NewEmbedder returns an Embedder producing vectors of the given
// dimension. dim defaults to 8 if zero.
func NewEmbedder(dim int) *Embedder {
	if dim <= 0 {
		dim = 8
	}
	return &Embedder{Dim: dim}
}

func (e *Embedder) Embed(_ context.Context, text string) (capability.Vector, error) {
	sum := sha256.Sum256([]byte(text))
	vec := make(capability.Vector, e.Dim)
	for i := 0; i < e.Dim; i++ {
		b := sum[i%len(sum)]
		vec[i] = float32(b)/127.5 - 1.0 // map byte to roughly [-1, 1]
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

// Extractor returns pre-registered entities/relationships for exact-match
// text, and an empty result otherwise. Tests seed it with Register to
// model scenarios like spec.md §8 scenario 5 (graph expansion).
type Extractor struct {
	mu        sync.RWMutex
	responses map[string]capability.ExtractionResult
}

// NewExtractor returns an Extractor with no registered responses.
func NewExtractor() *Extractor {
	return &Extractor{responses: make(map[string]capability.ExtractionResult)}
}

// Register fixes the extraction result returned for an exact text match.
func (e *Extractor) Register(text string, result capability.ExtractionResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.responses[text] = result
}

func (e *Extractor) Extract(_ context.Context, text string) (capability.ExtractionResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if r, ok := e.responses[text]; ok {
		return r, nil
	}
	return capability.ExtractionResult{}, nil
}

// IdentityEncryptor is the no-op "demo mode" encryptor (§9).
type IdentityEncryptor struct{}

func (IdentityEncryptor) Encrypt(_ context.Context, plaintext []byte, _ string) ([]byte, error) {
	return plaintext, nil
}

func (IdentityEncryptor) Decrypt(_ context.Context, ciphertext []byte, _ string) ([]byte, error) {
	return ciphertext, nil
}

// OnChainLookup is an in-memory stand-in for the real on-chain
// collaborator: it tracks which user owns which on-chain id and the last
// published index pointer per user.
type OnChainLookup struct {
	mu      sync.RWMutex
	owners  map[string]string // onChainID -> user
	pointer map[string]capability.IndexPointer
}

// NewOnChainLookup returns an empty OnChainLookup.
func NewOnChainLookup() *OnChainLookup {
	return &OnChainLookup{
		owners:  make(map[string]string),
		pointer: make(map[string]capability.IndexPointer),
	}
}

// RegisterOwner fixes the owner of an on-chain id, as if a caller had
// already minted the on-chain record.
func (l *OnChainLookup) RegisterOwner(onChainID, user string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.owners[onChainID] = user
}

func (l *OnChainLookup) OwnerOf(_ context.Context, onChainID string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	user, ok := l.owners[onChainID]
	if !ok {
		return "", memerr.Newf(memerr.KindNotFound, "on-chain id %q not found", onChainID)
	}
	return user, nil
}

func (l *OnChainLookup) MemoryIndexFor(_ context.Context, user string) (capability.IndexPointer, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ptr, ok := l.pointer[user]
	return ptr, ok, nil
}

// Publish records the latest published pointer for user, satisfying
// capability.PublicationSink. Failure is never injected; production
// on-chain updaters may fail and the coordinator must tolerate that, but
// the fake always succeeds so tests can opt into failure via
// FailingPublicationSink instead.
func (l *OnChainLookup) Publish(_ context.Context, user string, indexBlobID string, version uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.pointer[user]
	prev.IndexBlobID = indexBlobID
	prev.Version = version
	l.pointer[user] = prev
	return nil
}

// FailingPublicationSink always fails Publish, for testing that
// publication failure never invalidates in-memory coordinator state.
type FailingPublicationSink struct{ Err error }

func (f FailingPublicationSink) Publish(context.Context, string, string, uint64) error {
	if f.Err != nil {
		return f.Err
	}
	return fmt.Errorf("publication sink: simulated failure")
}

// SanitiseForTest mirrors graphstore.Sanitise for building expected entity
// ids in tests without importing graphstore (avoids an import cycle when
// fake is used from graphstore's own tests).
func SanitiseForTest(id string) string {
	id = strings.ToLower(id)
	var b strings.Builder
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
