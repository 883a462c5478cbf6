// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package capability

import "context"

// Embedder turns text into a fixed-dimensional vector. Dimension is fixed
// by the provider, not by the core (§6).
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
}

// Extractor pulls entities and relationships out of text (§6). Never
// implemented by the core: entity/relationship extraction is explicitly
// out of scope (§1).
type Extractor interface {
	Extract(ctx context.Context, text string) (ExtractionResult, error)
}

// Encryptor encrypts/decrypts memory payloads before they reach the blob
// store (§6). A no-op identity implementation is valid for demo mode and
// for tests (§9).
type Encryptor interface {
	Encrypt(ctx context.Context, plaintext []byte, owner string) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte, owner string) ([]byte, error)
}

// OnChainLookup resolves on-chain identity and the currently-registered
// memory index pointer for a user (§6). The core never signs or submits
// on-chain transactions itself.
type OnChainLookup interface {
	// OwnerOf returns the user that owns onChainID, used by the
	// coordinator to verify Register calls.
	OwnerOf(ctx context.Context, onChainID string) (user string, err error)

	// MemoryIndexFor returns the currently registered index pointer for
	// user, or ok=false if the user has never registered one.
	MemoryIndexFor(ctx context.Context, user string) (ptr IndexPointer, ok bool, err error)
}

// PublicationSink is the external on-chain updater the coordinator
// notifies after a successful flush (§4.4 "Publication callback"). Its
// failure must never invalidate in-memory state.
type PublicationSink interface {
	Publish(ctx context.Context, user string, indexBlobID string, version uint64) error
}
