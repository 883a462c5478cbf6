// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package blobstore implements C1: content-addressed put/get/exists with
// primary (remote) + local fallback routing and a cached liveness probe
// (§4.1). The local backend is grounded on the teacher's BadgerDB-backed
// router_cache.go (versioned keys, TTL) and on the pack's
// blockstore-badger-blockstore.go (atomic temp-write-then-rename local
// file semantics); the remote backend wraps cloud.google.com/go/storage,
// a teacher dependency that went unexercised in the retrieved subset.
package blobstore

import (
	"context"
	"fmt"
	"strings"
)

// BlobID is a tagged string identifying a stored blob; the prefix
// determines which backend stores it (§3). Clients never parse the tag
// themselves beyond routing.
type BlobID string

const (
	localPrefix  = "local_"
	remotePrefix = "remote_"
)

// IsLocal reports whether id was minted by the local backend.
func (id BlobID) IsLocal() bool { return strings.HasPrefix(string(id), localPrefix) }

// IsRemote reports whether id was minted by the remote backend.
func (id BlobID) IsRemote() bool { return strings.HasPrefix(string(id), remotePrefix) }

// Tags is a flat string->string map accompanying a blob; §4.1 requires at
// least "owner" and "content-type".
type Tags map[string]string

// Backend is the minimal contract a storage backend (local or remote)
// must satisfy. Both LocalBackend and the remote GCS adapter implement
// it.
type Backend interface {
	// Put stores bytes and returns the minted BlobID.
	Put(ctx context.Context, data []byte, tags Tags) (BlobID, error)
	// Get retrieves bytes for id. Returns memerr KindNotFound if id is
	// absent on this backend.
	Get(ctx context.Context, id BlobID) ([]byte, error)
	// Exists reports whether id is present on this backend.
	Exists(ctx context.Context, id BlobID) (bool, error)
}

// requireTag returns an error when tags lacks a non-empty value for key.
func requireTag(tags Tags, key string) error {
	if tags == nil || tags[key] == "" {
		return fmt.Errorf("blobstore: tags missing required key %q", key)
	}
	return nil
}
