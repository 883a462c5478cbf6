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
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/CommandOSSLabs/personal-data-wallet/internal/memerr"
)

// localMeta is the JSON sidecar written alongside every local blob
// (§6 "Persisted formats").
type localMeta struct {
	BlobID    string `json:"blob_id"`
	Tags      Tags   `json:"tags"`
	Size      int    `json:"size"`
	CreatedAt int64  `json:"created_at"`
}

// LocalBackend stores each blob as two files under Dir: "<id>.bin" and
// "<id>.meta.json", written atomically via a temp-file-then-rename,
// exactly as the pack's badger-backed blockstore does for its local
// object files. A BadgerDB side index accelerates Exists() without a
// double stat(), mirroring the teacher's router_cache.go use of Badger as
// a fast local key-value index.
type LocalBackend struct {
	dir   string
	index *badger.DB // accelerates Exists(); authoritative data is always the files
}

// OpenLocalBackend creates dir if needed and opens (or creates) the
// Badger acceleration index at dir/.index.
func OpenLocalBackend(dir string) (*LocalBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create local dir: %w", err)
	}

	opts := badger.DefaultOptions(filepath.Join(dir, ".index")).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("blobstore: open local index: %w", err)
	}

	return &LocalBackend{dir: dir, index: db}, nil
}

// Close releases the Badger acceleration index.
func (b *LocalBackend) Close() error {
	if b.index == nil {
		return nil
	}
	return b.index.Close()
}

func (b *LocalBackend) binPath(id BlobID) string  { return filepath.Join(b.dir, string(id)+".bin") }
func (b *LocalBackend) metaPath(id BlobID) string { return filepath.Join(b.dir, string(id)+".meta.json") }

// newLocalID mints a local_<unix_ms>_<base36 rand> id (§4.1).
func newLocalID() (BlobID, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return "", fmt.Errorf("blobstore: generate id entropy: %w", err)
	}
	return BlobID(fmt.Sprintf("%s%d_%s", localPrefix, time.Now().UnixMilli(), n.Text(36))), nil
}

// Put writes data and its tags atomically (temp file + rename for both
// the payload and the sidecar) and returns the minted id.
func (b *LocalBackend) Put(ctx context.Context, data []byte, tags Tags) (BlobID, error) {
	id, err := newLocalID()
	if err != nil {
		return "", err
	}

	meta := localMeta{
		BlobID:    string(id),
		Tags:      tags,
		Size:      len(data),
		CreatedAt: time.Now().Unix(),
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("blobstore: marshal local meta: %w", err)
	}

	if err := atomicWrite(b.binPath(id), data); err != nil {
		return "", fmt.Errorf("blobstore: write local blob: %w", err)
	}
	if err := atomicWrite(b.metaPath(id), metaBytes); err != nil {
		return "", fmt.Errorf("blobstore: write local meta: %w", err)
	}

	if b.index != nil {
		_ = b.index.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte(id), []byte{1})
		})
	}

	return id, nil
}

// Get reads the payload file for id. The sidecar is not needed for Get
// (tags aren't returned to callers per the §4.1 contract).
func (b *LocalBackend) Get(ctx context.Context, id BlobID) ([]byte, error) {
	data, err := os.ReadFile(b.binPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, memerr.Newf(memerr.KindNotFound, "local blob %q not found", id)
		}
		return nil, fmt.Errorf("blobstore: read local blob: %w", err)
	}
	return data, nil
}

// Exists checks the Badger acceleration index first, falling back to a
// filesystem stat if the index is unavailable or missed (e.g. the index
// was rebuilt).
func (b *LocalBackend) Exists(ctx context.Context, id BlobID) (bool, error) {
	if b.index != nil {
		hit := false
		err := b.index.View(func(txn *badger.Txn) error {
			_, err := txn.Get([]byte(id))
			if err == nil {
				hit = true
				return nil
			}
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		})
		if err != nil {
			return false, fmt.Errorf("blobstore: local index lookup: %w", err)
		}
		if hit {
			return true, nil
		}
	}

	if _, err := os.Stat(b.binPath(id)); err == nil {
		return true, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("blobstore: stat local blob: %w", err)
	}
	return false, nil
}

// atomicWrite writes data to a temp file in the same directory as path,
// then renames it into place, so a crash mid-write never leaves a
// partially-written blob visible at path.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
