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
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"time"

	gcs "cloud.google.com/go/storage"

	"github.com/CommandOSSLabs/personal-data-wallet/internal/memerr"
)

// objectHandle is the minimal slice of cloud.google.com/go/storage's
// *storage.ObjectHandle API the remote backend needs, so tests can supply
// a fake instead of talking to GCS.
type objectHandle interface {
	NewWriter(ctx context.Context) io.WriteCloser
	NewReader(ctx context.Context) (io.ReadCloser, error)
	Attrs(ctx context.Context) error // returns nil if the object exists
}

// BucketClient is the minimal slice of *storage.BucketHandle the remote
// backend depends on.
type BucketClient interface {
	Object(name string) objectHandle
}

// GCSBucket adapts a real *storage.BucketHandle to BucketClient. Kept as
// a thin wrapper so production wiring uses the genuine
// cloud.google.com/go/storage client while tests use an in-memory fake.
type GCSBucket struct {
	Bucket *gcs.BucketHandle
}

func (g GCSBucket) Object(name string) objectHandle {
	return gcsObject{h: g.Bucket.Object(name)}
}

type gcsObject struct{ h *gcs.ObjectHandle }

func (o gcsObject) NewWriter(ctx context.Context) io.WriteCloser { return o.h.NewWriter(ctx) }
func (o gcsObject) NewReader(ctx context.Context) (io.ReadCloser, error) {
	return o.h.NewReader(ctx)
}
func (o gcsObject) Attrs(ctx context.Context) error {
	_, err := o.h.Attrs(ctx)
	return err
}

// RemoteBackend stores blobs as objects in a remote bucket, naming them
// remote_<unix_ms>_<base36 rand> (mirroring the local id scheme so both
// backends share the same entropy convention).
type RemoteBackend struct {
	bucket BucketClient
}

// NewRemoteBackend wraps a BucketClient as a Backend.
func NewRemoteBackend(bucket BucketClient) *RemoteBackend {
	return &RemoteBackend{bucket: bucket}
}

func newRemoteID() (BlobID, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return "", fmt.Errorf("blobstore: generate id entropy: %w", err)
	}
	return BlobID(fmt.Sprintf("%s%d_%s", remotePrefix, time.Now().UnixMilli(), n.Text(36))), nil
}

func (r *RemoteBackend) Put(ctx context.Context, data []byte, tags Tags) (BlobID, error) {
	id, err := newRemoteID()
	if err != nil {
		return "", err
	}

	w := r.bucket.Object(string(id)).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", memerr.Wrap(memerr.KindNetwork, err, "remote blob write")
	}
	if err := w.Close(); err != nil {
		return "", memerr.Wrap(memerr.KindNetwork, err, "remote blob finalize")
	}

	return id, nil
}

func (r *RemoteBackend) Get(ctx context.Context, id BlobID) ([]byte, error) {
	rc, err := r.bucket.Object(string(id)).NewReader(ctx)
	if err != nil {
		if err == gcs.ErrObjectNotExist {
			return nil, memerr.Newf(memerr.KindNotFound, "remote blob %q not found", id)
		}
		return nil, memerr.Wrap(memerr.KindNetwork, err, "remote blob open")
	}
	defer func() { _ = rc.Close() }()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, memerr.Wrap(memerr.KindNetwork, err, "remote blob read")
	}
	return buf.Bytes(), nil
}

func (r *RemoteBackend) Exists(ctx context.Context, id BlobID) (bool, error) {
	err := r.bucket.Object(string(id)).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if err == gcs.ErrObjectNotExist {
		return false, nil
	}
	return false, memerr.Wrap(memerr.KindNetwork, err, "remote blob attrs")
}
