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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CommandOSSLabs/personal-data-wallet/internal/memerr"
)

// fakeRemote is an in-memory Backend used to simulate the remote
// collaborator going up and down without a real network dependency.
type fakeRemote struct {
	mu        sync.Mutex
	data      map[BlobID][]byte
	available bool
}

func newFakeRemote(available bool) *fakeRemote {
	return &fakeRemote{data: make(map[BlobID][]byte), available: available}
}

func (f *fakeRemote) setAvailable(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available = v
}

func (f *fakeRemote) Put(_ context.Context, data []byte, _ Tags) (BlobID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.available {
		return "", memerr.New(memerr.KindNetwork, "fake remote down")
	}
	id := BlobID("remote_test_" + time.Now().Format(time.RFC3339Nano))
	f.data[id] = append([]byte(nil), data...)
	return id, nil
}

func (f *fakeRemote) Get(_ context.Context, id BlobID) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.available {
		return nil, memerr.New(memerr.KindNetwork, "fake remote down")
	}
	data, ok := f.data[id]
	if !ok {
		return nil, memerr.Newf(memerr.KindNotFound, "blob %q not found", id)
	}
	return data, nil
}

func (f *fakeRemote) Exists(_ context.Context, id BlobID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[id]
	return ok, nil
}

func newTestStore(t *testing.T, remote Backend) (*Store, func()) {
	t.Helper()
	dir := t.TempDir()
	local, err := OpenLocalBackend(dir)
	require.NoError(t, err)
	store := NewStore(remote, local, time.Minute, time.Second, nil)
	return store, func() { _ = local.Close() }
}

// P6: get(put(B).id) == B byte-exact, regardless of routing.
func TestStore_RoundTrip_Remote(t *testing.T) {
	remote := newFakeRemote(true)
	store, cleanup := newTestStore(t, remote)
	defer cleanup()

	payload := []byte("hello from alice")
	id, err := store.Put(context.Background(), payload, Tags{"owner": "alice", "content-type": "text/plain"})
	require.NoError(t, err)
	require.True(t, id.IsRemote())

	got, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestStore_RoundTrip_LocalFallback(t *testing.T) {
	remote := newFakeRemote(false)
	store, cleanup := newTestStore(t, remote)
	defer cleanup()

	payload := []byte("hello from bob")
	id, err := store.Put(context.Background(), payload, Tags{"owner": "bob", "content-type": "text/plain"})
	require.NoError(t, err)
	require.True(t, id.IsLocal())

	got, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

// Scenario 6: blob store failover. Liveness flips from down to up between
// two ingests; the first blob stays local_*, and remains readable after
// remote recovers.
func TestStore_Failover_OldLocalIdsStayReadable(t *testing.T) {
	remote := newFakeRemote(false)
	store, cleanup := newTestStore(t, remote)
	defer cleanup()

	oldID, err := store.Put(context.Background(), []byte("old memory"), Tags{"owner": "carol", "content-type": "text/plain"})
	require.NoError(t, err)
	require.True(t, oldID.IsLocal())

	remote.setAvailable(true)
	store.markUnavailable() // cache a fresh "unavailable" verdict, as a failed Put would

	// The cache was just marked unavailable (checkedAt = now), so the
	// next Put would still see a fresh "unavailable" cache entry unless
	// we expire the interval; simulate time passing by shrinking the
	// interval via a fresh store sharing the same backends.
	store2 := NewStore(remote, store.local, 0, time.Second, nil)
	newID, err := store2.Put(context.Background(), []byte("new memory"), Tags{"owner": "carol", "content-type": "text/plain"})
	require.NoError(t, err)
	require.True(t, newID.IsRemote())

	got, err := store2.Get(context.Background(), oldID)
	require.NoError(t, err)
	require.Equal(t, []byte("old memory"), got)
}

func TestStore_Get_RemoteIdNeverFallsBackToLocal(t *testing.T) {
	remote := newFakeRemote(true)
	store, cleanup := newTestStore(t, remote)
	defer cleanup()

	id, err := store.Put(context.Background(), []byte("x"), Tags{"owner": "dave", "content-type": "text/plain"})
	require.NoError(t, err)
	require.True(t, id.IsRemote())

	remote.setAvailable(false)
	_, err = store.Get(context.Background(), id)
	require.Error(t, err)
	require.True(t, memerr.Is(err, memerr.KindNetwork))
}

func TestStore_Put_RequiresOwnerTag(t *testing.T) {
	store, cleanup := newTestStore(t, newFakeRemote(true))
	defer cleanup()

	_, err := store.Put(context.Background(), []byte("x"), Tags{"content-type": "text/plain"})
	require.Error(t, err)
}
