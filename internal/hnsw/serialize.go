// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hnsw

import (
	"bytes"
	"encoding/gob"

	"github.com/CommandOSSLabs/personal-data-wallet/internal/capability"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/memerr"
)

// wireNode and wireIndex are the gob-friendly shapes of node/Index:
// unexported fields can't be gob-encoded directly, and the rand source
// isn't meaningfully serialisable, so Deserialize reseeds it fresh.
type wireNode struct {
	ID        capability.VectorID
	Vector    []float32
	Neighbors [][]capability.VectorID
}

type wireIndex struct {
	Dim            int
	M              int
	EfConstruction int
	EfSearch       int
	Nodes          []wireNode
	Deleted        []capability.VectorID
	EntryPoint     capability.VectorID
	HasEntry       bool
	MaxLevel       int
}

// Serialize encodes the index as a self-contained blob suitable for
// blobstore.Store (§4.3 "index_blob_id", §6 index blob format).
func (idx *Index) Serialize() ([]byte, error) {
	w := wireIndex{
		Dim:            idx.Dim,
		M:              idx.M,
		EfConstruction: idx.EfConstruction,
		EfSearch:       idx.EfSearch,
		EntryPoint:     idx.entryPoint,
		HasEntry:       idx.hasEntry,
		MaxLevel:       idx.maxLevel,
	}
	for id, n := range idx.nodes {
		w.Nodes = append(w.Nodes, wireNode{ID: id, Vector: n.vector, Neighbors: n.neighbors})
	}
	for id, v := range idx.deleted {
		if v {
			w.Deleted = append(w.Deleted, id)
		}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, memerr.Wrap(memerr.KindCorrupt, err, "encode hnsw index")
	}
	return buf.Bytes(), nil
}

// Deserialize decodes a blob produced by Serialize back into an Index.
func Deserialize(data []byte) (*Index, error) {
	var w wireIndex
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return nil, memerr.Wrap(memerr.KindCorrupt, err, "decode hnsw index")
	}

	idx, err := New(w.Dim)
	if err != nil {
		return nil, err
	}
	idx.M = w.M
	idx.EfConstruction = w.EfConstruction
	idx.EfSearch = w.EfSearch
	idx.entryPoint = w.EntryPoint
	idx.hasEntry = w.HasEntry
	idx.maxLevel = w.MaxLevel

	for _, n := range w.Nodes {
		idx.nodes[n.ID] = &node{id: n.ID, vector: n.Vector, neighbors: n.Neighbors}
	}
	for _, id := range w.Deleted {
		idx.deleted[id] = true
	}
	return idx, nil
}
