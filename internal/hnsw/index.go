// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hnsw implements C5: a per-user cosine HNSW index with batched
// inserts, search-over-pending, and serialize/deserialize for blob
// persistence. The vector math (unit cosine scoring) is grounded on the
// teacher's services/trace/agent/routing/embedder.go
// (ToolEmbeddingCache's dot-product-of-unit-vectors scoring); the
// id-to-vector bookkeeping is grounded on the pack's
// 08f91662_gliderlab-OCG__memory-vector_store.go id/index mapping idiom.
package hnsw

import (
	"container/heap"
	"math"
	"math/rand"

	"github.com/CommandOSSLabs/personal-data-wallet/internal/capability"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/memerr"
)

// Default construction parameters (§4.3 "Capacity": initial capacity
// 1000, grows geometrically; these are the graph-shape parameters, which
// are independent of capacity).
const (
	DefaultM              = 16
	DefaultEfConstruction = 200
	DefaultEfSearch       = 64
)

type node struct {
	id        capability.VectorID
	vector    []float32
	neighbors [][]capability.VectorID // neighbors[level] = neighbor ids; closest-first after selection or pruning, later edges appended
}

// Index is a single user's HNSW graph. Not safe for concurrent mutation;
// the engine serialises writers per user (I1).
type Index struct {
	Dim            int
	M              int
	EfConstruction int
	EfSearch       int

	nodes      map[capability.VectorID]*node
	deleted    map[capability.VectorID]bool
	entryPoint capability.VectorID
	hasEntry   bool
	maxLevel   int
	levelMult  float64
	rng        *rand.Rand
}

// New creates an empty index fixed to dimension dim (§3, §4.3 "Dimension
// discipline"). dim must be positive.
func New(dim int) (*Index, error) {
	if dim <= 0 {
		return nil, memerr.Newf(memerr.KindDimensionMismatch, "dimension must be positive, got %d", dim)
	}
	return &Index{
		Dim:            dim,
		M:              DefaultM,
		EfConstruction: DefaultEfConstruction,
		EfSearch:       DefaultEfSearch,
		nodes:          make(map[capability.VectorID]*node),
		deleted:        make(map[capability.VectorID]bool),
		levelMult:      1 / math.Log(float64(DefaultM)),
		rng:            rand.New(rand.NewSource(1)),
	}, nil
}

// Len returns the number of live (non-tombstoned) points.
func (idx *Index) Len() int {
	n := 0
	for id := range idx.nodes {
		if !idx.deleted[id] {
			n++
		}
	}
	return n
}

// randomLevel draws an exponentially-distributed level, as in the
// original HNSW paper: level = floor(-ln(U) * 1/ln(M)).
func (idx *Index) randomLevel() int {
	u := idx.rng.Float64()
	if u <= 0 {
		u = 1e-12
	}
	return int(math.Floor(-math.Log(u) * idx.levelMult))
}

// Insert adds (id, vector) to the graph (§4.3). Returns
// memerr.KindDimensionMismatch if len(vector) != idx.Dim.
func (idx *Index) Insert(id capability.VectorID, vector []float32) error {
	if len(vector) != idx.Dim {
		return memerr.Newf(memerr.KindDimensionMismatch,
			"vector dimension %d does not match index dimension %d", len(vector), idx.Dim)
	}
	if _, exists := idx.nodes[id]; exists {
		return memerr.Newf(memerr.KindConflict, "vector id %d already present", id)
	}

	level := idx.randomLevel()
	n := &node{id: id, vector: append([]float32(nil), vector...), neighbors: make([][]capability.VectorID, level+1)}
	idx.nodes[id] = n

	if !idx.hasEntry {
		idx.entryPoint = id
		idx.hasEntry = true
		idx.maxLevel = level
		return nil
	}

	ep := idx.entryPoint
	// Descend from the top layer to level+1 using a simple greedy walk
	// (ef=1) to find a good entry point for the layers we'll actually
	// connect at.
	for l := idx.maxLevel; l > level; l-- {
		ep = idx.greedyClosest(ep, vector, l)
	}

	for l := min(level, idx.maxLevel); l >= 0; l-- {
		candidates := idx.searchLayer([]capability.VectorID{ep}, vector, idx.EfConstruction, l)
		neighbors := selectNeighbors(candidates, idx.M)
		n.neighbors[l] = neighbors
		for _, nb := range neighbors {
			idx.addNeighbor(nb, id, l)
		}
		if len(candidates) > 0 {
			ep = candidates[0].id
		}
	}

	if level > idx.maxLevel {
		idx.maxLevel = level
		idx.entryPoint = id
	}
	return nil
}

// addNeighbor adds a directed edge from `from` to `to` at level, pruning
// the weakest edge if `from` would exceed M neighbors. Insert sets the
// reverse edge itself.
func (idx *Index) addNeighbor(from, to capability.VectorID, level int) {
	fn, ok := idx.nodes[from]
	if !ok {
		return
	}
	for len(fn.neighbors) <= level {
		fn.neighbors = append(fn.neighbors, nil)
	}
	fn.neighbors[level] = append(fn.neighbors[level], to)

	if len(fn.neighbors[level]) <= idx.M {
		return
	}

	// Over capacity: keep the M closest to `from`.
	type scored struct {
		id   capability.VectorID
		dist float32
	}
	scoredList := make([]scored, 0, len(fn.neighbors[level]))
	for _, nid := range fn.neighbors[level] {
		if other, ok := idx.nodes[nid]; ok {
			scoredList = append(scoredList, scored{nid, cosineDistance(fn.vector, other.vector)})
		}
	}
	for i := 1; i < len(scoredList); i++ {
		for j := i; j > 0 && scoredList[j].dist < scoredList[j-1].dist; j-- {
			scoredList[j], scoredList[j-1] = scoredList[j-1], scoredList[j]
		}
	}
	if len(scoredList) > idx.M {
		scoredList = scoredList[:idx.M]
	}
	kept := make([]capability.VectorID, len(scoredList))
	for i, s := range scoredList {
		kept[i] = s.id
	}
	fn.neighbors[level] = kept
}

// greedyClosest performs an ef=1 greedy walk at level, returning the
// closest node found starting from ep.
func (idx *Index) greedyClosest(ep capability.VectorID, query []float32, level int) capability.VectorID {
	current := ep
	currentDist := idx.distanceTo(current, query)
	improved := true
	for improved {
		improved = false
		n, ok := idx.nodes[current]
		if !ok || level >= len(n.neighbors) {
			break
		}
		for _, cand := range n.neighbors[level] {
			d := idx.distanceTo(cand, query)
			if d < currentDist {
				currentDist = d
				current = cand
				improved = true
			}
		}
	}
	return current
}

func (idx *Index) distanceTo(id capability.VectorID, query []float32) float32 {
	n, ok := idx.nodes[id]
	if !ok {
		return float32(math.Inf(1))
	}
	return cosineDistance(n.vector, query)
}

// candidate is a scored search result.
type candidate struct {
	id   capability.VectorID
	dist float32
}

// candHeap is a min-heap by distance, used as the exploration frontier.
type candHeap []candidate

func (h candHeap) Len() int            { return len(h) }
func (h candHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h candHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *candHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// resultHeap is a max-heap by distance, used to bound the result set to
// ef entries (worst entry at the top, so it's the one evicted).
type resultHeap []candidate

func (h resultHeap) Len() int            { return len(h) }
func (h resultHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h resultHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *resultHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// searchLayer explores `level` starting from entryPoints, keeping at most
// ef results, and returns them sorted closest-first. Tombstoned nodes are
// skipped in the result set but still traversed, so the graph stays
// connected after a logical delete.
func (idx *Index) searchLayer(entryPoints []capability.VectorID, query []float32, ef int, level int) []candidate {
	visited := make(map[capability.VectorID]bool)
	var frontier candHeap
	var results resultHeap

	for _, ep := range entryPoints {
		if visited[ep] {
			continue
		}
		visited[ep] = true
		d := idx.distanceTo(ep, query)
		heap.Push(&frontier, candidate{ep, d})
		if !idx.deleted[ep] {
			heap.Push(&results, candidate{ep, d})
		}
	}

	for frontier.Len() > 0 {
		c := heap.Pop(&frontier).(candidate)
		if results.Len() >= ef && c.dist > results[0].dist {
			break
		}

		n, ok := idx.nodes[c.id]
		if !ok || level >= len(n.neighbors) {
			continue
		}
		for _, nb := range n.neighbors[level] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			d := idx.distanceTo(nb, query)
			if results.Len() < ef || d < results[0].dist {
				heap.Push(&frontier, candidate{nb, d})
				if !idx.deleted[nb] {
					heap.Push(&results, candidate{nb, d})
					if results.Len() > ef {
						heap.Pop(&results)
					}
				}
			}
		}
	}

	out := make([]candidate, len(results))
	copy(out, results)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].dist < out[j-1].dist; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// selectNeighbors takes the up-to-M closest candidates (already sorted
// closest-first by searchLayer) as the new node's neighbor set.
func selectNeighbors(candidates []candidate, m int) []capability.VectorID {
	if len(candidates) > m {
		candidates = candidates[:m]
	}
	out := make([]capability.VectorID, len(candidates))
	for i, c := range candidates {
		out[i] = c.id
	}
	return out
}

// Search returns up to k nearest neighbors to query by cosine distance,
// ascending (§4.3). Tombstoned ids are excluded.
func (idx *Index) Search(query []float32, k int) ([]Result, error) {
	if len(query) != idx.Dim {
		return nil, memerr.Newf(memerr.KindDimensionMismatch,
			"query dimension %d does not match index dimension %d", len(query), idx.Dim)
	}
	if !idx.hasEntry {
		return nil, memerr.New(memerr.KindNotFound, "index is empty")
	}

	ep := idx.entryPoint
	for l := idx.maxLevel; l > 0; l-- {
		ep = idx.greedyClosest(ep, query, l)
	}

	ef := idx.EfSearch
	if ef < k {
		ef = k
	}
	candidates := idx.searchLayer([]capability.VectorID{ep}, query, ef, 0)

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	results := make([]Result, len(candidates))
	for i, c := range candidates {
		results[i] = Result{ID: c.id, Distance: c.dist}
	}
	return results, nil
}

// Remove tombstones id: it is excluded from future Search results but
// its graph edges are left intact (§3 "Logical deletion").
func (idx *Index) Remove(id capability.VectorID) error {
	if _, ok := idx.nodes[id]; !ok {
		return memerr.Newf(memerr.KindNotFound, "vector id %d not present", id)
	}
	idx.deleted[id] = true
	return nil
}

// Result is a single kNN search hit.
type Result struct {
	ID       capability.VectorID
	Distance float32
}

// Clone performs a deep copy, used by the engine to build a transient
// handle that layers pending points on top of the committed index
// without mutating it (§4.3 "Search with pending").
func (idx *Index) Clone() *Index {
	out := &Index{
		Dim:            idx.Dim,
		M:              idx.M,
		EfConstruction: idx.EfConstruction,
		EfSearch:       idx.EfSearch,
		nodes:          make(map[capability.VectorID]*node, len(idx.nodes)),
		deleted:        make(map[capability.VectorID]bool, len(idx.deleted)),
		entryPoint:     idx.entryPoint,
		hasEntry:       idx.hasEntry,
		maxLevel:       idx.maxLevel,
		levelMult:      idx.levelMult,
		rng:            rand.New(rand.NewSource(1)),
	}
	for id, n := range idx.nodes {
		nc := &node{id: n.id, vector: append([]float32(nil), n.vector...), neighbors: make([][]capability.VectorID, len(n.neighbors))}
		for l, nb := range n.neighbors {
			nc.neighbors[l] = append([]capability.VectorID(nil), nb...)
		}
		out.nodes[id] = nc
	}
	for id, v := range idx.deleted {
		out.deleted[id] = v
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
