// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graphstore

import (
	"sort"

	"github.com/CommandOSSLabs/personal-data-wallet/internal/capability"
)

// adjacency lazily builds an undirected adjacency list over sanitised
// entity ids, induced by relationships (§4.2 "Expansion algorithm").
func (g *Graph) adjacency() map[string]map[string]struct{} {
	adj := make(map[string]map[string]struct{}, len(g.entities))
	link := func(a, b string) {
		if adj[a] == nil {
			adj[a] = make(map[string]struct{})
		}
		adj[a][b] = struct{}{}
	}
	for _, r := range g.relationships {
		link(r.Source, r.Target)
		link(r.Target, r.Source)
	}
	return adj
}

// Expand performs a bounded breadth-first search over the undirected
// graph induced by relationships, starting from the entities that map
// (via the reverse index) to any of seedVectorIDs (§4.2 "Expansion
// algorithm"). It returns the union of the seed set with every
// additional VectorID reached within maxHops layers: the deduplicated
// seeds first, in their given order, then the expanded ids in ascending
// VectorID order, so repeated calls return the same sequence.
func (g *Graph) Expand(seedVectorIDs []capability.VectorID, maxHops int) []capability.VectorID {
	seedSet := make(map[capability.VectorID]struct{}, len(seedVectorIDs))
	for _, id := range seedVectorIDs {
		seedSet[id] = struct{}{}
	}

	frontier := make(map[string]struct{})
	for entityID, vecID := range g.entityIndex {
		if _, seeded := seedSet[vecID]; seeded {
			frontier[entityID] = struct{}{}
		}
	}

	if len(frontier) == 0 || maxHops <= 0 {
		return dedupedSeeds(seedVectorIDs)
	}

	adj := g.adjacency()
	visited := make(map[string]struct{}, len(frontier))
	for id := range frontier {
		visited[id] = struct{}{}
	}

	for hop := 0; hop < maxHops; hop++ {
		next := make(map[string]struct{})
		for entityID := range frontier {
			for neighbour := range adj[entityID] {
				if _, seen := visited[neighbour]; seen {
					continue
				}
				visited[neighbour] = struct{}{}
				next[neighbour] = struct{}{}
			}
		}
		if len(next) == 0 {
			break
		}
		frontier = next
	}

	result := dedupedSeeds(seedVectorIDs)
	seen := make(map[capability.VectorID]struct{}, len(result))
	for _, id := range result {
		seen[id] = struct{}{}
	}
	seedCount := len(result)
	for entityID := range visited {
		vecID, ok := g.entityIndex[entityID]
		if !ok {
			continue
		}
		if _, already := seen[vecID]; already {
			continue
		}
		seen[vecID] = struct{}{}
		result = append(result, vecID)
	}
	extra := result[seedCount:]
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return result
}

func dedupedSeeds(seedVectorIDs []capability.VectorID) []capability.VectorID {
	seen := make(map[capability.VectorID]struct{}, len(seedVectorIDs))
	out := make([]capability.VectorID, 0, len(seedVectorIDs))
	for _, id := range seedVectorIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
