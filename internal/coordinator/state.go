// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coordinator implements C6: the per-user memory-index lifecycle
// state machine, the process-wide flush scheduler, the cache-cleanup
// eviction sweep, and the publication callback to the external on-chain
// updater. The state-machine shape (an explicit status enum transitioned
// by narrow methods, guarded by a per-key lock) is grounded on the
// teacher's services/trace/agent/providers/egress package's kill-switch
// state handling; the metrics are grounded on egress/metrics.go.
package coordinator

import (
	"encoding/json"
	"fmt"
)

// Status is a user's memory-index lifecycle state (§4.4 "State machine
// per user"): Absent -> Preparing -> OnChainPending -> Active(v) ->
// Active(v+1) -> ...
type Status int

const (
	StatusAbsent Status = iota
	StatusPreparing
	StatusOnChainPending
	StatusActive
)

func (s Status) String() string {
	switch s {
	case StatusAbsent:
		return "Absent"
	case StatusPreparing:
		return "Preparing"
	case StatusOnChainPending:
		return "OnChainPending"
	case StatusActive:
		return "Active"
	default:
		return "Unknown"
	}
}

// MarshalJSON renders Status as its name rather than its ordinal, so API
// responses carry "Active" instead of 3.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UserIndexState is one user's lifecycle record (§4.4).
type UserIndexState struct {
	User        string `json:"user"`
	Status      Status `json:"status"`
	OnChainID   string `json:"on_chain_id,omitempty"`
	Version     uint64 `json:"version"`
	IndexBlobID string `json:"index_blob_id"`
	GraphBlobID string `json:"graph_blob_id"`
}

func (s UserIndexState) String() string {
	if s.Status == StatusActive {
		return fmt.Sprintf("%s(%d)", s.Status, s.Version)
	}
	return s.Status.String()
}
