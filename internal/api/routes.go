// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import "github.com/gin-gonic/gin"

// RegisterRoutes registers every "Exposed to collaborators" operation
// (§6) under rg, typically the /v1 router group.
//
//	POST /v1/users/:user/prepare  - prepare_index
//	POST /v1/users/:user/register - register_index
//	POST /v1/users/:user/flush    - force_flush
//	POST /v1/memories             - ingest
//	POST /v1/query                - query
//	GET  /v1/stats                - batch_stats
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	rg.POST("/users/:user/prepare", h.HandlePrepare)
	rg.POST("/users/:user/register", h.HandleRegister)
	rg.POST("/users/:user/flush", h.HandleForceFlush)
	rg.POST("/memories", h.HandleIngest)
	rg.POST("/query", h.HandleQuery)
	rg.GET("/stats", h.HandleBatchStats)
}
