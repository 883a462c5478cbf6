// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the six "Exposed to collaborators" operations (§6)
// over HTTP: prepare, register, ingest, query, force_flush, batch_stats.
// Handler/error-shape conventions are grounded on the teacher's
// services/trace handlers (ErrorResponse{error,code}, a per-request
// logger derived via slog.With).
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/CommandOSSLabs/personal-data-wallet/internal/coordinator"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/ingest"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/memerr"
	"github.com/CommandOSSLabs/personal-data-wallet/internal/query"
)

// ErrorResponse is the JSON shape returned for every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Handlers bundles the coordinator and the C7/C8 orchestration services
// this API surfaces.
type Handlers struct {
	coord      *coordinator.Coordinator
	ingest     *ingest.Service
	query      *query.Service
	defaultDim int
	validate   *validator.Validate
	logger     *slog.Logger
}

// NewHandlers builds a Handlers. defaultDim is the dimension used to
// create a fresh empty index for an explicit prepare call with no prior
// embed to infer D from (§6 tunable DEFAULT_VECTOR_DIMENSIONS,
// repurposed here beyond its named use for cold-hydration sanity since
// the wire contract for prepare_index(user) carries no dimension).
func NewHandlers(coord *coordinator.Coordinator, ingestSvc *ingest.Service, querySvc *query.Service, defaultDim int) *Handlers {
	if defaultDim <= 0 {
		defaultDim = 768
	}
	return &Handlers{coord: coord, ingest: ingestSvc, query: querySvc, defaultDim: defaultDim, validate: validator.New(), logger: slog.Default()}
}

// prepareRequest is the body of POST /v1/users/:user/prepare.
type prepareRequest struct {
	Dimensions int `json:"dimensions" validate:"omitempty,gt=0"`
}

type prepareResponse struct {
	IndexBlobID string `json:"index_blob_id"`
	GraphBlobID string `json:"graph_blob_id"`
}

// HandlePrepare handles POST /v1/users/:user/prepare (§6 "prepare_index").
func (h *Handlers) HandlePrepare(c *gin.Context) {
	user := c.Param("user")
	var req prepareRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.badRequest(c, err)
			return
		}
	}
	if req.Dimensions == 0 {
		req.Dimensions = h.defaultDim
	}

	indexBlobID, graphBlobID, err := h.coord.Prepare(c.Request.Context(), user, req.Dimensions)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, prepareResponse{IndexBlobID: indexBlobID, GraphBlobID: graphBlobID})
}

// registerRequest is the body of POST /v1/users/:user/register.
type registerRequest struct {
	OnChainID string `json:"on_chain_id" validate:"required"`
}

// HandleRegister handles POST /v1/users/:user/register (§6
// "register_index").
func (h *Handlers) HandleRegister(c *gin.Context) {
	user := c.Param("user")
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(c, err)
		return
	}

	if err := h.coord.Register(c.Request.Context(), user, req.OnChainID); err != nil {
		h.writeError(c, err)
		return
	}
	state, err := h.coord.GetOrLoad(c.Request.Context(), user)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// ingestRequest is the body of POST /v1/memories.
type ingestRequest struct {
	User     string `json:"user" validate:"required"`
	Content  string `json:"content" validate:"required"`
	Category string `json:"category" validate:"required"`
}

// HandleIngest handles POST /v1/memories (§6 "ingest", §4.5).
func (h *Handlers) HandleIngest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(c, err)
		return
	}

	result, err := h.ingest.ProcessNewMemory(c.Request.Context(), req.User, req.Content, req.Category)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// queryRequest is the body of POST /v1/query.
type queryRequest struct {
	User string `json:"user" validate:"required"`
	Text string `json:"text" validate:"required"`
	K    int    `json:"k" validate:"omitempty,gt=0"`
}

type queryResponse struct {
	Results []queryResultItem `json:"results"`
}

type queryResultItem struct {
	VectorID uint32 `json:"vector_id"`
	BlobID   string `json:"blob_id"`
	Category string `json:"category"`
	Content  string `json:"content"`
}

// HandleQuery handles POST /v1/query (§6 "query", §4.6).
func (h *Handlers) HandleQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(c, err)
		return
	}
	if req.K == 0 {
		req.K = 10
	}

	hits, err := h.query.FindRelevant(c.Request.Context(), req.User, req.Text, req.K)
	if err != nil {
		h.writeError(c, err)
		return
	}

	items := make([]queryResultItem, len(hits))
	for i, hit := range hits {
		items[i] = queryResultItem{
			VectorID: uint32(hit.VectorID),
			BlobID:   hit.BlobID,
			Category: hit.Category,
			Content:  string(hit.Content),
		}
	}
	c.JSON(http.StatusOK, queryResponse{Results: items})
}

// HandleForceFlush handles POST /v1/users/:user/flush (§6 "force_flush").
func (h *Handlers) HandleForceFlush(c *gin.Context) {
	user := c.Param("user")
	result, err := h.coord.ForceFlush(c.Request.Context(), user)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleBatchStats handles GET /v1/stats (§6 "batch_stats()").
func (h *Handlers) HandleBatchStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.coord.BatchStats())
}

func (h *Handlers) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
}

// writeError maps a memerr.Kind to an HTTP status and writes the response
// (§7's error kinds driving the HTTP boundary's status-code mapping).
func (h *Handlers) writeError(c *gin.Context, err error) {
	kind := memerr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case memerr.KindDimensionMismatch:
		status = http.StatusUnprocessableEntity
	case memerr.KindNotFound:
		status = http.StatusNotFound
	case memerr.KindUnauthorised:
		status = http.StatusForbidden
	case memerr.KindConflict:
		status = http.StatusConflict
	case memerr.KindNetwork, memerr.KindTransient:
		status = http.StatusServiceUnavailable
	case memerr.KindCorrupt:
		status = http.StatusInternalServerError
	}

	var memErr *memerr.Error
	requestLogger := h.logger.With(slog.String("path", c.Request.URL.Path))
	if errors.As(err, &memErr) {
		requestLogger.Warn("request failed", slog.String("kind", kind.String()), slog.String("error", err.Error()))
	} else {
		requestLogger.Error("request failed with unclassified error", slog.String("error", err.Error()))
	}

	c.JSON(status, ErrorResponse{Error: err.Error(), Code: kind.String()})
}
