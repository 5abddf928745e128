// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves the ISG queries over HTTP.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/isg/services/isg/graph"
	"github.com/AleutianAI/isg/services/isg/query"
	"github.com/AleutianAI/isg/services/isg/service"
)

// Handlers holds the HTTP handlers for the ISG API.
type Handlers struct {
	svc    *service.Service
	logger *slog.Logger
}

// NewHandlers creates handlers over svc.
func NewHandlers(svc *service.Service, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{svc: svc, logger: logger}
}

// getOrCreateRequestID returns the caller's X-Request-ID or a new one, and
// echoes it on the response.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	return h.logger.With(
		slog.String("request_id", getOrCreateRequestID(c)),
		slog.String("handler", handler),
	)
}

// errorStatus maps an error onto an HTTP status and a stable code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrAmbiguous):
		return http.StatusConflict, "AMBIGUOUS_REFERENCE"
	case errors.Is(err, graph.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, graph.ErrTimeout):
		return http.StatusGatewayTimeout, "TIMEOUT"
	case errors.Is(err, graph.ErrResultTooLarge):
		return http.StatusUnprocessableEntity, "RESULT_TOO_LARGE"
	case errors.Is(err, graph.ErrVersionMismatch):
		return http.StatusConflict, "VERSION_MISMATCH"
	case errors.Is(err, graph.ErrPersistenceFailure):
		return http.StatusInternalServerError, "PERSISTENCE_FAILURE"
	case errors.Is(err, graph.ErrInvalidKind):
		return http.StatusBadRequest, "INVALID_KIND"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func (h *Handlers) fail(c *gin.Context, logger *slog.Logger, err error) {
	status, code := errorStatus(err)
	resp := ErrorResponse{Error: err.Error(), Code: code}
	var amb *service.AmbiguousError
	if errors.As(err, &amb) {
		resp.Candidates = amb.Candidates
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", slog.String("code", code), slog.String("error", err.Error()))
	} else {
		logger.Debug("request rejected", slog.String("code", code), slog.String("error", err.Error()))
	}
	c.JSON(status, resp)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: "INVALID_REQUEST"})
}

// requireRef reads the mandatory ref query parameter.
func requireRef(c *gin.Context) (string, bool) {
	ref := strings.TrimSpace(c.Query("ref"))
	if ref == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "ref parameter is required",
			Code:  "MISSING_PARAMETER",
		})
		return "", false
	}
	return ref, true
}

// queryOptions builds per-request query options from max_depth,
// max_results and edge_kinds.
func queryOptions(c *gin.Context) ([]query.QueryOption, error) {
	var opts []query.QueryOption
	if v := c.Query("max_depth"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.New("max_depth must be an integer")
		}
		opts = append(opts, query.WithMaxDepth(d))
	}
	if v := c.Query("max_results"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.New("max_results must be an integer")
		}
		opts = append(opts, query.WithMaxResults(n))
	}
	if v := c.Query("edge_kinds"); v != "" {
		var kinds []graph.EdgeKind
		for _, part := range strings.Split(v, ",") {
			k, err := graph.ParseEdgeKind(strings.TrimSpace(part))
			if err != nil {
				return nil, err
			}
			kinds = append(kinds, k)
		}
		opts = append(opts, query.WithEdgeKinds(kinds...))
	}
	return opts, nil
}

// HandleHealth handles GET /v1/isg/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	st := h.svc.Store()
	c.JSON(http.StatusOK, HealthResponse{
		Status:     "ok",
		Nodes:      st.Stats().NodeCount,
		Generation: st.Generation(),
	})
}

// HandleStats handles GET /v1/isg/stats.
func (h *Handlers) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Stats())
}

// HandleNode handles GET /v1/isg/node?ref=.
//
// Response:
//
//	200 OK: NodeResponse
//	404 Not Found: No entity matches ref
//	409 Conflict: ref is an ambiguous name
func (h *Handlers) HandleNode(c *gin.Context) {
	logger := h.requestLogger(c, "HandleNode")
	ref, ok := requireRef(c)
	if !ok {
		return
	}
	e, err := h.svc.Node(ref)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, NodeResponse{Node: e})
}

// HandleSearch handles GET /v1/isg/search?name=. An empty match list is
// not an error.
func (h *Handlers) HandleSearch(c *gin.Context) {
	name := strings.TrimSpace(c.Query("name"))
	if name == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "name parameter is required", Code: "MISSING_PARAMETER"})
		return
	}
	matches := h.svc.Search(name)
	if matches == nil {
		matches = []graph.Entity{}
	}
	c.JSON(http.StatusOK, SearchResponse{Name: name, Matches: matches})
}

// HandleImplementors handles GET /v1/isg/implementors?ref=.
func (h *Handlers) HandleImplementors(c *gin.Context) {
	logger := h.requestLogger(c, "HandleImplementors")
	ref, ok := requireRef(c)
	if !ok {
		return
	}
	iface, impls, err := h.svc.Implementors(c.Request.Context(), ref)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, ImplementorsResponse{Interface: iface, Implementors: impls})
}

// HandleBlastRadius handles GET /v1/isg/blast-radius?ref=.
//
// Query Parameters:
//
//	ref: Hash or name of the start entity (required)
//	max_depth, max_results: Per-request bounds (optional)
//	edge_kinds: Comma-separated kinds to follow (optional)
//
// Response:
//
//	200 OK: BlastRadiusResponse
//	422 Unprocessable Entity: Result exceeded max_results
//	504 Gateway Timeout: Query exceeded its time bound
func (h *Handlers) HandleBlastRadius(c *gin.Context) {
	logger := h.requestLogger(c, "HandleBlastRadius")
	ref, ok := requireRef(c)
	if !ok {
		return
	}
	opts, err := queryOptions(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	result, err := h.svc.BlastRadius(c.Request.Context(), ref, opts...)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, BlastRadiusResponse{BlastRadiusResult: result, Count: len(result.Reached)})
}

// HandleCycles handles GET /v1/isg/cycles.
func (h *Handlers) HandleCycles(c *gin.Context) {
	logger := h.requestLogger(c, "HandleCycles")
	opts, err := queryOptions(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	cycles, err := h.svc.Cycles(c.Request.Context(), opts...)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, CyclesResponse{Cycles: cycles, Count: len(cycles)})
}

// HandleContext handles GET /v1/isg/context?ref=&hops=.
func (h *Handlers) HandleContext(c *gin.Context) {
	logger := h.requestLogger(c, "HandleContext")
	ref, ok := requireRef(c)
	if !ok {
		return
	}
	hops := 0
	if v := c.Query("hops"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			badRequest(c, "hops must be an integer")
			return
		}
		hops = n
	}
	bc, err := h.svc.Context(c.Request.Context(), ref, hops)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, ContextResponse{BoundedContext: bc})
}

// HandleSnapshot handles POST /v1/isg/snapshot, saving the graph through
// the configured sink.
func (h *Handlers) HandleSnapshot(c *gin.Context) {
	logger := h.requestLogger(c, "HandleSnapshot")
	m := h.svc.Snapshots()
	if m == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "snapshots are not configured", Code: "NOT_CONFIGURED"})
		return
	}
	header, err := m.Save(c.Request.Context())
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, SnapshotResponse{Header: header, Location: m.Sink().Location()})
}
