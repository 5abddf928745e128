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

import (
	"github.com/AleutianAI/isg/services/isg/graph"
	"github.com/AleutianAI/isg/services/isg/neighborhood"
	"github.com/AleutianAI/isg/services/isg/query"
	"github.com/AleutianAI/isg/services/isg/snapshot"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable error code.
	Code string `json:"code,omitempty"`

	// Candidates lists the matches for an ambiguous reference.
	Candidates []graph.Entity `json:"candidates,omitempty"`
}

// HealthResponse is returned by GET /v1/isg/health.
type HealthResponse struct {
	Status     string `json:"status"`
	Nodes      int    `json:"nodes"`
	Generation uint64 `json:"generation"`
}

// NodeResponse is returned by GET /v1/isg/node.
type NodeResponse struct {
	Node graph.Entity `json:"node"`
}

// SearchResponse is returned by GET /v1/isg/search.
type SearchResponse struct {
	Name    string         `json:"name"`
	Matches []graph.Entity `json:"matches"`
}

// ImplementorsResponse is returned by GET /v1/isg/implementors.
type ImplementorsResponse struct {
	Interface    graph.Entity   `json:"interface"`
	Implementors []graph.Entity `json:"implementors"`
}

// BlastRadiusResponse is returned by GET /v1/isg/blast-radius.
type BlastRadiusResponse struct {
	*query.BlastRadiusResult
	Count int `json:"count"`
}

// CyclesResponse is returned by GET /v1/isg/cycles.
type CyclesResponse struct {
	Cycles []query.Cycle `json:"cycles"`
	Count  int           `json:"count"`
}

// ContextResponse is returned by GET /v1/isg/context.
type ContextResponse struct {
	*neighborhood.BoundedContext
}

// SnapshotResponse is returned by POST /v1/isg/snapshot.
type SnapshotResponse struct {
	*snapshot.Header
	Location string `json:"location"`
}
