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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/isg/services/isg/graph"
	"github.com/AleutianAI/isg/services/isg/identity"
	"github.com/AleutianAI/isg/services/isg/service"
	"github.com/AleutianAI/isg/services/isg/snapshot"
	"github.com/AleutianAI/isg/services/isg/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	router *gin.Engine
	store  *store.Store
	hashes map[string]identity.Hash
}

func newFixture(t *testing.T, cfg RouterConfig, opts ...service.Option) *fixture {
	t.Helper()
	f := &fixture{store: store.New(), hashes: make(map[string]identity.Hash)}
	ctx := context.Background()
	add := func(qualified, name string, kind graph.Kind) {
		e := graph.Entity{
			Hash:          identity.Of(qualified, kind.String()),
			Kind:          kind,
			Name:          name,
			QualifiedName: qualified,
			Signature:     kind.String(),
			FilePath:      "geo/shapes.go",
			Line:          len(f.hashes) + 1,
		}
		f.store.UpsertNode(ctx, e)
		f.hashes[qualified] = e.Hash
	}
	link := func(from, to string, kind graph.EdgeKind) {
		_, err := f.store.UpsertEdge(ctx, f.hashes[from], f.hashes[to], kind)
		require.NoError(t, err)
	}

	add("geo.Shape", "Shape", graph.KindInterface)
	add("geo.Square", "Square", graph.KindType)
	add("geo.Square.Area", "Area", graph.KindFunction)
	add("geo.Circle.Area", "Area", graph.KindFunction)
	add("app.main", "main", graph.KindFunction)
	add("app.run", "run", graph.KindFunction)
	link("geo.Square", "geo.Shape", graph.EdgeImplements)
	link("app.main", "app.run", graph.EdgeCalls)
	link("app.run", "geo.Square.Area", graph.EdgeCalls)
	link("app.run", "app.main", graph.EdgeCalls)

	f.router = NewRouter(service.New(f.store, opts...), cfg)
	return f
}

func (f *fixture) get(t *testing.T, path string, params url.Values, out any) *httptest.ResponseRecorder {
	t.Helper()
	target := path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec
}

func TestHealthAndStats(t *testing.T) {
	f := newFixture(t, RouterConfig{})

	var health HealthResponse
	rec := f.get(t, "/v1/isg/health", nil, &health)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 6, health.Nodes)

	var stats map[string]any
	rec = f.get(t, "/v1/isg/stats", nil, &stats)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 6, stats["node_count"])
	assert.EqualValues(t, 4, stats["edge_count"])
}

func TestNode(t *testing.T) {
	f := newFixture(t, RouterConfig{})

	var node NodeResponse
	rec := f.get(t, "/v1/isg/node", url.Values{"ref": {f.hashes["geo.Shape"].String()}}, &node)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "geo.Shape", node.Node.QualifiedName)

	var errResp ErrorResponse
	rec = f.get(t, "/v1/isg/node", url.Values{"ref": {"Area"}}, &errResp)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "AMBIGUOUS_REFERENCE", errResp.Code)
	assert.Len(t, errResp.Candidates, 2)

	rec = f.get(t, "/v1/isg/node", url.Values{"ref": {"Nope"}}, &errResp)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errResp.Code)

	rec = f.get(t, "/v1/isg/node", nil, &errResp)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MISSING_PARAMETER", errResp.Code)
}

func TestSearch(t *testing.T) {
	f := newFixture(t, RouterConfig{})

	var resp SearchResponse
	rec := f.get(t, "/v1/isg/search", url.Values{"name": {"Area"}}, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, resp.Matches, 2)

	rec = f.get(t, "/v1/isg/search", url.Values{"name": {"Nothing"}}, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, resp.Matches)
}

func TestImplementors(t *testing.T) {
	f := newFixture(t, RouterConfig{})

	var resp ImplementorsResponse
	rec := f.get(t, "/v1/isg/implementors", url.Values{"ref": {"Shape"}}, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, resp.Implementors, 1)
	assert.Equal(t, "geo.Square", resp.Implementors[0].QualifiedName)
}

func TestBlastRadius(t *testing.T) {
	f := newFixture(t, RouterConfig{})

	var resp BlastRadiusResponse
	rec := f.get(t, "/v1/isg/blast-radius", url.Values{"ref": {"app.main"}}, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, "app.main", resp.Start.QualifiedName)

	rec = f.get(t, "/v1/isg/blast-radius", url.Values{"ref": {"app.main"}, "max_depth": {"1"}}, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, resp.Count)

	var errResp ErrorResponse
	rec = f.get(t, "/v1/isg/blast-radius", url.Values{"ref": {"app.main"}, "max_results": {"1"}}, &errResp)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "RESULT_TOO_LARGE", errResp.Code)

	rec = f.get(t, "/v1/isg/blast-radius", url.Values{"ref": {"app.main"}, "edge_kinds": {"teleports"}}, &errResp)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.get(t, "/v1/isg/blast-radius", url.Values{"ref": {"app.main"}, "max_depth": {"deep"}}, &errResp)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCycles(t *testing.T) {
	f := newFixture(t, RouterConfig{})

	var resp CyclesResponse
	rec := f.get(t, "/v1/isg/cycles", nil, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, 2, resp.Cycles[0].Len())

	rec = f.get(t, "/v1/isg/cycles", url.Values{"edge_kinds": {"uses"}}, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, resp.Count)
}

func TestContext(t *testing.T) {
	f := newFixture(t, RouterConfig{})

	var resp ContextResponse
	rec := f.get(t, "/v1/isg/context", url.Values{"ref": {"app.run"}, "hops": {"1"}}, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "app.run", resp.Focus.QualifiedName)
	assert.Len(t, resp.Dependencies, 2)
	assert.Len(t, resp.Callers, 1)

	var errResp ErrorResponse
	rec = f.get(t, "/v1/isg/context", url.Values{"ref": {"app.run"}, "hops": {"x"}}, &errResp)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/isg/snapshot", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	s := store.New()
	sink := snapshot.NewFileSink(filepath.Join(t.TempDir(), "graph.snap"))
	router := NewRouter(service.New(s, service.WithSnapshots(snapshot.NewManager(s, sink))), RouterConfig{})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/isg/snapshot", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, snapshot.FormatVersion, resp["version"])
	assert.Equal(t, sink.Location(), resp["location"])
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, RouterConfig{RateLimit: 0.001, RateBurst: 2})

	codes := make([]int, 0, 3)
	for range 3 {
		codes = append(codes, f.get(t, "/v1/isg/health", nil, nil).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, RouterConfig{MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})})
	assert.Equal(t, http.StatusTeapot, f.get(t, "/metrics", nil, nil).Code)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{graph.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{graph.ErrTimeout, http.StatusGatewayTimeout, "TIMEOUT"},
		{graph.ErrResultTooLarge, http.StatusUnprocessableEntity, "RESULT_TOO_LARGE"},
		{graph.ErrVersionMismatch, http.StatusConflict, "VERSION_MISMATCH"},
		{graph.ErrPersistenceFailure, http.StatusInternalServerError, "PERSISTENCE_FAILURE"},
		{context.Canceled, http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		status, code := errorStatus(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}
