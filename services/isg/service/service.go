// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package service bundles the ISG components behind one facade shared by the
// HTTP API, the MCP server and the CLI. It resolves user references, which
// may be an identity hash or a name, before delegating to the query engine
// and the context extractor.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/isg/services/isg/graph"
	"github.com/AleutianAI/isg/services/isg/identity"
	"github.com/AleutianAI/isg/services/isg/neighborhood"
	"github.com/AleutianAI/isg/services/isg/query"
	"github.com/AleutianAI/isg/services/isg/snapshot"
	"github.com/AleutianAI/isg/services/isg/store"
	"github.com/AleutianAI/isg/services/isg/update"
)

// ErrAmbiguous is returned when a name matches more than one entity.
var ErrAmbiguous = errors.New("ambiguous reference")

// AmbiguousError lists the candidates for an ambiguous name.
type AmbiguousError struct {
	Ref        string
	Candidates []graph.Entity
}

func (e *AmbiguousError) Error() string {
	names := make([]string, 0, len(e.Candidates))
	for _, c := range e.Candidates {
		names = append(names, c.QualifiedName+"@"+c.Hash.String())
	}
	return fmt.Sprintf("%q matches %d entities: %s", e.Ref, len(e.Candidates), strings.Join(names, ", "))
}

// Unwrap returns ErrAmbiguous.
func (e *AmbiguousError) Unwrap() error {
	return ErrAmbiguous
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEngine replaces the default query engine.
func WithEngine(e *query.Engine) Option {
	return func(s *Service) {
		s.engine = e
	}
}

// WithExtractor replaces the default context extractor.
func WithExtractor(x *neighborhood.Extractor) Option {
	return func(s *Service) {
		s.extractor = x
	}
}

// WithDefaultHops sets the hop limit used when a caller passes 0.
func WithDefaultHops(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.defaultHops = n
		}
	}
}

// WithPipeline attaches the update pipeline, exposing dirty-file counts.
func WithPipeline(p *update.Pipeline) Option {
	return func(s *Service) {
		s.pipeline = p
	}
}

// WithSnapshots attaches a snapshot manager.
func WithSnapshots(m *snapshot.Manager) Option {
	return func(s *Service) {
		s.snapshots = m
	}
}

// Service is the shared facade over one store.
//
// Thread Safety: Safe for concurrent use.
type Service struct {
	store       *store.Store
	engine      *query.Engine
	extractor   *neighborhood.Extractor
	pipeline    *update.Pipeline
	snapshots   *snapshot.Manager
	logger      *slog.Logger
	defaultHops int
}

// New creates a service over s. Components not supplied through options are
// built with their defaults.
func New(s *store.Store, opts ...Option) *Service {
	svc := &Service{
		store:       s,
		logger:      slog.Default(),
		defaultHops: 1,
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.engine == nil {
		svc.engine = query.NewEngine(s, query.WithLogger(svc.logger))
	}
	if svc.extractor == nil {
		svc.extractor = neighborhood.NewExtractor(s, neighborhood.WithLogger(svc.logger))
	}
	return svc
}

// Store returns the underlying store.
func (s *Service) Store() *store.Store {
	return s.store
}

// Pipeline returns the attached pipeline, or nil.
func (s *Service) Pipeline() *update.Pipeline {
	return s.pipeline
}

// Snapshots returns the attached snapshot manager, or nil.
func (s *Service) Snapshots() *snapshot.Manager {
	return s.snapshots
}

// Resolve maps a reference onto exactly one entity.
//
// Description:
//
//	A reference that parses as a hash is looked up by identity; if no
//	such entity exists it is retried as a name. Otherwise an exact
//	qualified-name match wins over short-name matches.
//
// Outputs:
//
//	graph.Entity - The entity.
//	error - Wraps graph.ErrNotFound, or is an *AmbiguousError.
func (s *Service) Resolve(ref string) (graph.Entity, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return graph.Entity{}, &graph.Error{Op: "resolve", Phase: graph.PhaseLookup,
			Err: fmt.Errorf("%w: empty reference", graph.ErrNotFound)}
	}
	if identity.LooksLikeHash(ref) {
		if h, err := identity.Parse(ref); err == nil {
			if e, err := s.store.GetNode(h); err == nil {
				return e, nil
			}
		}
	}

	matches := s.store.FindByName(ref)
	switch len(matches) {
	case 0:
		return graph.Entity{}, &graph.Error{Op: "resolve", Phase: graph.PhaseLookup,
			Err: fmt.Errorf("%w: no entity matches %q", graph.ErrNotFound, ref)}
	case 1:
		return matches[0], nil
	default:
		return graph.Entity{}, &AmbiguousError{Ref: ref, Candidates: matches}
	}
}

// Node resolves ref.
func (s *Service) Node(ref string) (graph.Entity, error) {
	return s.Resolve(ref)
}

// Search returns every entity matching name, without requiring uniqueness.
func (s *Service) Search(name string) []graph.Entity {
	return s.store.FindByName(strings.TrimSpace(name))
}

// Implementors resolves ref and lists the types implementing it.
func (s *Service) Implementors(ctx context.Context, ref string) (graph.Entity, []graph.Entity, error) {
	iface, err := s.Resolve(ref)
	if err != nil {
		return graph.Entity{}, nil, err
	}
	impls, err := s.engine.FindImplementors(ctx, iface.Hash)
	return iface, impls, err
}

// BlastRadius resolves ref and computes its blast radius.
func (s *Service) BlastRadius(ctx context.Context, ref string, opts ...query.QueryOption) (*query.BlastRadiusResult, error) {
	start, err := s.Resolve(ref)
	if err != nil {
		return nil, err
	}
	return s.engine.BlastRadius(ctx, start.Hash, opts...)
}

// Cycles lists every dependency cycle.
func (s *Service) Cycles(ctx context.Context, opts ...query.QueryOption) ([]query.Cycle, error) {
	return s.engine.FindCycles(ctx, opts...)
}

// Context resolves ref and extracts its bounded context. hops <= 0 uses the
// service default.
func (s *Service) Context(ctx context.Context, ref string, hops int) (*neighborhood.BoundedContext, error) {
	focus, err := s.Resolve(ref)
	if err != nil {
		return nil, err
	}
	if hops <= 0 {
		hops = s.defaultHops
	}
	return s.extractor.Extract(ctx, focus.Hash, hops)
}

// Stats summarizes the service state.
type Stats struct {
	graph.Stats
	Generation uint64   `json:"generation"`
	DirtyFiles []string `json:"dirty_files,omitempty"`
}

// Stats returns graph statistics, the write generation and the files whose
// last parse failed.
func (s *Service) Stats() Stats {
	st := Stats{Stats: s.store.Stats(), Generation: s.store.Generation()}
	if s.pipeline != nil {
		st.DirtyFiles = s.pipeline.Dirty().Paths()
	}
	return st
}
