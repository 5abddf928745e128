// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mcpserver exposes the ISG query surface as Model Context Protocol
// tools so that coding agents can ask structural questions over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/AleutianAI/isg/services/isg/graph"
	"github.com/AleutianAI/isg/services/isg/query"
	"github.com/AleutianAI/isg/services/isg/service"
)

// Tool names.
const (
	ToolStats        = "isg_stats"
	ToolSearch       = "isg_search"
	ToolNode         = "isg_node"
	ToolImplementors = "isg_implementors"
	ToolBlastRadius  = "isg_blast_radius"
	ToolCycles       = "isg_cycles"
	ToolContext      = "isg_context"
	ToolReindex      = "isg_reindex"
	ToolSnapshot     = "isg_snapshot_save"
)

// StatsArgs takes no arguments.
type StatsArgs struct{}

// SearchArgs are the arguments of isg_search.
type SearchArgs struct {
	Name string `json:"name" jsonschema:"short or qualified name to look up"`
}

// RefArgs identify one entity by hash or name.
type RefArgs struct {
	Ref string `json:"ref" jsonschema:"entity hash (16 hex digits) or short or qualified name"`
}

// BlastRadiusArgs are the arguments of isg_blast_radius.
type BlastRadiusArgs struct {
	Ref        string   `json:"ref" jsonschema:"entity hash or name to start from"`
	MaxDepth   int      `json:"max_depth,omitempty" jsonschema:"maximum hop depth, 0 for unlimited"`
	MaxResults int      `json:"max_results,omitempty" jsonschema:"fail if more entities than this are reached"`
	EdgeKinds  []string `json:"edge_kinds,omitempty" jsonschema:"edge kinds to follow: calls, implements, uses"`
}

// CyclesArgs are the arguments of isg_cycles.
type CyclesArgs struct {
	EdgeKinds []string `json:"edge_kinds,omitempty" jsonschema:"edge kinds to follow: calls, implements, uses"`
}

// ContextArgs are the arguments of isg_context.
type ContextArgs struct {
	Ref  string `json:"ref" jsonschema:"entity hash or name to focus on"`
	Hops int    `json:"hops,omitempty" jsonschema:"neighborhood radius in hops"`
}

// ReindexArgs are the arguments of isg_reindex.
type ReindexArgs struct {
	Path string `json:"path,omitempty" jsonschema:"file to re-parse, relative to the indexed root; empty re-indexes everything"`
}

// Server wraps an MCP server bound to a Service.
type Server struct {
	svc    *service.Service
	server *mcp.Server
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates an MCP server exposing svc.
//
// Description:
//
//	Query tools are always registered. isg_reindex is registered only when
//	svc has an update pipeline, and isg_snapshot_save only when it has a
//	snapshot manager.
//
// Thread Safety: The returned Server is safe for concurrent sessions.
func New(svc *service.Service, name, version string, opts ...Option) *Server {
	s := &Server{svc: svc, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.server = mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil)
	s.registerTools()
	return s
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *mcp.Server {
	return s.server
}

// Run serves over stdin/stdout until ctx ends or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("mcp server listening on stdio")
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        ToolStats,
		Description: "Returns node, edge and file counts of the interface signature graph",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args StatsArgs) (*mcp.CallToolResult, any, error) {
		return s.jsonResult(ToolStats, s.svc.Stats())
	})

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        ToolSearch,
		Description: "Lists every entity whose short or qualified name matches",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args SearchArgs) (*mcp.CallToolResult, any, error) {
		if strings.TrimSpace(args.Name) == "" {
			return errorResult("name is required"), nil, nil
		}
		return s.jsonResult(ToolSearch, s.svc.Search(args.Name))
	})

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        ToolNode,
		Description: "Resolves a hash or name to a single entity",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args RefArgs) (*mcp.CallToolResult, any, error) {
		e, err := s.svc.Node(args.Ref)
		if err != nil {
			return s.failure(ToolNode, err), nil, nil
		}
		return s.jsonResult(ToolNode, e)
	})

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        ToolImplementors,
		Description: "Lists the types that implement an interface",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args RefArgs) (*mcp.CallToolResult, any, error) {
		iface, impls, err := s.svc.Implementors(ctx, args.Ref)
		if err != nil {
			return s.failure(ToolImplementors, err), nil, nil
		}
		return s.jsonResult(ToolImplementors, map[string]any{
			"interface":    iface,
			"implementors": impls,
		})
	})

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        ToolBlastRadius,
		Description: "Lists every entity transitively reachable from an entity, with hop depth",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args BlastRadiusArgs) (*mcp.CallToolResult, any, error) {
		opts, err := edgeKindOptions(args.EdgeKinds)
		if err != nil {
			return errorResult(err.Error()), nil, nil
		}
		if args.MaxDepth > 0 {
			opts = append(opts, query.WithMaxDepth(args.MaxDepth))
		}
		if args.MaxResults > 0 {
			opts = append(opts, query.WithMaxResults(args.MaxResults))
		}
		result, err := s.svc.BlastRadius(ctx, args.Ref, opts...)
		if err != nil {
			return s.failure(ToolBlastRadius, err), nil, nil
		}
		return s.jsonResult(ToolBlastRadius, result)
	})

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        ToolCycles,
		Description: "Lists dependency cycles (strongly connected components with more than one member)",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args CyclesArgs) (*mcp.CallToolResult, any, error) {
		opts, err := edgeKindOptions(args.EdgeKinds)
		if err != nil {
			return errorResult(err.Error()), nil, nil
		}
		cycles, err := s.svc.Cycles(ctx, opts...)
		if err != nil {
			return s.failure(ToolCycles, err), nil, nil
		}
		return s.jsonResult(ToolCycles, cycles)
	})

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        ToolContext,
		Description: "Returns the dependencies and callers of an entity within a hop radius",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args ContextArgs) (*mcp.CallToolResult, any, error) {
		bc, err := s.svc.Context(ctx, args.Ref, args.Hops)
		if err != nil {
			return s.failure(ToolContext, err), nil, nil
		}
		return s.jsonResult(ToolContext, bc)
	})

	if p := s.svc.Pipeline(); p != nil {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        ToolReindex,
			Description: "Re-parses one file, or the whole tree when no path is given",
		}, func(ctx context.Context, req *mcp.CallToolRequest, args ReindexArgs) (*mcp.CallToolResult, any, error) {
			var err error
			var result any
			if path := strings.TrimSpace(args.Path); path != "" {
				result, err = p.UpdateFile(ctx, path)
			} else {
				result, err = p.IndexAll(ctx)
			}
			if err != nil {
				return s.failure(ToolReindex, err), nil, nil
			}
			return s.jsonResult(ToolReindex, result)
		})
	}

	if m := s.svc.Snapshots(); m != nil {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        ToolSnapshot,
			Description: "Persists the current graph to the configured snapshot location",
		}, func(ctx context.Context, req *mcp.CallToolRequest, args StatsArgs) (*mcp.CallToolResult, any, error) {
			header, err := m.Save(ctx)
			if err != nil {
				return s.failure(ToolSnapshot, err), nil, nil
			}
			return s.jsonResult(ToolSnapshot, map[string]any{
				"header":   header,
				"location": m.Sink().Location(),
			})
		})
	}
}

func edgeKindOptions(names []string) ([]query.QueryOption, error) {
	if len(names) == 0 {
		return nil, nil
	}
	kinds := make([]graph.EdgeKind, 0, len(names))
	for _, name := range names {
		k, err := graph.ParseEdgeKind(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return []query.QueryOption{query.WithEdgeKinds(kinds...)}, nil
}

// failure turns a query error into a tool error. Ambiguous references list
// their candidates so the caller can retry with a hash.
func (s *Server) failure(tool string, err error) *mcp.CallToolResult {
	s.logger.Debug("tool call failed", slog.String("tool", tool), slog.String("error", err.Error()))
	var amb *service.AmbiguousError
	if errors.As(err, &amb) {
		var b strings.Builder
		fmt.Fprintf(&b, "%s; candidates:\n", err.Error())
		for _, c := range amb.Candidates {
			fmt.Fprintf(&b, "  %s  %s  %s:%d\n", c.Hash, c.QualifiedName, c.FilePath, c.Line)
		}
		return errorResult(b.String())
	}
	return errorResult(err.Error())
}

func (s *Server) jsonResult(tool string, v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("%s: encode result: %w", tool, err)
	}
	return textResult(string(data)), nil, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}
}
