// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package parse

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"

	"github.com/AleutianAI/isg/services/isg/graph"
	"github.com/AleutianAI/isg/services/isg/identity"
)

const (
	// DefaultMaxFileSize is the largest file GoParser accepts by default.
	DefaultMaxFileSize = 10 * 1024 * 1024

	// WarnFileSize triggers a warning log for large files.
	WarnFileSize = 1024 * 1024

	// maxWalkDepth bounds iterative body walks.
	maxWalkDepth = 500
)

var builtinTypes = map[string]bool{
	"any": true, "bool": true, "byte": true, "comparable": true,
	"complex64": true, "complex128": true, "error": true,
	"float32": true, "float64": true,
	"int": true, "int8": true, "int16": true, "int32": true, "int64": true,
	"rune": true, "string": true,
	"uint": true, "uint8": true, "uint16": true, "uint32": true, "uint64": true,
	"uintptr": true,
}

var builtinFuncs = map[string]bool{
	"append": true, "cap": true, "clear": true, "close": true, "complex": true,
	"copy": true, "delete": true, "imag": true, "len": true, "make": true,
	"max": true, "min": true, "new": true, "panic": true, "print": true,
	"println": true, "real": true, "recover": true,
}

// GoParserOption configures a GoParser.
type GoParserOption func(*GoParser)

// WithMaxFileSize sets the maximum accepted content size in bytes.
func WithMaxFileSize(bytes int64) GoParserOption {
	return func(p *GoParser) {
		if bytes > 0 {
			p.maxFileSize = bytes
		}
	}
}

// WithTolerateSyntaxErrors makes the parser return partial records for
// sources with syntax errors instead of failing.
func WithTolerateSyntaxErrors(tolerate bool) GoParserOption {
	return func(p *GoParser) {
		p.tolerant = tolerate
	}
}

// GoParser extracts functions, methods, types and interfaces from Go source
// using tree-sitter.
//
// Description:
//
//	Qualified names are "<dir>.<Name>" for package-level declarations and
//	"<dir>.<Type>.<Method>" for methods, where dir is the slash-separated
//	directory of the file path, or the package name for files at the root.
//	Signatures are the whitespace-normalized declaration text, so any edit
//	to parameters, results or a type body yields a new identity.
//
//	Relationships:
//	  - Calls: call expressions inside function and method bodies.
//	  - Uses: named types referenced by signatures, receivers and type bodies.
//	  - Implements: local types whose method set covers a local interface,
//	    plus "var _ I = (*T)(nil)" assertions.
//
// Thread Safety:
//
//	Safe for concurrent use. A tree-sitter parser is created per call.
type GoParser struct {
	maxFileSize int64
	tolerant    bool
}

// NewGoParser creates a GoParser.
func NewGoParser(opts ...GoParserOption) *GoParser {
	p := &GoParser{maxFileSize: DefaultMaxFileSize}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Language returns "go".
func (p *GoParser) Language() string {
	return "go"
}

// Extensions returns []string{".go"}.
func (p *GoParser) Extensions() []string {
	return []string{".go"}
}

// Parse extracts records from Go source.
//
// Description:
//
//	Fails with a *ParseError on oversized or non-UTF-8 content, and on
//	syntax errors unless the parser tolerates them. Cancellation is
//	checked before and after tree-sitter runs, and periodically while
//	walking function bodies.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing.
//	content - Raw source bytes.
//	filePath - Slash-separated path relative to the index root.
//
// Outputs:
//
//	*FileRecords - Normalized records. Never nil on success.
//	error - *ParseError wrapping ErrFileTooLarge, ErrInvalidContent or
//	        ErrSyntax, or a context error.
//
// Thread Safety: Safe for concurrent use.
func (p *GoParser) Parse(ctx context.Context, content []byte, filePath string) (*FileRecords, error) {
	ctx, span := startParseSpan(ctx, "go", filePath, len(content))
	defer span.End()
	start := time.Now()

	fail := func(err error) (*FileRecords, error) {
		recordParseMetrics(ctx, "go", time.Since(start), 0, false)
		setSpanError(span, err)
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return fail(fmt.Errorf("parse canceled before start: %w", err))
	}
	if int64(len(content)) > p.maxFileSize {
		return fail(&ParseError{
			FilePath: filePath,
			Message:  fmt.Sprintf("size %d exceeds limit %d", len(content), p.maxFileSize),
			Cause:    ErrFileTooLarge,
		})
	}
	if len(content) > WarnFileSize {
		slog.Warn("parsing large file",
			slog.String("file", filePath),
			slog.Int("size_bytes", len(content)))
	}
	if !utf8.Valid(content) {
		return fail(&ParseError{FilePath: filePath, Message: "content is not valid UTF-8", Cause: ErrInvalidContent})
	}

	parser := sitter.NewParser()
	parser.SetLanguage(golang.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return fail(&ParseError{FilePath: filePath, Message: "tree-sitter parse failed", Cause: err})
	}
	defer tree.Close()

	if err := ctx.Err(); err != nil {
		return fail(fmt.Errorf("parse canceled after tree-sitter: %w", err))
	}

	root := tree.RootNode()
	if root == nil {
		return fail(&ParseError{FilePath: filePath, Message: "tree-sitter returned nil root node", Cause: ErrInvalidContent})
	}
	if root.HasError() && !p.tolerant {
		line, col := firstErrorPosition(root)
		return fail(&ParseError{
			FilePath: filePath,
			Line:     line,
			Column:   col,
			Message:  "source contains syntax errors",
			Cause:    ErrSyntax,
		})
	}

	x := newGoExtractor(content, filePath)
	if err := x.extract(ctx, root); err != nil {
		return fail(fmt.Errorf("parse canceled during extraction: %w", err))
	}
	x.out.Normalize()

	recordParseMetrics(ctx, "go", time.Since(start), len(x.out.Entities), true)
	return x.out, nil
}

// firstErrorPosition finds the first ERROR or missing node.
func firstErrorPosition(root *sitter.Node) (line, column int) {
	stack := []*sitter.Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.Type() == "ERROR" || n.IsMissing() {
			return int(n.StartPoint().Row) + 1, int(n.StartPoint().Column)
		}
		for i := int(n.ChildCount()) - 1; i >= 0; i-- {
			if c := n.Child(i); c != nil && (c.HasError() || c.IsMissing()) {
				stack = append(stack, c)
			}
		}
	}
	return int(root.StartPoint().Row) + 1, int(root.StartPoint().Column)
}

type localInterface struct {
	hash    identity.Hash
	methods []string
}

// goExtractor holds per-file extraction state.
type goExtractor struct {
	content   []byte
	filePath  string
	qualifier string
	out       *FileRecords

	methods    map[string]map[string]bool
	types      map[string]identity.Hash
	interfaces map[string]localInterface
}

func newGoExtractor(content []byte, filePath string) *goExtractor {
	return &goExtractor{
		content:    content,
		filePath:   filePath,
		out:        NewFileRecords(filePath, "go"),
		methods:    make(map[string]map[string]bool),
		types:      make(map[string]identity.Hash),
		interfaces: make(map[string]localInterface),
	}
}

func (x *goExtractor) text(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	return n.Content(x.content)
}

func (x *goExtractor) line(n *sitter.Node) int {
	return int(n.StartPoint().Row) + 1
}

func (x *goExtractor) qualify(parts ...string) string {
	return x.qualifier + "." + strings.Join(parts, ".")
}

func (x *goExtractor) extract(ctx context.Context, root *sitter.Node) error {
	for i := 0; i < int(root.NamedChildCount()); i++ {
		if c := root.NamedChild(i); c.Type() == "package_clause" {
			for j := 0; j < int(c.NamedChildCount()); j++ {
				if id := c.NamedChild(j); id.Type() == "package_identifier" {
					x.out.Package = x.text(id)
				}
			}
		}
	}
	x.qualifier = qualifierFor(x.filePath, x.out.Package)

	for i := 0; i < int(root.NamedChildCount()); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		node := root.NamedChild(i)
		switch node.Type() {
		case "function_declaration":
			if err := x.function(ctx, node); err != nil {
				return err
			}
		case "method_declaration":
			if err := x.method(ctx, node); err != nil {
				return err
			}
		case "type_declaration":
			for j := 0; j < int(node.NamedChildCount()); j++ {
				spec := node.NamedChild(j)
				if spec.Type() == "type_spec" || spec.Type() == "type_alias" {
					x.typeSpec(spec)
				}
			}
		case "var_declaration":
			x.varDecl(node)
		}
	}

	x.implementations()
	return nil
}

// qualifierFor returns the directory of filePath, or pkg for root files.
func qualifierFor(filePath, pkg string) string {
	dir := path.Dir(filepath.ToSlash(filePath))
	if dir == "." || dir == "/" || dir == "" {
		if pkg == "" {
			return "main"
		}
		return pkg
	}
	return strings.TrimPrefix(dir, "./")
}

func normalize(parts ...string) string {
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

func (x *goExtractor) signature(node *sitter.Node) string {
	params := x.text(node.ChildByFieldName("parameters"))
	sig := "func" + x.text(node.ChildByFieldName("type_parameters")) + params
	if result := node.ChildByFieldName("result"); result != nil {
		sig += " " + x.text(result)
	}
	return normalize(sig)
}

func (x *goExtractor) addEntity(rec EntityRecord) Ref {
	x.out.Entities = append(x.out.Entities, rec)
	return HashRef(rec.Hash())
}

func (x *goExtractor) relate(from, to Ref, kind graph.EdgeKind) {
	x.out.Relationships = append(x.out.Relationships, Relationship{From: from, To: to, Kind: kind})
}

func (x *goExtractor) function(ctx context.Context, node *sitter.Node) error {
	name := x.text(node.ChildByFieldName("name"))
	if name == "" || name == "_" || name == "init" {
		return nil
	}
	from := x.addEntity(EntityRecord{
		Kind:          graph.KindFunction,
		Name:          name,
		QualifiedName: x.qualify(name),
		Signature:     x.signature(node),
		Line:          x.line(node),
	})
	for _, ref := range x.typeRefs(node.ChildByFieldName("parameters"), node.ChildByFieldName("result")) {
		x.relate(from, ref, graph.EdgeUses)
	}
	return x.calls(ctx, node.ChildByFieldName("body"), from, "", "")
}

func (x *goExtractor) method(ctx context.Context, node *sitter.Node) error {
	name := x.text(node.ChildByFieldName("name"))
	recvVar, recvType := x.receiver(node.ChildByFieldName("receiver"))
	if name == "" || recvType == "" {
		return nil
	}
	from := x.addEntity(EntityRecord{
		Kind:          graph.KindFunction,
		Name:          name,
		QualifiedName: x.qualify(recvType, name),
		Signature:     x.signature(node),
		Line:          x.line(node),
	})
	if x.methods[recvType] == nil {
		x.methods[recvType] = make(map[string]bool)
	}
	x.methods[recvType][name] = true

	x.relate(from, Ref{QualifiedName: x.qualify(recvType)}, graph.EdgeUses)
	for _, ref := range x.typeRefs(node.ChildByFieldName("parameters"), node.ChildByFieldName("result")) {
		x.relate(from, ref, graph.EdgeUses)
	}
	return x.calls(ctx, node.ChildByFieldName("body"), from, recvVar, recvType)
}

// receiver returns the receiver variable and its base type name, with
// pointer and type arguments stripped.
func (x *goExtractor) receiver(list *sitter.Node) (string, string) {
	if list == nil {
		return "", ""
	}
	for i := 0; i < int(list.NamedChildCount()); i++ {
		p := list.NamedChild(i)
		if p.Type() != "parameter_declaration" {
			continue
		}
		return x.text(p.ChildByFieldName("name")), baseTypeName(x.text(p.ChildByFieldName("type")))
	}
	return "", ""
}

func baseTypeName(t string) string {
	t = strings.TrimSpace(t)
	t = strings.TrimLeft(t, "*( ")
	if i := strings.IndexAny(t, "[)"); i >= 0 {
		t = t[:i]
	}
	return strings.TrimSpace(t)
}

func (x *goExtractor) typeSpec(spec *sitter.Node) {
	name := x.text(spec.ChildByFieldName("name"))
	typ := spec.ChildByFieldName("type")
	if name == "" || typ == nil {
		return
	}

	rec := EntityRecord{
		Kind:          graph.KindType,
		Name:          name,
		QualifiedName: x.qualify(name),
		Signature:     normalize(x.text(spec.ChildByFieldName("type_parameters")), x.text(typ)),
		Line:          x.line(spec),
	}
	if spec.Type() == "type_alias" {
		rec.Signature = normalize("=", rec.Signature)
	}
	if typ.Type() == "interface_type" {
		rec.Kind = graph.KindInterface
	}
	from := x.addEntity(rec)

	if rec.Kind == graph.KindInterface {
		x.interfaces[name] = localInterface{hash: rec.Hash(), methods: x.interfaceMethods(typ)}
	} else {
		x.types[name] = rec.Hash()
	}

	self := x.qualify(name)
	for _, ref := range x.typeRefs(typ) {
		if ref.QualifiedName == self {
			continue
		}
		x.relate(from, ref, graph.EdgeUses)
	}
}

func (x *goExtractor) interfaceMethods(iface *sitter.Node) []string {
	names := make([]string, 0)
	for i := 0; i < int(iface.NamedChildCount()); i++ {
		c := iface.NamedChild(i)
		if c.Type() == "method_elem" || c.Type() == "method_spec" {
			if n := x.text(c.ChildByFieldName("name")); n != "" {
				names = append(names, n)
			}
		}
	}
	sort.Strings(names)
	return names
}

// varDecl records "var _ I = (*T)(nil)" style assertions as Implements.
func (x *goExtractor) varDecl(decl *sitter.Node) {
	specs := make([]*sitter.Node, 0)
	for i := 0; i < int(decl.NamedChildCount()); i++ {
		c := decl.NamedChild(i)
		switch c.Type() {
		case "var_spec":
			specs = append(specs, c)
		case "var_spec_list":
			for j := 0; j < int(c.NamedChildCount()); j++ {
				if s := c.NamedChild(j); s.Type() == "var_spec" {
					specs = append(specs, s)
				}
			}
		}
	}

	for _, spec := range specs {
		if x.text(spec.ChildByFieldName("name")) != "_" {
			continue
		}
		typ := spec.ChildByFieldName("type")
		value := spec.ChildByFieldName("value")
		if typ == nil || value == nil || value.NamedChildCount() == 0 {
			continue
		}
		impl := assertedType(x.text(value.NamedChild(0)))
		if impl == "" {
			continue
		}
		refs := x.typeRefs(typ)
		if len(refs) != 1 {
			continue
		}
		x.relate(x.nameRef(impl), refs[0], graph.EdgeImplements)
	}
}

// assertedType extracts T from "(*T)(nil)", "&T{}", "T{}" or "pkg.T{}".
func assertedType(expr string) string {
	expr = strings.TrimLeft(expr, "(*& ")
	end := strings.IndexFunc(expr, func(r rune) bool {
		return !(r == '_' || r == '.' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
	})
	if end >= 0 {
		expr = expr[:end]
	}
	if expr == "nil" {
		return ""
	}
	return expr
}

// nameRef refers to a type written as "T" or "pkg.T".
func (x *goExtractor) nameRef(name string) Ref {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return Ref{Name: name[i+1:], Qualifier: name[:i]}
	}
	return Ref{QualifiedName: x.qualify(name)}
}

// typeRefs collects named, non-builtin types referenced under nodes.
func (x *goExtractor) typeRefs(nodes ...*sitter.Node) []Ref {
	refs := make([]Ref, 0)
	stack := make([]*sitter.Node, 0, 16)
	for _, n := range nodes {
		if n != nil {
			stack = append(stack, n)
		}
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch n.Type() {
		case "qualified_type":
			refs = append(refs, Ref{
				Name:      x.text(n.ChildByFieldName("name")),
				Qualifier: x.text(n.ChildByFieldName("package")),
			})
			continue
		case "type_identifier":
			if name := x.text(n); !builtinTypes[name] {
				refs = append(refs, Ref{QualifiedName: x.qualify(name)})
			}
			continue
		}
		for i := int(n.NamedChildCount()) - 1; i >= 0; i-- {
			if c := n.NamedChild(i); c != nil {
				stack = append(stack, c)
			}
		}
	}
	return refs
}

// calls walks a body and records a Calls relationship per call expression.
func (x *goExtractor) calls(ctx context.Context, body *sitter.Node, from Ref, recvVar, recvType string) error {
	if body == nil {
		return nil
	}

	type stackEntry struct {
		node  *sitter.Node
		depth int
	}
	stack := []stackEntry{{node: body}}

	visited := 0
	for len(stack) > 0 {
		entry := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if entry.depth > maxWalkDepth {
			continue
		}

		visited++
		if visited%100 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		if entry.node.Type() == "call_expression" {
			if ref, ok := x.callTarget(entry.node, recvVar, recvType); ok {
				x.relate(from, ref, graph.EdgeCalls)
			}
		}

		for i := int(entry.node.NamedChildCount()) - 1; i >= 0; i-- {
			if c := entry.node.NamedChild(i); c != nil {
				stack = append(stack, stackEntry{node: c, depth: entry.depth + 1})
			}
		}
	}
	return nil
}

func (x *goExtractor) callTarget(call *sitter.Node, recvVar, recvType string) (Ref, bool) {
	fn := call.ChildByFieldName("function")
	if fn == nil {
		return Ref{}, false
	}
	switch fn.Type() {
	case "identifier":
		name := x.text(fn)
		if builtinFuncs[name] {
			return Ref{}, false
		}
		return Ref{QualifiedName: x.qualify(name)}, true

	case "selector_expression":
		field := x.text(fn.ChildByFieldName("field"))
		operand := fn.ChildByFieldName("operand")
		if field == "" || operand == nil {
			return Ref{}, false
		}
		if operand.Type() == "identifier" {
			op := x.text(operand)
			if recvVar != "" && op == recvVar {
				return Ref{QualifiedName: x.qualify(recvType, field)}, true
			}
			return Ref{Name: field, Qualifier: op}, true
		}
		// Chained selectors such as s.store.View qualify by the last hop.
		op := x.text(operand)
		if i := strings.LastIndex(op, "."); i >= 0 {
			op = op[i+1:]
		}
		return Ref{Name: field, Qualifier: op}, true
	}
	return Ref{}, false
}

// implementations links local types to local interfaces they satisfy.
func (x *goExtractor) implementations() {
	ifaceNames := make([]string, 0, len(x.interfaces))
	for name := range x.interfaces {
		ifaceNames = append(ifaceNames, name)
	}
	sort.Strings(ifaceNames)
	typeNames := make([]string, 0, len(x.types))
	for name := range x.types {
		typeNames = append(typeNames, name)
	}
	sort.Strings(typeNames)

	for _, iname := range ifaceNames {
		iface := x.interfaces[iname]
		if len(iface.methods) == 0 {
			continue
		}
		for _, tname := range typeNames {
			if covers(x.methods[tname], iface.methods) {
				x.relate(HashRef(x.types[tname]), HashRef(iface.hash), graph.EdgeImplements)
			}
		}
	}
}

func covers(have map[string]bool, want []string) bool {
	for _, m := range want {
		if !have[m] {
			return false
		}
	}
	return true
}

var _ Parser = (*GoParser)(nil)
