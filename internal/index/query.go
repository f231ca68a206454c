package index

import (
	"strings"

	"github.com/dts-community/dts-dev-tools/internal/parser"
)

// Node looks up a node by path ("/soc/uart@4000", trailing slash optional),
// label reference ("&uart0"), path reference ("&{/soc/uart@4000}") or bare
// label ("uart0"). It returns nil if nothing matches.
func (t *Tree) Node(spec string) *Node {
	switch {
	case strings.HasPrefix(spec, "&{") && strings.HasSuffix(spec, "}"):
		return t.nodeAtPath(spec[2 : len(spec)-1])
	case strings.HasPrefix(spec, "&"):
		return t.labels[spec[1:]]
	case strings.HasPrefix(spec, "/"):
		return t.nodeAtPath(spec)
	}
	return t.labels[spec]
}

// Label returns the node a label currently names.
func (t *Tree) Label(name string) *Node {
	return t.labels[name]
}

func (t *Tree) nodeAtPath(p string) *Node {
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	if n, ok := t.byPath[p]; ok {
		return n
	}
	return findPath(t.Root, p)
}

// findPath walks from root. A segment without a unit address matches a
// child with one if it is the only child of that base name.
func findPath(root *Node, p string) *Node {
	if !strings.HasPrefix(p, "/") {
		return nil
	}
	cur := root
	for _, seg := range strings.Split(strings.Trim(p, "/"), "/") {
		if seg == "" {
			continue
		}
		next := cur.Child(seg)
		if next == nil && !strings.Contains(seg, "@") {
			for _, c := range cur.children {
				if c.BaseName() == seg {
					if next != nil {
						return nil
					}
					next = c
				}
			}
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

// lookup resolves a reference against the tree as it is during merge.
func (t *Tree) lookup(ref *parser.RefValue) *Node {
	if ref.Path != "" {
		return findPath(t.Root, ref.Path)
	}
	return t.labels[ref.Label]
}

// EntryAt returns the innermost fragment declared in file whose range holds
// pos, or nil.
func (t *Tree) EntryAt(file string, pos parser.Position) *Fragment {
	var best *Fragment
	for _, f := range t.fragsByFile[file] {
		if !f.Decl.Range.Contains(pos) {
			continue
		}
		if best == nil || !f.Decl.Range.Start.Before(best.Decl.Range.Start) {
			best = f
		}
	}
	return best
}

// PropertyAt returns the property declaration in file whose range holds
// pos, or nil.
func (t *Tree) PropertyAt(file string, pos parser.Position) *Property {
	f := t.EntryAt(file, pos)
	if f == nil {
		return nil
	}
	for _, p := range f.Properties {
		if p.Decl.Range.Contains(pos) {
			return p
		}
	}
	return nil
}

// Fragments returns the fragments declared in file in source order.
func (t *Tree) Fragments(file string) []*Fragment {
	return t.fragsByFile[file]
}

type QueryKind int

const (
	QueryNone QueryKind = iota
	QueryEntry
	QueryProperty
	QueryValue
	QueryCell
)

// QueryResult is the most specific entity under a position. Fields beyond
// Kind are set up to the level Kind names: a QueryCell result also carries
// its Value, Property and Fragment.
type QueryResult struct {
	Kind     QueryKind
	Fragment *Fragment
	Property *Property
	Value    parser.Value
	Cell     parser.Cell
}

func (t *Tree) Query(file string, pos parser.Position) QueryResult {
	frag := t.EntryAt(file, pos)
	if frag == nil {
		return QueryResult{}
	}
	res := QueryResult{Kind: QueryEntry, Fragment: frag}
	for _, p := range frag.Properties {
		if p.Decl.Range.Contains(pos) {
			res.Kind = QueryProperty
			res.Property = p
			break
		}
	}
	if res.Property == nil {
		return res
	}
	v := res.Property.ValueAt(file, pos)
	if v == nil {
		return res
	}
	res.Kind = QueryValue
	res.Value = v
	if arr, ok := v.(*parser.ArrayValue); ok {
		if c := arr.CellAt(pos); c != nil {
			res.Kind = QueryCell
			res.Cell = c
		}
	}
	return res
}

// Alias resolves an entry of /aliases/.
func (t *Tree) Alias(name string) *Node {
	return t.pathProperty("/aliases/", name)
}

// Chosen resolves an entry of /chosen/, e.g. "zephyr,console".
func (t *Tree) Chosen(name string) *Node {
	return t.pathProperty("/chosen/", name)
}

func (t *Tree) pathProperty(node, name string) *Node {
	n := t.byPath[node]
	if n == nil {
		return nil
	}
	p := n.Property(name)
	if p == nil || len(p.Values) == 0 {
		return nil
	}
	switch v := p.Values[0].(type) {
	case *parser.RefValue:
		return t.Resolve(v)
	case *parser.StringValue:
		if strings.HasPrefix(v.Value, "/") {
			return t.nodeAtPath(v.Value)
		}
		if node != "/aliases/" {
			return t.Alias(v.Value)
		}
	}
	return nil
}
