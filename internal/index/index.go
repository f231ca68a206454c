// Package index merges parsed devicetree files into one node tree per
// configuration and answers structural, positional and reference queries
// against it.
package index

import (
	"fmt"
	"strings"

	"github.com/dts-community/dts-dev-tools/internal/diag"
	"github.com/dts-community/dts-dev-tools/internal/parser"
	"github.com/dts-community/dts-dev-tools/internal/schema"
)

// Tree is the merged result of one configuration. A Tree is immutable once
// Merge returns and may be read from any goroutine.
type Tree struct {
	Name string
	Root *Node
	// Files lists the contributing files in load order.
	Files    []string
	Bindings *schema.Index

	labels      map[string]*Node
	byPath      map[string]*Node
	fragsByFile map[string][]*Fragment
	diags       []diag.Diagnostic
}

// Node is the merged view of every declaration of one path.
type Node struct {
	Path      string // "/soc/uart@4000/"
	Name      string // "uart@4000", "/" for the root
	Parent    *Node
	Labels    []string
	Fragments []*Fragment

	children   []*Node
	childNames map[string]*Node
	props      []*Property
	propNames  map[string]int
}

// Fragment is one declaration block of a node in one file. Fragments of
// reference nodes whose target is missing have a nil Node.
type Fragment struct {
	File       string
	Decl       *parser.NodeDecl
	Node       *Node
	Properties []*Property
	// Deleted is set when a later /delete-node/ removed Node from the tree.
	// Node then still points at the detached subtree.
	Deleted bool
}

// Property is one property declaration. The merged node holds the winning
// declaration of each name.
type Property struct {
	Name     string
	Values   []parser.Value
	Decl     *parser.PropertyDecl
	Fragment *Fragment
}

func newNode(parent *Node, name string) *Node {
	n := &Node{
		Name:       name,
		Parent:     parent,
		childNames: make(map[string]*Node),
		propNames:  make(map[string]int),
	}
	if parent == nil {
		n.Path = "/"
	} else {
		n.Path = parent.Path + name + "/"
	}
	return n
}

func (n *Node) Children() []*Node {
	return n.children
}

func (n *Node) Child(name string) *Node {
	return n.childNames[name]
}

// Properties returns the merged properties in first-declaration order.
func (n *Node) Properties() []*Property {
	return n.props
}

func (n *Node) Property(name string) *Property {
	i, ok := n.propNames[name]
	if !ok {
		return nil
	}
	return n.props[i]
}

func (n *Node) BaseName() string {
	name, _, _ := strings.Cut(n.Name, "@")
	return name
}

func (n *Node) UnitAddress() (string, bool) {
	_, addr, ok := strings.Cut(n.Name, "@")
	return addr, ok
}

// UniqueName is the first label, or the full node name.
func (n *Node) UniqueName() string {
	if len(n.Labels) > 0 {
		return n.Labels[0]
	}
	return n.Name
}

func (n *Node) child(name string) *Node {
	if c, ok := n.childNames[name]; ok {
		return c
	}
	c := newNode(n, name)
	n.children = append(n.children, c)
	n.childNames[name] = c
	return c
}

func (n *Node) removeChild(name string) *Node {
	c, ok := n.childNames[name]
	if !ok {
		return nil
	}
	delete(n.childNames, name)
	for i, x := range n.children {
		if x == c {
			n.children = append(n.children[:i:i], n.children[i+1:]...)
			break
		}
	}
	return c
}

func (n *Node) setProperty(p *Property) {
	if i, ok := n.propNames[p.Name]; ok {
		n.props[i] = p
		return
	}
	n.propNames[p.Name] = len(n.props)
	n.props = append(n.props, p)
}

func (n *Node) deleteProperty(name string) {
	i, ok := n.propNames[name]
	if !ok {
		return
	}
	n.props = append(n.props[:i:i], n.props[i+1:]...)
	delete(n.propNames, name)
	for j := i; j < len(n.props); j++ {
		n.propNames[n.props[j].Name] = j
	}
}

func (p *Property) File() string {
	return p.Fragment.File
}

func (p *Property) Range() parser.Range {
	return p.Decl.Range
}

// Node returns the merged node the property was declared on, nil for
// properties of orphan fragments.
func (p *Property) Node() *Node {
	return p.Fragment.Node
}

// ValueAt returns the value under pos if this declaration is in file.
func (p *Property) ValueAt(file string, pos parser.Position) parser.Value {
	if p.File() != file {
		return nil
	}
	for _, v := range p.Values {
		if v.Span().Contains(pos) {
			return v
		}
	}
	return nil
}

// Strings returns the string values, skipping other kinds. A nil property
// has none.
func (p *Property) Strings() []string {
	if p == nil {
		return nil
	}
	var out []string
	for _, v := range p.Values {
		if s, ok := v.(*parser.StringValue); ok {
			out = append(out, s.Value)
		}
	}
	return out
}

// Cells returns all cells of all array values in order.
func (p *Property) Cells() []parser.Cell {
	var out []parser.Cell
	for _, v := range p.Values {
		if a, ok := v.(*parser.ArrayValue); ok {
			out = append(out, a.Cells...)
		}
	}
	return out
}

// Merge builds the tree for one configuration. roots are the base file
// followed by the overlays; files must hold every file reachable from them
// through includes. Missing files are reported, not fatal.
func Merge(name string, roots []string, files map[string]*File, bindings *schema.Index) *Tree {
	t := &Tree{
		Name:        name,
		Root:        newNode(nil, "/"),
		Bindings:    bindings,
		labels:      make(map[string]*Node),
		byPath:      make(map[string]*Node),
		fragsByFile: make(map[string][]*Fragment),
	}
	m := &merger{t: t, files: files, seen: make(map[string]bool), labelDefs: make(map[string]labelDef)}
	for _, root := range roots {
		if _, ok := files[root]; !ok {
			t.diags = append(t.diags, diag.Diagnostic{
				Level:   diag.LevelError,
				Code:    diag.CodeRead,
				Message: fmt.Sprintf("file %s is not loaded", root),
				File:    root,
			})
			continue
		}
		m.expand(root)
	}

	t.Walk(func(n *Node) {
		t.byPath[n.Path] = n
	})

	fileDiags := []diag.Diagnostic{}
	for _, f := range t.Files {
		fileDiags = append(fileDiags, files[f].Diagnostics...)
	}
	t.diags = append(fileDiags, t.diags...)
	return t
}

type merger struct {
	t     *Tree
	files map[string]*File
	chain []string
	seen  map[string]bool
	// labelDefs holds the declaration that currently owns each label.
	labelDefs map[string]labelDef
}

type labelDef struct {
	file  string
	label parser.Label
}

func (m *merger) expand(path string) {
	f := m.files[path]
	if !m.seen[path] {
		m.seen[path] = true
		m.t.Files = append(m.t.Files, path)
	}
	m.chain = append(m.chain, path)
	defer func() { m.chain = m.chain[:len(m.chain)-1] }()

	for _, item := range f.Doc.Items {
		switch it := item.(type) {
		case *parser.Include:
			m.include(f, it)
		case *parser.NodeDecl:
			m.top(f, it)
		case *parser.Delete:
			m.topDelete(f, it)
		case *parser.Directive:
		}
	}
}

func (m *merger) include(f *File, inc *parser.Include) {
	target := f.Target(inc)
	if target == "" || strings.HasSuffix(inc.Path, ".h") {
		return
	}
	for _, p := range m.chain {
		if p == target {
			m.report(diag.LevelError, diag.CodeIncludeCycle, f.Path, inc.PathRange,
				fmt.Sprintf("include cycle: %s", strings.Join(append(m.chain, target), " -> ")))
			return
		}
	}
	if _, ok := m.files[target]; !ok {
		m.report(diag.LevelError, diag.CodeRead, f.Path, inc.PathRange, fmt.Sprintf("%s is not loaded", target))
		return
	}
	m.expand(target)
}

func (m *merger) report(lvl diag.Level, code, file string, rng parser.Range, msg string) {
	m.t.diags = append(m.t.diags, diag.Diagnostic{Level: lvl, Code: code, Message: msg, File: file, Range: rng})
}

func (m *merger) top(f *File, decl *parser.NodeDecl) {
	var node *Node
	switch {
	case decl.Ref != nil:
		node = m.t.lookup(decl.Ref)
		if node == nil {
			m.report(diag.LevelError, diag.CodeUnresolvedNodeReference, f.Path, decl.Ref.Range,
				fmt.Sprintf("reference to undefined node %s", decl.Ref))
		}
	case decl.Name == "/":
		node = m.t.Root
	default:
		node = m.t.Root.child(decl.Name)
	}
	m.fragment(f, decl, node)
}

func (m *merger) fragment(f *File, decl *parser.NodeDecl, node *Node) {
	frag := &Fragment{File: f.Path, Decl: decl, Node: node}
	m.t.fragsByFile[f.Path] = append(m.t.fragsByFile[f.Path], frag)
	if node != nil {
		node.Fragments = append(node.Fragments, frag)
		for _, l := range decl.Labels {
			m.label(f, l, node)
		}
	}

	for _, stmt := range decl.Statements {
		switch s := stmt.(type) {
		case *parser.PropertyDecl:
			p := &Property{Name: s.Name, Values: s.Values, Decl: s, Fragment: frag}
			frag.Properties = append(frag.Properties, p)
			if node != nil {
				node.setProperty(p)
			}
		case *parser.NodeDecl:
			var child *Node
			if node != nil {
				child = node.child(s.Name)
			}
			m.fragment(f, s, child)
		case *parser.Delete:
			if node == nil {
				continue
			}
			if !s.Node {
				node.deleteProperty(s.Name)
				continue
			}
			target := node.Child(s.Name)
			if s.Ref != nil {
				target = m.t.lookup(s.Ref)
			}
			m.deleteNode(f, s, target)
		}
	}
}

func (m *merger) topDelete(f *File, d *parser.Delete) {
	if d.Ref == nil {
		m.report(diag.LevelError, diag.CodeSyntax, f.Path, d.NameRange, "/delete-node/ at top level needs a reference")
		return
	}
	m.deleteNode(f, d, m.t.lookup(d.Ref))
}

func (m *merger) deleteNode(f *File, d *parser.Delete, target *Node) {
	if target == nil {
		m.report(diag.LevelWarning, diag.CodeUnresolvedNodeReference, f.Path, d.NameRange,
			fmt.Sprintf("cannot delete %s: no such node", d.Name))
		return
	}
	if target.Parent == nil {
		m.report(diag.LevelError, diag.CodeSyntax, f.Path, d.NameRange, "cannot delete the root node")
		return
	}
	target.Parent.removeChild(target.Name)
	walk(target, func(n *Node) {
		for _, frag := range n.Fragments {
			frag.Deleted = true
		}
		for _, l := range n.Labels {
			if m.t.labels[l] == n {
				delete(m.t.labels, l)
				delete(m.labelDefs, l)
			}
		}
	})
}

// label records l on node. A label already owned by another node moves to
// node; the conflict is reported on the declaration that lost it.
func (m *merger) label(f *File, l parser.Label, node *Node) {
	if prev, ok := m.t.labels[l.Name]; ok && prev != node {
		def := m.labelDefs[l.Name]
		m.report(diag.LevelWarning, diag.CodeDuplicateLabel, def.file, def.label.Range,
			fmt.Sprintf("label %q is redefined on %s at %s:%d", l.Name, node.Path, f.Path, l.Range.Start.Line))
		for i, x := range prev.Labels {
			if x == l.Name {
				prev.Labels = append(prev.Labels[:i:i], prev.Labels[i+1:]...)
				break
			}
		}
	}
	m.t.labels[l.Name] = node
	m.labelDefs[l.Name] = labelDef{file: f.Path, label: l}
	for _, x := range node.Labels {
		if x == l.Name {
			return
		}
	}
	node.Labels = append(node.Labels, l.Name)
}

// Diagnostics returns parse, include and merge diagnostics in load order.
func (t *Tree) Diagnostics() []diag.Diagnostic {
	return t.diags
}

// Walk visits every node depth-first, parents before children.
func (t *Tree) Walk(visitor func(*Node)) {
	walk(t.Root, visitor)
}

func walk(n *Node, visitor func(*Node)) {
	visitor(n)
	for _, c := range n.children {
		walk(c, visitor)
	}
}

// Nodes returns every node in depth-first order.
func (t *Tree) Nodes() []*Node {
	var out []*Node
	t.Walk(func(n *Node) { out = append(out, n) })
	return out
}

// Labels returns the label table as label -> path.
func (t *Tree) Labels() map[string]string {
	out := make(map[string]string, len(t.labels))
	for l, n := range t.labels {
		out[l] = n.Path
	}
	return out
}
