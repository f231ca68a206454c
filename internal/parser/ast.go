package parser

import "strings"

// Position is a 1-based line/column location. Columns count bytes.
type Position struct {
	Line   int
	Column int
}

func (p Position) Before(q Position) bool {
	return p.Line < q.Line || (p.Line == q.Line && p.Column < q.Column)
}

// Range is a half-open span [Start, End).
type Range struct {
	Start Position
	End   Position
}

func (r Range) Contains(p Position) bool {
	return !p.Before(r.Start) && p.Before(r.End)
}

func (r Range) IsZero() bool {
	return r.Start.Line == 0
}

// Document is the syntax of one source file in declaration order.
type Document struct {
	Items  []Item
	Errors []Error
}

type Error struct {
	Range   Range
	Message string
	// Ignored marks constructs that are skipped on purpose (e.g. #define)
	// rather than malformed.
	Ignored bool
}

func (e Error) Error() string {
	return e.Message
}

// Item is a top-level construct: *NodeDecl, *Include, *Directive or *Delete.
type Item interface {
	Span() Range
	isItem()
}

// Statement is a construct inside a node body: *PropertyDecl, *NodeDecl or
// *Delete.
type Statement interface {
	Span() Range
	isStatement()
}

type Label struct {
	Name  string
	Range Range
}

type Include struct {
	Range     Range
	PathRange Range
	Path      string
	// System is set for <path> includes, which skip the including file's
	// directory.
	System bool
}

func (i *Include) Span() Range { return i.Range }
func (i *Include) isItem()     {}

// Directive is one of /dts-v1/, /plugin/ or /memreserve/.
type Directive struct {
	Range  Range
	Name   string
	Values []Value
}

func (d *Directive) Span() Range { return d.Range }
func (d *Directive) isItem()     {}

// Delete is /delete-node/ or /delete-property/.
type Delete struct {
	Range     Range
	NameRange Range
	Node      bool
	Name      string
	Ref       *RefValue
}

func (d *Delete) Span() Range  { return d.Range }
func (d *Delete) isItem()      {}
func (d *Delete) isStatement() {}

type NodeDecl struct {
	Range     Range
	NameRange Range
	Labels    []Label
	// Name is the full node name ("uart@4000", "/" for the root). It is
	// empty for reference nodes, which set Ref instead.
	Name       string
	Ref        *RefValue
	Statements []Statement
	Closed     bool
}

func (n *NodeDecl) Span() Range  { return n.Range }
func (n *NodeDecl) isItem()      {}
func (n *NodeDecl) isStatement() {}

// BaseName is the node name without unit address.
func (n *NodeDecl) BaseName() string {
	name, _, _ := strings.Cut(n.Name, "@")
	return name
}

// UnitAddress returns the part after '@', if any.
func (n *NodeDecl) UnitAddress() (string, bool) {
	_, addr, ok := strings.Cut(n.Name, "@")
	return addr, ok
}

func (n *NodeDecl) Properties() []*PropertyDecl {
	var out []*PropertyDecl
	for _, s := range n.Statements {
		if p, ok := s.(*PropertyDecl); ok {
			out = append(out, p)
		}
	}
	return out
}

func (n *NodeDecl) Children() []*NodeDecl {
	var out []*NodeDecl
	for _, s := range n.Statements {
		if c, ok := s.(*NodeDecl); ok {
			out = append(out, c)
		}
	}
	return out
}

type PropertyDecl struct {
	Range     Range
	NameRange Range
	Labels    []Label
	Name      string
	Values    []Value
}

func (p *PropertyDecl) Span() Range  { return p.Range }
func (p *PropertyDecl) isStatement() {}

type ValueKind int

const (
	KindString ValueKind = iota
	KindBytes
	KindArray
	KindRef
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindArray:
		return "array"
	case KindRef:
		return "reference"
	}
	return "unknown"
}

// Value is a property value. The set of implementations is closed:
// *StringValue, *BytesValue, *ArrayValue and *RefValue.
type Value interface {
	Span() Range
	Kind() ValueKind
	isValue()
}

// Cell is one element of an ArrayValue: *IntCell or *RefValue.
type Cell interface {
	Span() Range
	isCell()
}

type StringValue struct {
	Range Range
	Value string
}

func (v *StringValue) Span() Range     { return v.Range }
func (v *StringValue) Kind() ValueKind { return KindString }
func (v *StringValue) isValue()        {}

type BytesValue struct {
	Range Range
	Bytes []byte
}

func (v *BytesValue) Span() Range     { return v.Range }
func (v *BytesValue) Kind() ValueKind { return KindBytes }
func (v *BytesValue) isValue()        {}

type ArrayValue struct {
	Range Range
	// Bits is the element width set by /bits/, 32 by default.
	Bits  int
	Cells []Cell
}

func (v *ArrayValue) Span() Range     { return v.Range }
func (v *ArrayValue) Kind() ValueKind { return KindArray }
func (v *ArrayValue) isValue()        {}

// CellAt returns the cell under pos, or nil for brackets and whitespace.
func (v *ArrayValue) CellAt(pos Position) Cell {
	for _, c := range v.Cells {
		if c.Span().Contains(pos) {
			return c
		}
	}
	return nil
}

// Ints returns the integer cells; ok is false if any cell is a reference or
// an unresolved expression.
func (v *ArrayValue) Ints() ([]int64, bool) {
	out := make([]int64, 0, len(v.Cells))
	for _, c := range v.Cells {
		ic, isInt := c.(*IntCell)
		if !isInt || !ic.Valid {
			return nil, false
		}
		out = append(out, ic.Value)
	}
	return out, true
}

type IntCell struct {
	Range Range
	Raw   string
	Value int64
	Valid bool
}

func (c *IntCell) Span() Range { return c.Range }
func (c *IntCell) isCell()     {}

// RefValue is a reference to a node, either by label (&foo) or by path
// (&{/soc/uart@4000}).
type RefValue struct {
	Range Range
	Label string
	Path  string
}

func (v *RefValue) Span() Range     { return v.Range }
func (v *RefValue) Kind() ValueKind { return KindRef }
func (v *RefValue) isValue()        {}
func (v *RefValue) isCell()         {}

func (v *RefValue) String() string {
	if v.Path != "" {
		return "&{" + v.Path + "}"
	}
	return "&" + v.Label
}
