package index

import (
	"github.com/dts-community/dts-dev-tools/internal/parser"
	"github.com/dts-community/dts-dev-tools/internal/schema"
)

// Reference is one reference value or cell in a merged property.
type Reference struct {
	Ref      *parser.RefValue
	Property *Property
}

func (r Reference) File() string {
	return r.Property.File()
}

// Resolve returns the node ref names, or nil.
func (t *Tree) Resolve(ref *parser.RefValue) *Node {
	if ref == nil {
		return nil
	}
	if ref.Path != "" {
		return t.nodeAtPath(ref.Path)
	}
	return t.labels[ref.Label]
}

// References lists every reference in the merged properties in tree order.
func (t *Tree) References() []Reference {
	var out []Reference
	t.Walk(func(n *Node) {
		for _, p := range n.props {
			for _, v := range p.Values {
				switch v := v.(type) {
				case *parser.RefValue:
					out = append(out, Reference{Ref: v, Property: p})
				case *parser.ArrayValue:
					for _, c := range v.Cells {
						if r, ok := c.(*parser.RefValue); ok {
							out = append(out, Reference{Ref: r, Property: p})
						}
					}
				}
			}
		}
	})
	return out
}

// UnresolvedReferences returns the references whose target is missing.
func (t *Tree) UnresolvedReferences() []Reference {
	var out []Reference
	for _, r := range t.References() {
		if t.Resolve(r.Ref) == nil {
			out = append(out, r)
		}
	}
	return out
}

// Type returns the binding of n: the first compatible string with a
// registered binding, preferring one for the parent's bus, otherwise the
// parent's child-binding. Untyped nodes return nil.
func (t *Tree) Type(n *Node) *schema.Binding {
	if n == nil || t.Bindings == nil {
		return nil
	}
	var parent *schema.Binding
	if n.Parent != nil {
		parent = t.Type(n.Parent)
	}
	if p := n.Property("compatible"); p != nil {
		var buses []string
		if parent != nil {
			buses = parent.Buses
		}
		for _, c := range p.Strings() {
			if b := t.Bindings.ResolveOnBus(c, buses); b != nil {
				return b
			}
		}
	}
	return parent.ChildBinding()
}

// PHandleEntry is one element of a reference-array property: the target and
// the specifier cells that follow it.
type PHandleEntry struct {
	Ref    *parser.RefValue
	Target *Node
	Cells  []parser.Cell
}

// PHandleEntries splits a reference-array property into entries, using each
// target's #<specifier>-cells to find where the next entry starts. If a
// target or its cell count is unknown, the remaining cells up to the next
// reference are attributed to it.
func (t *Tree) PHandleEntries(p *Property) []PHandleEntry {
	var prop *schema.Property
	if n := p.Node(); n != nil {
		prop = t.Type(n).Property(p.Name)
	}
	space := schema.Specifier(p.Name, prop)

	cells := p.Cells()
	var out []PHandleEntry
	for i := 0; i < len(cells); {
		ref, ok := cells[i].(*parser.RefValue)
		if !ok {
			i++
			continue
		}
		e := PHandleEntry{Ref: ref, Target: t.Resolve(ref)}
		i++
		count, known := -1, false
		if e.Target != nil {
			count, known = cellCount(e.Target, "#"+space+"-cells")
		}
		for i < len(cells) && (!known || len(e.Cells) < count) {
			if _, isRef := cells[i].(*parser.RefValue); isRef && !known {
				break
			}
			e.Cells = append(e.Cells, cells[i])
			i++
		}
		out = append(out, e)
	}
	return out
}

func cellCount(n *Node, prop string) (int, bool) {
	p := n.Property(prop)
	if p == nil || len(p.Values) != 1 {
		return 0, false
	}
	arr, ok := p.Values[0].(*parser.ArrayValue)
	if !ok {
		return 0, false
	}
	ints, ok := arr.Ints()
	if !ok || len(ints) != 1 || ints[0] < 0 {
		return 0, false
	}
	return int(ints[0]), true
}

// InterruptParent returns the node interrupts of n are delivered to: the
// nearest interrupt-parent on n or its ancestors, or else the parent node.
func (t *Tree) InterruptParent(n *Node) *Node {
	for cur := n; cur != nil; cur = cur.Parent {
		p := cur.Property("interrupt-parent")
		if p == nil {
			continue
		}
		for _, c := range p.Cells() {
			if r, ok := c.(*parser.RefValue); ok {
				return t.Resolve(r)
			}
		}
		for _, v := range p.Values {
			if r, ok := v.(*parser.RefValue); ok {
				return t.Resolve(r)
			}
		}
		return nil
	}
	return n.Parent
}

// Interrupts groups the interrupts cells of n by the interrupt parent's
// #interrupt-cells. ok is false if the controller or its cell count is
// unknown, or the cells do not divide evenly.
func (t *Tree) Interrupts(n *Node) (ctrl *Node, groups [][]parser.Cell, ok bool) {
	p := n.Property("interrupts")
	if p == nil {
		return nil, nil, false
	}
	ctrl = t.InterruptParent(n)
	if ctrl == nil {
		return nil, nil, false
	}
	count, known := cellCount(ctrl, "#interrupt-cells")
	cells := p.Cells()
	if !known || count == 0 || len(cells)%count != 0 {
		return ctrl, nil, false
	}
	for i := 0; i < len(cells); i += count {
		groups = append(groups, cells[i:i+count])
	}
	return ctrl, groups, true
}

// CellNames returns the names of the cells of p, one list per entry:
// reg entries are named addr/size, interrupts by the controller binding's
// interrupt-cells, and reference-array entries by each target binding
// (the reference cell itself is named "phandle"). It returns nil when the
// property is not array-typed or names are unknown.
func (t *Tree) CellNames(p *Property) [][]string {
	n := p.Node()
	if n == nil {
		return nil
	}
	switch p.Name {
	case "reg":
		r := t.Regs(n)
		if !r.Known {
			return nil
		}
		names := make([]string, 0, r.AddressCells+r.SizeCells)
		for i := 0; i < r.AddressCells; i++ {
			names = append(names, "addr")
		}
		for i := 0; i < r.SizeCells; i++ {
			names = append(names, "size")
		}
		return [][]string{names}
	case "interrupts":
		names, ok := schema.CellNames(t.Type(t.InterruptParent(n)), p.Name)
		if !ok {
			return nil
		}
		return [][]string{names}
	}

	prop := t.Type(n).Property(p.Name)
	if prop == nil || (prop.Type != schema.KindPhandleArray && prop.Type != schema.KindPhandles) {
		return nil
	}
	var out [][]string
	for _, e := range t.PHandleEntries(p) {
		names, _ := t.Type(e.Target).SpecifierCells(schema.Specifier(p.Name, prop))
		out = append(out, append([]string{"phandle"}, names...))
	}
	return out
}
