// Package schema loads devicetree binding documents and indexes them by
// compatible string.
package schema

import (
	"strings"
)

// Kind is a property type as written in a binding.
type Kind string

const (
	KindString       Kind = "string"
	KindStringArray  Kind = "string-array"
	KindInt          Kind = "int"
	KindArray        Kind = "array"
	KindBytes        Kind = "uint8-array"
	KindPhandle      Kind = "phandle"
	KindPhandleArray Kind = "phandle-array"
	KindPhandles     Kind = "phandles"
	KindBoolean      Kind = "boolean"
	KindCompound     Kind = "compound"
	KindPath         Kind = "path"
)

var kindAliases = map[Kind]Kind{
	"integer":         KindInt,
	"integer-array":   KindArray,
	"byte-array":      KindBytes,
	"reference":       KindPhandle,
	"reference-array": KindPhandleArray,
}

// Canonical maps the alternative spellings onto one kind.
func (k Kind) Canonical() Kind {
	if c, ok := kindAliases[k]; ok {
		return c
	}
	return k
}

type Property struct {
	Name           string `json:"-"`
	Type           Kind   `json:"type"`
	Required       bool   `json:"required"`
	Deprecated     bool   `json:"deprecated"`
	Enum           []any  `json:"enum"`
	Const          any    `json:"const"`
	Default        any    `json:"default"`
	Description    string `json:"description"`
	SpecifierSpace string `json:"specifier-space"`
}

// Binding describes one compatible hardware type. Bindings handed out by an
// Index are shared and must not be modified.
type Binding struct {
	Filename    string
	Compatible  string
	Description string
	Buses       []string
	OnBus       string
	Properties  map[string]*Property
	// Cells holds the <space>-cells lists, keyed by space ("interrupt", "gpio").
	Cells map[string][]string

	includes []string
	child    *Binding
}

func (b *Binding) Property(name string) *Property {
	if b == nil {
		return nil
	}
	return b.Properties[name]
}

// Is reports whether b is registered for compatible.
func (b *Binding) Is(compatible string) bool {
	return b != nil && b.Compatible == compatible
}

// ChildBinding returns the binding applied to the children of a node bound
// to b, or nil.
func (b *Binding) ChildBinding() *Binding {
	if b == nil {
		return nil
	}
	return b.child
}

// IsBus reports whether nodes bound to b are controllers of bus.
func (b *Binding) IsBus(bus string) bool {
	if b == nil {
		return false
	}
	for _, x := range b.Buses {
		if x == bus {
			return true
		}
	}
	return false
}

// Specifier returns the cell space used by a reference-array property:
// the declared specifier-space, or one derived from the property name.
func Specifier(name string, p *Property) string {
	if p != nil && p.SpecifierSpace != "" {
		return p.SpecifierSpace
	}
	switch {
	case name == "gpios" || strings.HasSuffix(name, "-gpios"):
		return "gpio"
	case name == "interrupts" || name == "interrupts-extended":
		return "interrupt"
	case name == "mboxes":
		return "mbox"
	}
	// pwms -> pwm, io-channels -> io-channel
	return strings.TrimSuffix(name, "s")
}

// CellNames returns the names b declares for the cells of the given
// reference-array property. b is the binding of the referenced node. ok is
// false when b does not name cells for that space.
func CellNames(b *Binding, property string) ([]string, bool) {
	return b.SpecifierCells(Specifier(property, nil))
}

// SpecifierCells returns the <space>-cells list of b.
func (b *Binding) SpecifierCells(space string) ([]string, bool) {
	if b == nil {
		return nil, false
	}
	names, ok := b.Cells[space]
	return names, ok
}

// Index is an immutable lookup of bindings by compatible string. A nil
// *Index is empty.
type Index struct {
	bindings []*Binding
	byCompat map[string][]*Binding
}

func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.bindings)
}

// Bindings returns the indexed bindings in load order.
func (ix *Index) Bindings() []*Binding {
	if ix == nil {
		return nil
	}
	return ix.bindings
}

func (ix *Index) Resolve(compatible string) *Binding {
	return ix.ResolveOnBus(compatible, nil)
}

// ResolveOnBus looks up compatible, preferring a binding whose on-bus is one
// of buses.
func (ix *Index) ResolveOnBus(compatible string, buses []string) *Binding {
	if ix == nil {
		return nil
	}
	candidates := ix.byCompat[compatible]
	if len(candidates) == 0 {
		return nil
	}
	for _, b := range candidates {
		for _, bus := range buses {
			if b.OnBus == bus {
				return b
			}
		}
	}
	for _, b := range candidates {
		if b.OnBus == "" {
			return b
		}
	}
	return candidates[0]
}

func newIndex(docs []*Binding) *Index {
	byFile := make(map[string]*Binding, len(docs))
	for _, d := range docs {
		byFile[baseName(d.Filename)] = d
	}

	ix := &Index{byCompat: make(map[string][]*Binding)}
	for _, d := range docs {
		b := expand(d, byFile, map[string]bool{})
		ix.bindings = append(ix.bindings, b)
		if b.Compatible != "" {
			ix.byCompat[b.Compatible] = append(ix.byCompat[b.Compatible], b)
		}
	}
	return ix
}

// expand returns a copy of d with included bindings folded in. Declarations
// in the including document win.
func expand(d *Binding, byFile map[string]*Binding, seen map[string]bool) *Binding {
	out := *d
	out.Properties = make(map[string]*Property, len(d.Properties))
	out.Cells = make(map[string][]string, len(d.Cells))
	for k, v := range d.Properties {
		out.Properties[k] = v
	}
	for k, v := range d.Cells {
		out.Cells[k] = v
	}
	if d.child != nil {
		out.child = expand(d.child, byFile, seen)
	}

	seen[d.Filename] = true
	defer delete(seen, d.Filename)
	for _, name := range d.includes {
		inc, ok := byFile[baseName(name)]
		if !ok || seen[inc.Filename] {
			continue
		}
		base := expand(inc, byFile, seen)
		for k, v := range base.Properties {
			if _, ok := out.Properties[k]; !ok {
				out.Properties[k] = v
			}
		}
		for k, v := range base.Cells {
			if _, ok := out.Cells[k]; !ok {
				out.Cells[k] = v
			}
		}
		if out.child == nil {
			out.child = base.child
		}
		if out.Description == "" {
			out.Description = base.Description
		}
		if len(out.Buses) == 0 {
			out.Buses = base.Buses
		}
		if out.OnBus == "" {
			out.OnBus = base.OnBus
		}
	}
	return &out
}

func baseName(p string) string {
	if i := strings.LastIndexAny(p, "/\\"); i >= 0 {
		return p[i+1:]
	}
	return p
}
