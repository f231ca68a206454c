package index

import (
	"slices"
	"sort"
)

// Partition is one child of a fixed-partitions node.
type Partition struct {
	Node *Node
	// Name is the label property, or the node's unique name.
	Name    string
	Address uint64
	Size    uint64
	// Overlap is how far the partition reaches back into the one before it.
	Overlap uint64
}

func (p Partition) End() uint64 {
	return RegBlock{Address: p.Address, Size: p.Size}.End()
}

// Gap is unpartitioned space between, or after, partitions.
type Gap struct {
	Address uint64
	Size    uint64
}

// FlashLayout is the partition map of one flash device.
type FlashLayout struct {
	Flash *Node
	// Partitions is the fixed-partitions node below Flash.
	Partitions *Node
	// Capacity is the size of the first reg block of Flash; HasCapacity is
	// false when Flash has no evaluable reg.
	Capacity    uint64
	HasCapacity bool
	Entries     []Partition
	Gaps        []Gap
}

func hasCompatible(n *Node, compatible string) bool {
	p := n.Property("compatible")
	return p != nil && slices.Contains(p.Strings(), compatible)
}

// Partitions returns the layout of flash, which may be the flash device or
// its fixed-partitions child. Partitions are sorted by address. ok is false
// when flash has no fixed-partitions node.
func (t *Tree) Partitions(flash *Node) (layout FlashLayout, ok bool) {
	if flash == nil {
		return layout, false
	}
	parts := flash
	if !hasCompatible(parts, "fixed-partitions") {
		parts = nil
		for _, c := range flash.Children() {
			if hasCompatible(c, "fixed-partitions") {
				parts = c
				break
			}
		}
		if parts == nil {
			return layout, false
		}
	}
	layout.Partitions = parts
	layout.Flash = parts.Parent
	if layout.Flash != nil {
		if r := t.Regs(layout.Flash); r.Known && len(r.Blocks) > 0 {
			layout.Capacity, layout.HasCapacity = r.Blocks[0].Size, true
		}
	}

	for _, c := range parts.Children() {
		r := t.Regs(c)
		if !r.Known || len(r.Blocks) == 0 {
			continue
		}
		name := c.UniqueName()
		if s := c.Property("label").Strings(); len(s) > 0 {
			name = s[0]
		}
		layout.Entries = append(layout.Entries, Partition{
			Node:    c,
			Name:    name,
			Address: r.Blocks[0].Address,
			Size:    r.Blocks[0].Size,
		})
	}
	sort.SliceStable(layout.Entries, func(i, j int) bool {
		return layout.Entries[i].Address < layout.Entries[j].Address
	})

	var offset uint64
	for i := range layout.Entries {
		p := &layout.Entries[i]
		switch {
		case p.Address > offset:
			layout.Gaps = append(layout.Gaps, Gap{Address: offset, Size: p.Address - offset})
		case p.Address < offset:
			p.Overlap = offset - p.Address
		}
		offset = max(offset, p.End())
	}
	if layout.HasCapacity && offset < layout.Capacity {
		layout.Gaps = append(layout.Gaps, Gap{Address: offset, Size: layout.Capacity - offset})
	}
	return layout, true
}

// FlashLayouts returns the layout of every fixed-partitions node in tree
// order.
func (t *Tree) FlashLayouts() []FlashLayout {
	var out []FlashLayout
	t.Walk(func(n *Node) {
		if n.Parent == nil || !hasCompatible(n, "fixed-partitions") {
			return
		}
		if l, ok := t.Partitions(n); ok {
			out = append(out, l)
		}
	})
	return out
}
