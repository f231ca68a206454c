package index

import (
	"math"

	"github.com/dts-community/dts-dev-tools/internal/parser"
)

const (
	defaultAddressCells = 2
	defaultSizeCells    = 1
)

type RegBlock struct {
	Address uint64
	Size    uint64
	// Value is the array value the block was read from.
	Value *parser.ArrayValue
}

// End returns the first address past the block. It saturates at the top of
// the 64-bit address space.
func (b RegBlock) End() uint64 {
	end := b.Address + b.Size
	if end < b.Address {
		return math.MaxUint64
	}
	return end
}

// RegResult is the effective register list of a node. Known is false when a
// width or a reg cell cannot be evaluated; Blocks is then empty.
type RegResult struct {
	Blocks       []RegBlock
	AddressCells int
	SizeCells    int
	Known        bool
}

// CellWidths returns the #address-cells and #size-cells that apply to the
// children of n, inherited from the nearest declaring node (n included).
func (t *Tree) CellWidths(n *Node) (addr, size int, ok bool) {
	addr, ok = inheritedWidth(n, "#address-cells", defaultAddressCells)
	if !ok {
		return 0, 0, false
	}
	size, ok = inheritedWidth(n, "#size-cells", defaultSizeCells)
	if !ok {
		return 0, 0, false
	}
	return addr, size, true
}

func inheritedWidth(n *Node, prop string, def int) (int, bool) {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur.Property(prop) == nil {
			continue
		}
		return cellCount(cur, prop)
	}
	return def, true
}

// Regs groups the reg property of n into (address, size) blocks using the
// widths that apply to n's parent. Addresses wider than 64 bits keep their
// low 64 bits. A reg list that is not a whole number of (address, size)
// groups is not guessed at: under widths 2/1, <0x1000 0x100> is unknown and
// <0x0 0x1000 0x100> is one block at 0x1000.
func (t *Tree) Regs(n *Node) RegResult {
	var res RegResult
	if n == nil || n.Parent == nil {
		return res
	}
	addr, size, ok := t.CellWidths(n.Parent)
	if !ok {
		return res
	}
	res.AddressCells, res.SizeCells = addr, size

	p := n.Property("reg")
	if p == nil {
		res.Known = true
		return res
	}
	stride := addr + size
	if stride == 0 {
		return res
	}
	var blocks []RegBlock
	for _, v := range p.Values {
		arr, ok := v.(*parser.ArrayValue)
		if !ok {
			return res
		}
		ints, ok := arr.Ints()
		if !ok || len(ints)%stride != 0 {
			return res
		}
		for i := 0; i < len(ints); i += stride {
			blocks = append(blocks, RegBlock{
				Address: join(ints[i : i+addr]),
				Size:    join(ints[i+addr : i+stride]),
				Value:   arr,
			})
		}
	}
	res.Blocks = blocks
	res.Known = true
	return res
}

func join(cells []int64) uint64 {
	var v uint64
	for _, c := range cells {
		v = v<<32 | uint64(uint32(c))
	}
	return v
}
