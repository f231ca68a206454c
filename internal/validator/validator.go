// Package validator reports conflicts and resolution failures in a merged
// tree: unresolved references, overlapping register ranges and register
// lists whose cell widths cannot be determined.
package validator

import (
	"context"
	"fmt"
	"sort"

	"github.com/dts-community/dts-dev-tools/internal/diag"
	"github.com/dts-community/dts-dev-tools/internal/index"
	"github.com/dts-community/dts-dev-tools/internal/parser"
)

type Validator struct {
	Diagnostics []diag.Diagnostic
	Tree        *index.Tree
}

func NewValidator(tree *index.Tree) *Validator {
	return &Validator{Tree: tree}
}

// Validate runs every check on tree.
func Validate(tree *index.Tree) []diag.Diagnostic {
	v := NewValidator(tree)
	v.ValidateProject(context.Background())
	return v.Diagnostics
}

// ValidateProject runs every check. It stops early if ctx is cancelled.
func (v *Validator) ValidateProject(ctx context.Context) {
	if v.Tree == nil {
		return
	}
	v.CheckReferences(ctx)
	v.CheckRegs(ctx)
}

func (v *Validator) report(level diag.Level, code, file string, rng parser.Range, msg string) {
	v.Diagnostics = append(v.Diagnostics, diag.Diagnostic{
		Level:   level,
		Code:    code,
		Message: msg,
		File:    file,
		Range:   rng,
	})
}

// CheckReferences reports every reference without a target.
func (v *Validator) CheckReferences(ctx context.Context) {
	for _, r := range v.Tree.UnresolvedReferences() {
		if ctx.Err() != nil {
			return
		}
		v.report(diag.LevelError, diag.CodeUnresolvedReference, r.File(), r.Ref.Range,
			fmt.Sprintf("unresolved reference %s in %s%s", r.Ref, r.Property.Node().Path, r.Property.Name))
	}
}

type placed struct {
	node  *index.Node
	reg   *index.Property
	block index.RegBlock
}

// CheckRegs reports reg lists of unknown width and register blocks that
// overlap a sibling's. The overlap is reported on the node declared later.
func (v *Validator) CheckRegs(ctx context.Context) {
	v.Tree.Walk(func(n *index.Node) {
		if ctx.Err() != nil {
			return
		}
		var blocks []placed
		for _, c := range n.Children() {
			reg := c.Property("reg")
			if reg == nil {
				continue
			}
			res := v.Tree.Regs(c)
			if !res.Known {
				v.report(diag.LevelWarning, diag.CodeUnknownWidth, reg.File(), reg.Range(),
					fmt.Sprintf("cannot determine register blocks of %s", c.Path))
				continue
			}
			if disabled(c) {
				continue
			}
			for _, b := range res.Blocks {
				if b.Size == 0 {
					continue
				}
				blocks = append(blocks, placed{node: c, reg: reg, block: b})
			}
		}
		v.checkOverlap(blocks)
	})
}

func (v *Validator) checkOverlap(blocks []placed) {
	order := make(map[*index.Node]int)
	for i, b := range blocks {
		if _, ok := order[b.node]; !ok {
			order[b.node] = i
		}
	}
	sort.SliceStable(blocks, func(i, j int) bool {
		return blocks[i].block.Address < blocks[j].block.Address
	})
	for i := 0; i < len(blocks); i++ {
		for j := i + 1; j < len(blocks) && blocks[j].block.Address < blocks[i].block.End(); j++ {
			a, b := blocks[i], blocks[j]
			if a.node == b.node {
				continue
			}
			if order[b.node] < order[a.node] {
				a, b = b, a
			}
			v.report(diag.LevelWarning, diag.CodeRegOverlap, b.reg.File(), b.reg.Range(),
				fmt.Sprintf("register range 0x%x-0x%x of %s overlaps %s (0x%x-0x%x)",
					b.block.Address, b.block.End(), b.node.Path, a.node.Path, a.block.Address, a.block.End()))
		}
	}
}

func disabled(n *index.Node) bool {
	p := n.Property("status")
	if p == nil {
		return false
	}
	s := p.Strings()
	return len(s) > 0 && s[0] == "disabled"
}
