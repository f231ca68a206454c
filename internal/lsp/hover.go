package lsp

import (
	"fmt"
	"strings"

	"github.com/dts-community/dts-dev-tools/internal/board"
	"github.com/dts-community/dts-dev-tools/internal/index"
	"github.com/dts-community/dts-dev-tools/internal/parser"
)

func hoverContent(tree *index.Tree, res index.QueryResult, info *board.Info) string {
	if res.Fragment != nil && res.Fragment.Deleted && (res.Kind == index.QueryEntry || res.Kind == index.QueryProperty) {
		return fmt.Sprintf("**Deleted**: `%s` is removed by a later /delete-node/", res.Fragment.Node.Path)
	}
	switch res.Kind {
	case index.QueryEntry:
		if res.Fragment.Node == nil {
			return fmt.Sprintf("**Unresolved** `%s`", res.Fragment.Decl.Ref)
		}
		content := formatNodeInfo(tree, res.Fragment.Node)
		if info != nil && res.Fragment.Node == tree.Root {
			content += fmt.Sprintf("\n\n**Board**: %s", info)
		}
		return content
	case index.QueryProperty:
		return formatPropertyInfo(tree, res.Property)
	case index.QueryValue:
		if ref, ok := res.Value.(*parser.RefValue); ok {
			return formatReference(tree, ref)
		}
		return formatPropertyInfo(tree, res.Property)
	case index.QueryCell:
		switch c := res.Cell.(type) {
		case *parser.RefValue:
			return formatReference(tree, c)
		case *parser.IntCell:
			return formatCell(tree, res.Property, c)
		}
	}
	return ""
}

func formatNodeInfo(tree *index.Tree, node *index.Node) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**Node**: `%s`", node.Path)
	if len(node.Labels) > 0 {
		fmt.Fprintf(&sb, "\n\n**Labels**: `%s`", strings.Join(node.Labels, "`, `"))
	}
	if b := tree.Type(node); b != nil {
		name := b.Compatible
		if name == "" {
			name = "child binding"
		}
		fmt.Fprintf(&sb, "\n\n**Type**: `%s`", name)
		if b.Description != "" {
			fmt.Fprintf(&sb, "\n\n%s", strings.TrimSpace(b.Description))
		}
	}
	if node.Property("reg") != nil {
		regs := tree.Regs(node)
		if !regs.Known {
			sb.WriteString("\n\n**Registers**: unknown width")
		} else {
			for _, r := range regs.Blocks {
				fmt.Fprintf(&sb, "\n\n**Register**: `0x%x` size `0x%x`", r.Address, r.Size)
			}
		}
	}
	if n := len(node.Fragments); n > 1 {
		fmt.Fprintf(&sb, "\n\nMerged from %d entries", n)
	}
	return sb.String()
}

func formatPropertyInfo(tree *index.Tree, p *index.Property) string {
	node := p.Node()
	if node == nil {
		return fmt.Sprintf("**Property**: `%s`", p.Name)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "**Property**: `%s` of `%s`", p.Name, node.Path)
	if bp := tree.Type(node).Property(p.Name); bp != nil {
		fmt.Fprintf(&sb, "\n\n**Kind**: `%s`", bp.Type)
		if bp.Required {
			sb.WriteString(" (required)")
		}
		if bp.Description != "" {
			fmt.Fprintf(&sb, "\n\n%s", strings.TrimSpace(bp.Description))
		}
	}
	if win := node.Property(p.Name); win == nil {
		sb.WriteString("\n\nDeleted by a later entry")
	} else if win != p {
		r := win.Range()
		fmt.Fprintf(&sb, "\n\nOverridden at `%s:%d`", win.File(), r.Start.Line)
	}
	return sb.String()
}

func formatReference(tree *index.Tree, ref *parser.RefValue) string {
	node := tree.Resolve(ref)
	if node == nil {
		return fmt.Sprintf("**Reference**: `%s` -> Unresolved", ref)
	}
	return fmt.Sprintf("**Reference**: `%s` -> `%s`\n\n---\n%s", ref, node.Path, formatNodeInfo(tree, node))
}

func formatCell(tree *index.Tree, p *index.Property, c *parser.IntCell) string {
	var sb strings.Builder
	if name := cellName(tree, p, c); name != "" {
		fmt.Fprintf(&sb, "**Cell**: `%s`", name)
	} else {
		sb.WriteString("**Cell**")
	}
	if c.Valid {
		fmt.Fprintf(&sb, " = `0x%x` (%d)", uint64(c.Value), c.Value)
	} else {
		fmt.Fprintf(&sb, " = `%s` (not evaluated)", c.Raw)
	}
	return sb.String()
}

// cellName names c by its position in p. A single name list repeats for
// every entry; per-entry lists are laid out one after another.
func cellName(tree *index.Tree, p *index.Property, c parser.Cell) string {
	names := tree.CellNames(p)
	if len(names) == 0 {
		return ""
	}
	idx := -1
	for i, x := range p.Cells() {
		if x == c {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ""
	}
	if len(names) == 1 {
		if len(names[0]) == 0 {
			return ""
		}
		return names[0][idx%len(names[0])]
	}
	var flat []string
	for _, n := range names {
		flat = append(flat, n...)
	}
	if idx < len(flat) {
		return flat[idx]
	}
	return ""
}
