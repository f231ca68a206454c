// Package builder writes a merged tree back out as a single devicetree
// source.
package builder

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/dts-community/dts-dev-tools/internal/index"
	"github.com/dts-community/dts-dev-tools/internal/parser"
)

type Builder struct {
	Tree *index.Tree
	// Evaluate writes integer cells as their evaluated value instead of the
	// source text.
	Evaluate bool
}

func NewBuilder(tree *index.Tree) *Builder {
	return &Builder{Tree: tree, Evaluate: true}
}

// Build writes the merged tree to w. The output depends only on the tree, so
// the same inputs always produce the same bytes.
func (b *Builder) Build(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "/dts-v1/;")
	fmt.Fprintln(bw)
	b.writeNodeContent(bw, b.Tree.Root, 0)
	return bw.Flush()
}

// BuildNode writes the subtree rooted at node.
func (b *Builder) BuildNode(w io.Writer, node *index.Node) error {
	bw := bufio.NewWriter(w)
	b.writeNodeContent(bw, node, 0)
	return bw.Flush()
}

// String renders the tree.
func (b *Builder) String() string {
	var sb strings.Builder
	_ = b.Build(&sb)
	return sb.String()
}

func (b *Builder) writeNodeContent(w io.Writer, node *index.Node, indent int) {
	indentStr := strings.Repeat("\t", indent)
	labels := ""
	for _, l := range node.Labels {
		labels += l + ": "
	}
	fmt.Fprintf(w, "%s%s%s {\n", indentStr, labels, node.Name)
	b.writeNodeBody(w, node, indent+1)
	fmt.Fprintf(w, "%s};\n", indentStr)
}

func (b *Builder) writeNodeBody(w io.Writer, node *index.Node, indent int) {
	indentStr := strings.Repeat("\t", indent)
	for _, p := range node.Properties() {
		b.writeProperty(w, p, indentStr)
	}
	for i, child := range node.Children() {
		if i > 0 || len(node.Properties()) > 0 {
			fmt.Fprintln(w)
		}
		b.writeNodeContent(w, child, indent)
	}
}

func (b *Builder) writeProperty(w io.Writer, p *index.Property, indentStr string) {
	if len(p.Values) == 0 {
		fmt.Fprintf(w, "%s%s;\n", indentStr, p.Name)
		return
	}
	vals := make([]string, 0, len(p.Values))
	for _, v := range p.Values {
		vals = append(vals, b.formatValue(v))
	}
	fmt.Fprintf(w, "%s%s = %s;\n", indentStr, p.Name, strings.Join(vals, ", "))
}

func (b *Builder) formatValue(v parser.Value) string {
	switch v := v.(type) {
	case *parser.StringValue:
		return quote(v.Value)
	case *parser.BytesValue:
		parts := make([]string, len(v.Bytes))
		for i, x := range v.Bytes {
			parts[i] = fmt.Sprintf("%02x", x)
		}
		return "[" + strings.Join(parts, " ") + "]"
	case *parser.RefValue:
		return v.String()
	case *parser.ArrayValue:
		cells := make([]string, 0, len(v.Cells))
		for _, c := range v.Cells {
			cells = append(cells, b.formatCell(c, v.Bits))
		}
		s := "<" + strings.Join(cells, " ") + ">"
		if v.Bits != 32 {
			s = fmt.Sprintf("/bits/ %d %s", v.Bits, s)
		}
		return s
	}
	return ""
}

func (b *Builder) formatCell(c parser.Cell, bits int) string {
	switch c := c.(type) {
	case *parser.RefValue:
		return c.String()
	case *parser.IntCell:
		if !b.Evaluate || !c.Valid {
			return c.Raw
		}
		v := uint64(c.Value)
		if bits < 64 {
			v &= 1<<uint(bits) - 1
		}
		return fmt.Sprintf("0x%x", v)
	}
	return ""
}

func quote(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"', '\\':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		case '\n':
			sb.WriteString(`\n`)
		case '\t':
			sb.WriteString(`\t`)
		case '\r':
			sb.WriteString(`\r`)
		default:
			if c < 0x20 || c == 0x7f {
				fmt.Fprintf(&sb, `\x%02x`, c)
			} else {
				sb.WriteByte(c)
			}
		}
	}
	sb.WriteByte('"')
	return sb.String()
}
