package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBasic(t *testing.T) {
	input := `
/dts-v1/;
#include "common.dtsi"
#include <dt-bindings/gpio.h>
#define FOO 1
// comment
/ {
	#address-cells = <1>;
	#size-cells = <1>;
	model = "board";
	soc {
		uart0: uart@4000 {
			compatible = "vnd,uart", "ns16550";
			reg = <0x4000 0x100>;
			status = "okay";
			wakeup-source;
		};
	};
};

&uart0 {
	status = "disabled";
};
`
	p := NewParser(input)
	doc, err := p.Parse()
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}

	if len(doc.Items) != 5 {
		t.Fatalf("Expected 5 items, got %d", len(doc.Items))
	}

	inc, ok := doc.Items[1].(*Include)
	if !ok || inc.Path != "common.dtsi" || inc.System {
		t.Errorf("Expected quoted include of common.dtsi, got %#v", doc.Items[1])
	}
	sys := doc.Items[2].(*Include)
	if !sys.System || sys.Path != "dt-bindings/gpio.h" {
		t.Errorf("Expected system include, got %#v", sys)
	}

	root := doc.Items[3].(*NodeDecl)
	if root.Name != "/" || !root.Closed {
		t.Errorf("Expected closed root node, got %q", root.Name)
	}
	soc := root.Children()[0]
	uart := soc.Children()[0]
	if uart.Name != "uart@4000" || uart.BaseName() != "uart" {
		t.Errorf("Unexpected node name %q", uart.Name)
	}
	if addr, _ := uart.UnitAddress(); addr != "4000" {
		t.Errorf("Expected unit address 4000, got %q", addr)
	}
	if len(uart.Labels) != 1 || uart.Labels[0].Name != "uart0" {
		t.Errorf("Expected label uart0, got %v", uart.Labels)
	}

	props := uart.Properties()
	if len(props) != 4 {
		t.Fatalf("Expected 4 properties, got %d", len(props))
	}
	if len(props[0].Values) != 2 {
		t.Errorf("Expected 2 compatible strings, got %d", len(props[0].Values))
	}
	if len(props[3].Values) != 0 || props[3].Name != "wakeup-source" {
		t.Errorf("Expected boolean property, got %#v", props[3])
	}

	ref := doc.Items[4].(*NodeDecl)
	if ref.Ref == nil || ref.Ref.Label != "uart0" {
		t.Errorf("Expected reference node to &uart0, got %#v", ref.Ref)
	}

	// #define is skipped but reported as ignored
	ignored := 0
	for _, e := range doc.Errors {
		if e.Ignored {
			ignored++
		}
	}
	if ignored != 1 {
		t.Errorf("Expected 1 ignored directive, got %d", ignored)
	}
}

func TestParseValues(t *testing.T) {
	input := `/ {
	a = <0x10 (1 << 4) 'A' &foo &{/soc/uart@4000} FOO>;
	b = [de ad be ef];
	c = /bits/ 8 <1 2>;
	d = &foo;
	e = "x\ty";
};`
	doc := Parse(input)
	require.Empty(t, doc.Errors)

	props := doc.Items[0].(*NodeDecl).Properties()
	require.Len(t, props, 5)

	arr := props[0].Values[0].(*ArrayValue)
	require.Len(t, arr.Cells, 6)
	assert.Equal(t, 32, arr.Bits)
	assert.Equal(t, int64(16), arr.Cells[0].(*IntCell).Value)
	assert.Equal(t, int64(16), arr.Cells[1].(*IntCell).Value)
	assert.Equal(t, "(1 << 4)", arr.Cells[1].(*IntCell).Raw)
	assert.Equal(t, int64('A'), arr.Cells[2].(*IntCell).Value)
	assert.Equal(t, "foo", arr.Cells[3].(*RefValue).Label)
	assert.Equal(t, "/soc/uart@4000", arr.Cells[4].(*RefValue).Path)
	assert.False(t, arr.Cells[5].(*IntCell).Valid, "macro names stay unresolved")
	_, ok := arr.Ints()
	assert.False(t, ok)

	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, props[1].Values[0].(*BytesValue).Bytes)

	bits := props[2].Values[0].(*ArrayValue)
	assert.Equal(t, 8, bits.Bits)
	ints, ok := bits.Ints()
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2}, ints)

	assert.Equal(t, KindRef, props[3].Values[0].Kind())
	assert.Equal(t, "x\ty", props[4].Values[0].(*StringValue).Value)
}

func TestParseRanges(t *testing.T) {
	input := "/ {\n\tlbl: n@1 {\n\t\treg = <1 2>;\n\t};\n};\n"
	doc := Parse(input)
	require.Empty(t, doc.Errors)

	n := doc.Items[0].(*NodeDecl).Children()[0]
	assert.Equal(t, Position{Line: 2, Column: 2}, n.Range.Start)
	assert.Equal(t, Position{Line: 4, Column: 4}, n.Range.End)
	assert.Equal(t, Range{Start: Position{2, 7}, End: Position{2, 10}}, n.NameRange)

	prop := n.Properties()[0]
	assert.Equal(t, Range{Start: Position{3, 3}, End: Position{3, 15}}, prop.Range)

	arr := prop.Values[0].(*ArrayValue)
	assert.Equal(t, Range{Start: Position{3, 9}, End: Position{3, 14}}, arr.Range)
	assert.Nil(t, arr.CellAt(Position{3, 9}), "the bracket is not a cell")
	assert.Equal(t, arr.Cells[0], arr.CellAt(Position{3, 10}))
	assert.Equal(t, arr.Cells[1], arr.CellAt(Position{3, 12}))
	assert.Nil(t, arr.CellAt(Position{3, 11}))
}

func TestParseIncludePathRange(t *testing.T) {
	doc := Parse("#include \"board.dtsi\"\n")
	inc := doc.Items[0].(*Include)
	assert.Equal(t, Range{Start: Position{1, 10}, End: Position{1, 22}}, inc.PathRange)
}

func TestParseDeletes(t *testing.T) {
	input := `/delete-node/ &old;
/ {
	/delete-property/ status;
	/delete-node/ child@1;
};`
	doc := Parse(input)
	require.Empty(t, doc.Errors)

	top := doc.Items[0].(*Delete)
	assert.True(t, top.Node)
	assert.Equal(t, "old", top.Ref.Label)

	stmts := doc.Items[1].(*NodeDecl).Statements
	require.Len(t, stmts, 2)
	assert.False(t, stmts[0].(*Delete).Node)
	assert.Equal(t, "status", stmts[0].(*Delete).Name)
	assert.True(t, stmts[1].(*Delete).Node)
	assert.Equal(t, "child@1", stmts[1].(*Delete).Name)
}

func TestParseRecovery(t *testing.T) {
	input := `/ {
	a = <1 2>
	b = "ok";
	c = ;
	d = "fine";
	node {
		e
	};
};`
	doc, err := NewParser(input).Parse()
	require.Error(t, err)

	root := doc.Items[0].(*NodeDecl)
	names := []string{}
	for _, p := range root.Properties() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, names)

	node := root.Children()[0]
	require.Len(t, node.Properties(), 1)
	assert.Equal(t, "e", node.Properties()[0].Name)
}

func TestParseUnterminated(t *testing.T) {
	doc := Parse("/ {\n\tn {\n\t\tx = <1 2;\n")
	require.NotEmpty(t, doc.Errors)

	root := doc.Items[0].(*NodeDecl)
	assert.False(t, root.Closed)
	n := root.Children()[0]
	assert.False(t, n.Closed)
	arr := n.Properties()[0].Values[0].(*ArrayValue)
	assert.Len(t, arr.Cells, 2)
}

func TestLexerLabelsAndDirectives(t *testing.T) {
	l := NewLexer("lbl: /delete-node/ # &{/a/b} / x")
	want := []TokenType{TokenLabel, TokenDirective, TokenName, TokenPathRef, TokenSlash, TokenName, TokenEOF}
	for i, tt := range want {
		tok := l.NextToken()
		if tok.Type != tt {
			t.Fatalf("token %d: expected type %d, got %d (%q)", i, tt, tok.Type, tok.Value)
		}
	}
}
