package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dts-community/dts-dev-tools/internal/expr"
)

type Parser struct {
	lexer  *Lexer
	buf    []Token
	last   Token
	errors []Error
}

func NewParser(input string) *Parser {
	return &Parser{
		lexer: NewLexer(input),
	}
}

// Parse parses input and never fails as a whole; syntax problems are
// collected in Document.Errors.
func Parse(input string) *Document {
	doc, _ := NewParser(input).Parse()
	return doc
}

func (p *Parser) addError(rng Range, msg string) {
	p.errors = append(p.errors, Error{Range: rng, Message: msg})
}

func (p *Parser) next() Token {
	var t Token
	if len(p.buf) > 0 {
		t = p.buf[0]
		p.buf = p.buf[1:]
	} else {
		t = p.lexer.NextToken()
	}
	if t.Type != TokenEOF {
		p.last = t
	}
	return t
}

func (p *Parser) peek() Token {
	return p.peekN(0)
}

func (p *Parser) peekN(n int) Token {
	for len(p.buf) <= n {
		p.buf = append(p.buf, p.lexer.NextToken())
	}
	return p.buf[n]
}

// Parse returns the document and the first syntax error, if any.
func (p *Parser) Parse() (*Document, error) {
	doc := &Document{}
	for {
		tok := p.peek()
		if tok.Type == TokenEOF {
			break
		}
		item, ok := p.parseItem()
		if ok {
			doc.Items = append(doc.Items, item)
		} else if p.peek() == tok {
			// Synchronization: skip token if not consumed to make progress
			p.next()
		}
	}
	doc.Errors = p.errors

	var err error
	for _, e := range p.errors {
		if !e.Ignored {
			err = fmt.Errorf("%d:%d: %s", e.Range.Start.Line, e.Range.Start.Column, e.Message)
			break
		}
	}
	return doc, err
}

func (p *Parser) parseItem() (Item, bool) {
	tok := p.peek()
	switch tok.Type {
	case TokenPreproc:
		p.next()
		if inc := parseIncludeLine(p.lexer, tok); inc != nil {
			return inc, true
		}
		p.errors = append(p.errors, Error{Range: tok.Range, Message: "preprocessor directive ignored: " + firstLine(tok.Value), Ignored: true})
		return nil, false
	case TokenDirective:
		return p.parseTopDirective()
	case TokenLabel, TokenName, TokenSlash, TokenRef, TokenPathRef:
		labels := p.parseLabels()
		head := p.peek()
		switch head.Type {
		case TokenSlash, TokenName, TokenRef, TokenPathRef:
			p.next()
			n := p.parseNode(labels, head)
			return n, n != nil
		}
		p.addError(head.Range, fmt.Sprintf("expected node, got %q", head.Value))
		return nil, false
	case TokenRBrace:
		p.next()
		p.addError(tok.Range, "unmatched '}'")
		return nil, false
	default:
		p.next()
		p.addError(tok.Range, fmt.Sprintf("unexpected token %q", tok.Value))
		return nil, false
	}
}

func (p *Parser) parseLabels() []Label {
	var labels []Label
	for p.peek().Type == TokenLabel {
		t := p.next()
		labels = append(labels, Label{Name: t.Value, Range: t.Range})
	}
	return labels
}

func (p *Parser) parseTopDirective() (Item, bool) {
	tok := p.next()
	switch tok.Value {
	case "/dts-v1/", "/plugin/":
		d := &Directive{Name: tok.Value, Range: tok.Range}
		d.Range.End = p.expectSemicolon(tok.Range.End)
		return d, true
	case "/memreserve/":
		d := &Directive{Name: tok.Value, Range: tok.Range}
		for i := 0; i < 2; i++ {
			if p.peek().Type != TokenLAngle && p.peek().Type != TokenName {
				break
			}
			if p.peek().Type == TokenName {
				t := p.next()
				v, ok := expr.Eval(t.Value)
				d.Values = append(d.Values, &ArrayValue{Range: t.Range, Bits: 64, Cells: []Cell{&IntCell{Range: t.Range, Raw: t.Value, Value: v, Valid: ok}}})
				continue
			}
			d.Values = append(d.Values, p.parseArray(p.next(), 32))
		}
		d.Range.End = p.expectSemicolon(p.last.Range.End)
		return d, true
	case "/include/":
		s := p.peek()
		if s.Type != TokenString {
			p.addError(tok.Range, "expected file name after /include/")
			return nil, false
		}
		p.next()
		path, _ := unquote(s.Value)
		return &Include{Range: Range{Start: tok.Range.Start, End: s.Range.End}, PathRange: s.Range, Path: path}, true
	case "/delete-node/":
		d := p.parseDelete(tok)
		return d, d != nil
	case "/omit-if-no-ref/":
		return p.parseItem()
	}
	p.addError(tok.Range, fmt.Sprintf("unknown directive %s", tok.Value))
	p.skipStatement()
	return nil, false
}

// expectSemicolon consumes a ';' and returns the end of the statement.
func (p *Parser) expectSemicolon(end Position) Position {
	if t := p.peek(); t.Type == TokenSemicolon {
		p.next()
		return t.Range.End
	}
	p.addError(Range{Start: end, End: end}, "missing ';'")
	return end
}

// skipStatement discards tokens up to and including the next ';', stopping
// before '}' so the enclosing block can close.
func (p *Parser) skipStatement() {
	for {
		t := p.peek()
		switch t.Type {
		case TokenEOF, TokenRBrace:
			return
		case TokenSemicolon:
			p.next()
			return
		}
		p.next()
	}
}

func (p *Parser) parseDelete(tok Token) *Delete {
	d := &Delete{Range: tok.Range, Node: tok.Value == "/delete-node/"}
	t := p.peek()
	switch t.Type {
	case TokenName:
		p.next()
		d.Name = t.Value
	case TokenRef, TokenPathRef:
		p.next()
		if !d.Node {
			p.addError(t.Range, "/delete-property/ takes a property name")
			p.skipStatement()
			return nil
		}
		d.Ref = refFromToken(t)
		d.Name = d.Ref.String()
	default:
		p.addError(t.Range, fmt.Sprintf("expected name after %s", tok.Value))
		p.skipStatement()
		return nil
	}
	d.NameRange = t.Range
	d.Range.End = p.expectSemicolon(t.Range.End)
	return d
}

func refFromToken(t Token) *RefValue {
	if t.Type == TokenPathRef {
		return &RefValue{Range: t.Range, Path: strings.TrimSuffix(strings.TrimPrefix(t.Value, "&{"), "}")}
	}
	return &RefValue{Range: t.Range, Label: strings.TrimPrefix(t.Value, "&")}
}

func (p *Parser) parseNode(labels []Label, head Token) *NodeDecl {
	n := &NodeDecl{Labels: labels, NameRange: head.Range}
	n.Range.Start = head.Range.Start
	if len(labels) > 0 {
		n.Range.Start = labels[0].Range.Start
	}
	switch head.Type {
	case TokenSlash:
		n.Name = "/"
	case TokenRef, TokenPathRef:
		n.Ref = refFromToken(head)
	default:
		n.Name = head.Value
	}

	if p.peek().Type != TokenLBrace {
		p.addError(head.Range, "expected {")
		n.Range.End = head.Range.End
		p.skipStatement()
		return n
	}
	p.next()

	for {
		t := p.peek()
		if t.Type == TokenRBrace {
			p.next()
			n.Closed = true
			n.Range.End = p.expectSemicolon(t.Range.End)
			return n
		}
		if t.Type == TokenEOF {
			p.addError(t.Range, "unexpected EOF, expected }")
			n.Range.End = t.Range.End
			return n
		}
		if s := p.parseStatement(); s != nil {
			n.Statements = append(n.Statements, s)
		} else if p.peek() == t {
			p.next()
		}
	}
}

func (p *Parser) parseStatement() Statement {
	tok := p.peek()
	switch tok.Type {
	case TokenDirective:
		p.next()
		switch tok.Value {
		case "/delete-node/", "/delete-property/":
			if d := p.parseDelete(tok); d != nil {
				return d
			}
			return nil
		case "/omit-if-no-ref/":
			return p.parseStatement()
		}
		p.addError(tok.Range, fmt.Sprintf("unexpected directive %s", tok.Value))
		p.skipStatement()
		return nil
	case TokenPreproc:
		p.next()
		p.errors = append(p.errors, Error{Range: tok.Range, Message: "preprocessor directive ignored: " + firstLine(tok.Value), Ignored: true})
		return nil
	case TokenLabel, TokenName:
		labels := p.parseLabels()
		name := p.peek()
		if name.Type != TokenName {
			p.addError(name.Range, "expected property or node name after label")
			p.skipStatement()
			return nil
		}
		p.next()
		switch p.peek().Type {
		case TokenLBrace:
			return p.parseNode(labels, name)
		case TokenEqual:
			p.next()
			return p.parseProperty(labels, name)
		case TokenSemicolon:
			end := p.next()
			return &PropertyDecl{Range: propRange(labels, name, end.Range.End), NameRange: name.Range, Labels: labels, Name: name.Value}
		}
		// Keep the name so the declaration still shows up while it is being
		// typed.
		p.addError(name.Range, "expected '=', ';' or '{'")
		prop := &PropertyDecl{Range: propRange(labels, name, name.Range.End), NameRange: name.Range, Labels: labels, Name: name.Value}
		if t := p.peek(); t.Type != TokenRBrace && t.Type != TokenEOF && t.Range.Start.Line == name.Range.Start.Line {
			p.skipStatement()
		}
		return prop
	case TokenRef, TokenPathRef:
		p.next()
		p.addError(tok.Range, "reference nodes are only allowed at the top level")
		p.skipStatement()
		return nil
	}
	p.next()
	p.addError(tok.Range, fmt.Sprintf("unexpected token %q", tok.Value))
	return nil
}

func propRange(labels []Label, name Token, end Position) Range {
	start := name.Range.Start
	if len(labels) > 0 {
		start = labels[0].Range.Start
	}
	return Range{Start: start, End: end}
}

func (p *Parser) parseProperty(labels []Label, name Token) *PropertyDecl {
	prop := &PropertyDecl{NameRange: name.Range, Labels: labels, Name: name.Value}
	end := name.Range.End
	for {
		v := p.parseValue()
		if v == nil {
			p.addError(p.peek().Range, "expected property value")
			break
		}
		prop.Values = append(prop.Values, v)
		end = v.Span().End
		if p.peek().Type != TokenComma {
			break
		}
		end = p.next().Range.End
	}

	if t := p.peek(); t.Type == TokenSemicolon {
		p.next()
		end = t.Range.End
	} else {
		p.addError(Range{Start: end, End: end}, "missing ';'")
		// Only swallow the rest of the line; the next line probably starts a
		// new declaration.
		for {
			t := p.peek()
			if t.Type == TokenEOF || t.Type == TokenRBrace || t.Range.Start.Line != end.Line {
				break
			}
			p.next()
			if t.Type == TokenSemicolon {
				end = t.Range.End
				break
			}
		}
	}
	prop.Range = propRange(labels, name, end)
	return prop
}

func (p *Parser) parseValue() Value {
	tok := p.peek()
	switch tok.Type {
	case TokenString:
		p.next()
		s, ok := unquote(tok.Value)
		if !ok {
			p.addError(tok.Range, "invalid string escape")
		}
		return &StringValue{Range: tok.Range, Value: s}
	case TokenLAngle:
		p.next()
		return p.parseArray(tok, 32)
	case TokenLBracket:
		p.next()
		return p.parseBytes(tok)
	case TokenRef, TokenPathRef:
		p.next()
		return refFromToken(tok)
	case TokenDirective:
		if tok.Value != "/bits/" {
			return nil
		}
		p.next()
		bitsTok := p.peek()
		bits := 32
		if bitsTok.Type == TokenName {
			p.next()
			if b, err := strconv.Atoi(bitsTok.Value); err == nil && (b == 8 || b == 16 || b == 32 || b == 64) {
				bits = b
			} else {
				p.addError(bitsTok.Range, "/bits/ must be 8, 16, 32 or 64")
			}
		}
		if p.peek().Type != TokenLAngle {
			p.addError(bitsTok.Range, "expected '<' after /bits/")
			return nil
		}
		arr := p.parseArray(p.next(), bits)
		arr.Range.Start = tok.Range.Start
		return arr
	case TokenError:
		p.next()
		p.addError(tok.Range, "unterminated literal")
		if strings.HasPrefix(tok.Value, "\"") {
			s, _ := unquote(tok.Value + "\"")
			return &StringValue{Range: tok.Range, Value: s}
		}
		return nil
	}
	return nil
}

func (p *Parser) parseArray(open Token, bits int) *ArrayValue {
	arr := &ArrayValue{Range: open.Range, Bits: bits}
	for {
		t := p.peek()
		switch t.Type {
		case TokenRAngle:
			p.next()
			arr.Range.End = t.Range.End
			return arr
		case TokenName:
			p.next()
			v, ok := expr.Eval(t.Value)
			arr.Cells = append(arr.Cells, &IntCell{Range: t.Range, Raw: t.Value, Value: v, Valid: ok})
		case TokenChar:
			p.next()
			v, ok := expr.Eval(t.Value)
			arr.Cells = append(arr.Cells, &IntCell{Range: t.Range, Raw: t.Value, Value: v, Valid: ok})
		case TokenRef, TokenPathRef:
			p.next()
			arr.Cells = append(arr.Cells, refFromToken(t))
		case TokenLParen:
			p.next()
			text, rng, closed := p.lexer.ScanGroup()
			cell := &IntCell{Range: rng, Raw: text}
			if closed {
				cell.Value, cell.Valid = expr.Eval(text)
			} else {
				p.addError(rng, "unbalanced parentheses in expression")
			}
			arr.Cells = append(arr.Cells, cell)
		default:
			p.addError(t.Range, "unterminated cell array, expected '>'")
			arr.Range.End = p.last.Range.End
			return arr
		}
	}
}

func (p *Parser) parseBytes(open Token) *BytesValue {
	v := &BytesValue{Range: open.Range}
	for {
		t := p.peek()
		switch t.Type {
		case TokenRBracket:
			p.next()
			v.Range.End = t.Range.End
			return v
		case TokenName:
			p.next()
			b, ok := hexBytes(t.Value)
			if !ok {
				p.addError(t.Range, fmt.Sprintf("invalid byte string element %q", t.Value))
			}
			v.Bytes = append(v.Bytes, b...)
		default:
			p.addError(t.Range, "unterminated byte string, expected ']'")
			v.Range.End = p.last.Range.End
			return v
		}
	}
}

func hexBytes(s string) ([]byte, bool) {
	if len(s)%2 != 0 {
		return nil, false
	}
	out := make([]byte, 0, len(s)/2)
	for i := 0; i < len(s); i += 2 {
		b, err := strconv.ParseUint(s[i:i+2], 16, 8)
		if err != nil {
			return out, false
		}
		out = append(out, byte(b))
	}
	return out, true
}

func unquote(raw string) (string, bool) {
	if len(raw) < 2 {
		return "", false
	}
	body := raw[1 : len(raw)-1]
	if !strings.Contains(body, "\\") {
		return body, true
	}
	s, err := strconv.Unquote("\"" + strings.ReplaceAll(body, "\n", "\\n") + "\"")
	if err != nil {
		return body, false
	}
	return s, true
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}

// parseIncludeLine recognises #include "x" and #include <x>.
func parseIncludeLine(l *Lexer, tok Token) *Include {
	text := tok.Value
	rest := strings.TrimLeft(text[1:], " \t")
	if !strings.HasPrefix(rest, "include") {
		return nil
	}
	offset := len(text) - len(rest) + len("include")
	rest = rest[len("include"):]
	trimmed := strings.TrimLeft(rest, " \t")
	offset += len(rest) - len(trimmed)
	if trimmed == "" {
		return nil
	}
	var closer byte
	switch trimmed[0] {
	case '"':
		closer = '"'
	case '<':
		closer = '>'
	default:
		return nil
	}
	end := strings.IndexByte(trimmed[1:], closer)
	if end < 0 {
		return nil
	}
	base := l.offsetOf(tok.Range.Start)
	start := base + offset
	return &Include{
		Range:     tok.Range,
		PathRange: l.rangeOf(start, start+end+2),
		Path:      trimmed[1 : 1+end],
		System:    closer == '>',
	}
}

func (l *Lexer) offsetOf(pos Position) int {
	return l.lineStarts[pos.Line-1] + pos.Column - 1
}
