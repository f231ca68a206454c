package parser

import (
	"sort"
	"strings"
)

type TokenType int

const (
	TokenError TokenType = iota
	TokenEOF
	TokenName
	TokenLabel     // foo:
	TokenString    // "..."
	TokenChar      // 'c'
	TokenRef       // &foo
	TokenPathRef   // &{/path}
	TokenDirective // /dts-v1/, /delete-node/, ...
	TokenPreproc   // #include ..., #define ...
	TokenLBrace
	TokenRBrace
	TokenSemicolon
	TokenEqual
	TokenLAngle
	TokenRAngle
	TokenLBracket
	TokenRBracket
	TokenLParen
	TokenRParen
	TokenComma
	TokenSlash
	TokenOther
)

type Token struct {
	Type  TokenType
	Value string
	Range Range
}

var preprocKeywords = []string{
	"include", "define", "undef", "ifdef", "ifndef", "if", "elif", "else", "endif",
	"error", "warning", "pragma", "line",
}

type Lexer struct {
	input      string
	start      int
	pos        int
	lineStarts []int
}

func NewLexer(input string) *Lexer {
	l := &Lexer{input: input, lineStarts: []int{0}}
	for i := 0; i < len(input); i++ {
		if input[i] == '\n' {
			l.lineStarts = append(l.lineStarts, i+1)
		}
	}
	return l
}

// PositionAt converts a byte offset to a Position.
func (l *Lexer) PositionAt(off int) Position {
	line := sort.Search(len(l.lineStarts), func(i int) bool { return l.lineStarts[i] > off }) - 1
	return Position{Line: line + 1, Column: off - l.lineStarts[line] + 1}
}

func (l *Lexer) rangeOf(start, end int) Range {
	return Range{Start: l.PositionAt(start), End: l.PositionAt(end)}
}

func (l *Lexer) emit(t TokenType) Token {
	tok := Token{
		Type:  t,
		Value: l.input[l.start:l.pos],
		Range: l.rangeOf(l.start, l.pos),
	}
	l.start = l.pos
	return tok
}

func (l *Lexer) peekByte(off int) byte {
	if l.pos+off >= len(l.input) {
		return 0
	}
	return l.input[l.pos+off]
}

func isNameChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
		strings.IndexByte(",._+*#?@-", c) >= 0
}

func isLabelName(s string) bool {
	if s == "" || s[0] >= '0' && s[0] <= '9' {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

func (l *Lexer) atLineStart() bool {
	for i := l.start - 1; i >= 0; i-- {
		switch l.input[i] {
		case ' ', '\t':
			continue
		case '\n':
			return true
		default:
			return false
		}
	}
	return true
}

func (l *Lexer) NextToken() Token {
	for {
		l.start = l.pos
		if l.pos >= len(l.input) {
			return l.emit(TokenEOF)
		}
		c := l.input[l.pos]

		switch c {
		case ' ', '\t', '\r', '\n':
			l.pos++
			continue
		case '/':
			switch l.peekByte(1) {
			case '/':
				l.skipLine()
				continue
			case '*':
				if !l.skipBlockComment() {
					return l.emit(TokenError)
				}
				continue
			}
			return l.lexDirective()
		case '#':
			if l.atLineStart() && l.isPreproc() {
				return l.lexPreproc()
			}
			return l.lexName()
		case '"':
			return l.lexString()
		case '\'':
			return l.lexChar()
		case '&':
			return l.lexRef()
		case '{':
			l.pos++
			return l.emit(TokenLBrace)
		case '}':
			l.pos++
			return l.emit(TokenRBrace)
		case ';':
			l.pos++
			return l.emit(TokenSemicolon)
		case '=':
			l.pos++
			return l.emit(TokenEqual)
		case '<':
			l.pos++
			return l.emit(TokenLAngle)
		case '>':
			l.pos++
			return l.emit(TokenRAngle)
		case '[':
			l.pos++
			return l.emit(TokenLBracket)
		case ']':
			l.pos++
			return l.emit(TokenRBracket)
		case '(':
			l.pos++
			return l.emit(TokenLParen)
		case ')':
			l.pos++
			return l.emit(TokenRParen)
		case ',':
			l.pos++
			return l.emit(TokenComma)
		}

		if isNameChar(c) {
			return l.lexName()
		}
		l.pos++
		return l.emit(TokenOther)
	}
}

func (l *Lexer) skipLine() {
	for l.pos < len(l.input) && l.input[l.pos] != '\n' {
		l.pos++
	}
}

func (l *Lexer) skipBlockComment() bool {
	end := strings.Index(l.input[l.pos+2:], "*/")
	if end < 0 {
		l.pos = len(l.input)
		return false
	}
	l.pos += end + 4
	return true
}

func (l *Lexer) lexName() Token {
	for l.pos < len(l.input) && isNameChar(l.input[l.pos]) {
		l.pos++
	}
	if l.peekByte(0) == ':' && isLabelName(l.input[l.start:l.pos]) {
		tok := l.emit(TokenLabel)
		l.pos++
		l.start = l.pos
		tok.Range.End = l.PositionAt(l.pos)
		return tok
	}
	return l.emit(TokenName)
}

// lexDirective handles /name/ keywords; a lone slash is the root node name.
func (l *Lexer) lexDirective() Token {
	i := l.pos + 1
	for i < len(l.input) && (l.input[i] >= 'a' && l.input[i] <= 'z' || l.input[i] >= '0' && l.input[i] <= '9' || l.input[i] == '-') {
		i++
	}
	if i > l.pos+1 && i < len(l.input) && l.input[i] == '/' {
		l.pos = i + 1
		return l.emit(TokenDirective)
	}
	l.pos++
	return l.emit(TokenSlash)
}

func (l *Lexer) isPreproc() bool {
	rest := l.input[l.pos+1:]
	rest = strings.TrimLeft(rest, " \t")
	for _, kw := range preprocKeywords {
		if strings.HasPrefix(rest, kw) {
			after := rest[len(kw):]
			if after == "" || !isNameChar(after[0]) {
				return true
			}
		}
	}
	return false
}

func (l *Lexer) lexPreproc() Token {
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c == '\\' && l.peekByte(1) == '\n' {
			l.pos += 2
			continue
		}
		if c == '\n' {
			break
		}
		l.pos++
	}
	return l.emit(TokenPreproc)
}

func (l *Lexer) lexString() Token {
	l.pos++
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		switch c {
		case '\\':
			l.pos += 2
			continue
		case '"':
			l.pos++
			return l.emit(TokenString)
		case '\n':
			return l.emit(TokenError)
		}
		l.pos++
	}
	if l.pos > len(l.input) {
		l.pos = len(l.input)
	}
	return l.emit(TokenError)
}

func (l *Lexer) lexChar() Token {
	l.pos++
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		switch c {
		case '\\':
			l.pos += 2
			continue
		case '\'':
			l.pos++
			return l.emit(TokenChar)
		case '\n':
			return l.emit(TokenError)
		}
		l.pos++
	}
	if l.pos > len(l.input) {
		l.pos = len(l.input)
	}
	return l.emit(TokenError)
}

func (l *Lexer) lexRef() Token {
	l.pos++
	if l.peekByte(0) == '{' {
		for l.pos < len(l.input) {
			c := l.input[l.pos]
			if c == '}' {
				l.pos++
				return l.emit(TokenPathRef)
			}
			if c == '\n' {
				return l.emit(TokenError)
			}
			l.pos++
		}
		return l.emit(TokenError)
	}
	n := l.pos
	for l.pos < len(l.input) && isNameChar(l.input[l.pos]) {
		l.pos++
	}
	if l.pos == n {
		return l.emit(TokenOther)
	}
	return l.emit(TokenRef)
}

// ScanGroup reads raw text up to the parenthesis closing one that was just
// consumed. It stops early, without consuming, at ';', '{', '}' or EOF and
// reports ok=false in that case.
func (l *Lexer) ScanGroup() (text string, rng Range, ok bool) {
	begin := l.pos - 1
	depth := 1
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		switch c {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				l.pos++
				l.start = l.pos
				return l.input[begin:l.pos], l.rangeOf(begin, l.pos), true
			}
		case ';', '{', '}':
			l.start = l.pos
			return l.input[begin:l.pos], l.rangeOf(begin, l.pos), false
		}
		l.pos++
	}
	l.start = l.pos
	return l.input[begin:l.pos], l.rangeOf(begin, l.pos), false
}
