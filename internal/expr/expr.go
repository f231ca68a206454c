// Package expr evaluates the constant integer expressions that may appear in
// devicetree cell lists, e.g. <(1 << 4)> or <('A' + 1)>.
//
// Only a fixed whitelist of tokens is accepted: integer and float literals
// (with C suffixes), character literals, parentheses and the C arithmetic,
// bitwise, comparison and boolean operators. Anything else, including
// identifiers and calls, makes the whole expression unresolved.
package expr

import (
	"regexp"
	"strconv"
	"strings"
)

var suffixRe = regexp.MustCompile(`(?i)\b(0x[0-9a-f]+)(?:ull|ul|ll|u|l)\b|\b([0-9]+(?:\.[0-9]*)?(?:e[+-]?[0-9]+)?)(?:ull|ul|ll|u|l|f)\b`)

// StripSuffixes removes C integer/float suffixes from numeric literals.
func StripSuffixes(s string) string {
	return suffixRe.ReplaceAllString(s, "${1}${2}")
}

// Eval evaluates a constant expression. It reports false when the text holds
// a token outside the whitelist, brackets are unbalanced, or evaluation fails
// (e.g. division by zero).
func Eval(src string) (int64, bool) {
	toks, ok := tokenize(StripSuffixes(strings.TrimSpace(src)))
	if !ok || len(toks) == 0 {
		return 0, false
	}
	p := &evaluator{toks: toks}
	v, ok := p.expr(0)
	if !ok || p.pos != len(p.toks) {
		return 0, false
	}
	return v, true
}

type tokKind int

const (
	tokNum tokKind = iota
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	op   string
	num  int64
}

var operators = []string{
	"<<", ">>", "&&", "||", "<=", ">=", "==", "!=",
	"|", "&", "~", "^", "<", ">", "!", "+", "-", "*", "/", "%",
}

func tokenize(s string) ([]token, bool) {
	var toks []token
	depth := 0
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
			continue
		case c == '(':
			depth++
			toks = append(toks, token{kind: tokLParen})
			i++
			continue
		case c == ')':
			if depth == 0 {
				return nil, false
			}
			depth--
			toks = append(toks, token{kind: tokRParen})
			i++
			continue
		case c == '\'':
			v, n, ok := charLiteral(s[i:])
			if !ok {
				return nil, false
			}
			toks = append(toks, token{kind: tokNum, num: v})
			i += n
			continue
		case c >= '0' && c <= '9' || c == '.':
			v, n, ok := number(s[i:])
			if !ok {
				return nil, false
			}
			toks = append(toks, token{kind: tokNum, num: v})
			i += n
			continue
		}

		matched := false
		for _, op := range operators {
			if strings.HasPrefix(s[i:], op) {
				toks = append(toks, token{kind: tokOp, op: op})
				i += len(op)
				matched = true
				break
			}
		}
		if !matched {
			return nil, false
		}
	}
	if depth != 0 {
		return nil, false
	}
	return toks, true
}

func number(s string) (int64, int, bool) {
	n := 0
	if len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		n = 2
		for n < len(s) && isHex(s[n]) {
			n++
		}
		if n == 2 {
			return 0, 0, false
		}
		u, err := strconv.ParseUint(s[2:n], 16, 64)
		if err != nil {
			return 0, 0, false
		}
		return int64(u), n, true
	}

	float := false
	for n < len(s) {
		c := s[n]
		if c >= '0' && c <= '9' {
			n++
		} else if c == '.' {
			float = true
			n++
		} else if (c == 'e' || c == 'E') && float {
			n++
			if n < len(s) && (s[n] == '+' || s[n] == '-') {
				n++
			}
		} else {
			break
		}
	}
	if n < len(s) && isIdent(s[n]) {
		return 0, 0, false
	}
	lit := s[:n]
	if float {
		f, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return 0, 0, false
		}
		return int64(f), n, true
	}
	base := 10
	if len(lit) > 1 && lit[0] == '0' {
		base = 8
	}
	u, err := strconv.ParseUint(lit, base, 64)
	if err != nil {
		return 0, 0, false
	}
	return int64(u), n, true
}

func charLiteral(s string) (int64, int, bool) {
	// s[0] == '\''
	if len(s) < 3 {
		return 0, 0, false
	}
	if s[1] == '\\' {
		if len(s) < 4 || s[3] != '\'' {
			return 0, 0, false
		}
		var r rune
		switch s[2] {
		case 'n':
			r = '\n'
		case 't':
			r = '\t'
		case 'r':
			r = '\r'
		case '0':
			r = 0
		case '\\', '\'', '"':
			r = rune(s[2])
		default:
			return 0, 0, false
		}
		return int64(r), 4, true
	}
	end := strings.IndexByte(s[1:], '\'')
	if end <= 0 {
		return 0, 0, false
	}
	runes := []rune(s[1 : 1+end])
	if len(runes) != 1 {
		return 0, 0, false
	}
	return int64(runes[0]), end + 2, true
}

func isHex(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

func isIdent(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

type evaluator struct {
	toks []token
	pos  int
}

func precedence(op string) int {
	switch op {
	case "*", "/", "%":
		return 10
	case "+", "-":
		return 9
	case "<<", ">>":
		return 8
	case "<", ">", "<=", ">=":
		return 7
	case "==", "!=":
		return 6
	case "&":
		return 5
	case "^":
		return 4
	case "|":
		return 3
	case "&&":
		return 2
	case "||":
		return 1
	default:
		return 0
	}
}

func (e *evaluator) peek() (token, bool) {
	if e.pos >= len(e.toks) {
		return token{}, false
	}
	return e.toks[e.pos], true
}

func (e *evaluator) expr(minPrec int) (int64, bool) {
	left, ok := e.unary()
	if !ok {
		return 0, false
	}
	for {
		t, more := e.peek()
		if !more || t.kind != tokOp {
			return left, true
		}
		prec := precedence(t.op)
		if prec == 0 || prec <= minPrec {
			return left, true
		}
		e.pos++
		right, ok := e.expr(prec)
		if !ok {
			return 0, false
		}
		left, ok = apply(t.op, left, right)
		if !ok {
			return 0, false
		}
	}
}

func (e *evaluator) unary() (int64, bool) {
	t, ok := e.peek()
	if !ok {
		return 0, false
	}
	e.pos++
	switch t.kind {
	case tokNum:
		return t.num, true
	case tokLParen:
		v, ok := e.expr(0)
		if !ok {
			return 0, false
		}
		if rp, more := e.peek(); !more || rp.kind != tokRParen {
			return 0, false
		}
		e.pos++
		return v, true
	case tokOp:
		v, ok := e.unary()
		if !ok {
			return 0, false
		}
		switch t.op {
		case "-":
			return -v, true
		case "+":
			return v, true
		case "~":
			return ^v, true
		case "!":
			return boolInt(v == 0), true
		}
	}
	return 0, false
}

func apply(op string, a, b int64) (int64, bool) {
	switch op {
	case "*":
		return a * b, true
	case "/":
		if b == 0 {
			return 0, false
		}
		return a / b, true
	case "%":
		if b == 0 {
			return 0, false
		}
		return a % b, true
	case "+":
		return a + b, true
	case "-":
		return a - b, true
	case "<<":
		if b < 0 || b > 63 {
			return 0, false
		}
		return a << uint(b), true
	case ">>":
		if b < 0 || b > 63 {
			return 0, false
		}
		return a >> uint(b), true
	case "<":
		return boolInt(a < b), true
	case ">":
		return boolInt(a > b), true
	case "<=":
		return boolInt(a <= b), true
	case ">=":
		return boolInt(a >= b), true
	case "==":
		return boolInt(a == b), true
	case "!=":
		return boolInt(a != b), true
	case "&":
		return a & b, true
	case "^":
		return a ^ b, true
	case "|":
		return a | b, true
	case "&&":
		return boolInt(a != 0 && b != 0), true
	case "||":
		return boolInt(a != 0 || b != 0), true
	}
	return 0, false
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
