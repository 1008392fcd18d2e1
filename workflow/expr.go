package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ErrBadExpression indicates an expression could not be parsed.
var ErrBadExpression = errors.New("bad expression")

// Eval evaluates a transition or branch expression against the variables map
// and reports truthiness. The grammar covers what workflow authors write on
// edges: identifiers, string/number/bool literals, comparisons
// (== != < <= > >=), && and ||, ! prefix, and parentheses. An unknown
// identifier evaluates to nil, which is falsy.
func Eval(expr string, vars map[string]any) (bool, error) {
	p := &exprParser{src: expr, vars: vars}
	v, err := p.parseOr()
	if err != nil {
		return false, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return false, fmt.Errorf("%w: trailing input at %d in %q", ErrBadExpression, p.pos, expr)
	}
	return truthy(v), nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case int:
		return x != 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}

type exprParser struct {
	src  string
	pos  int
	vars map[string]any
}

func (p *exprParser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.consume("||") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

func (p *exprParser) parseAnd() (any, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.consume("&&") {
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

func (p *exprParser) parseComparison() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for _, op := range []string{"==", "!=", "<=", ">=", "<", ">"} {
		if p.consume(op) {
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			return compare(op, left, right)
		}
	}
	return left, nil
}

func (p *exprParser) parseUnary() (any, error) {
	if p.consume("!") {
		v, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (any, error) {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return nil, fmt.Errorf("%w: unexpected end of %q", ErrBadExpression, p.src)
	}
	c := p.src[p.pos]
	switch {
	case c == '(':
		p.pos++
		v, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.consume(")") {
			return nil, fmt.Errorf("%w: missing ) in %q", ErrBadExpression, p.src)
		}
		return v, nil
	case c == '\'' || c == '"':
		return p.parseString(c)
	case c >= '0' && c <= '9' || c == '-':
		return p.parseNumber()
	case isIdentStart(rune(c)):
		return p.parseIdent()
	default:
		return nil, fmt.Errorf("%w: unexpected %q in %q", ErrBadExpression, c, p.src)
	}
}

func (p *exprParser) parseString(quote byte) (any, error) {
	p.pos++
	start := p.pos
	for p.pos < len(p.src) && p.src[p.pos] != quote {
		p.pos++
	}
	if p.pos >= len(p.src) {
		return nil, fmt.Errorf("%w: unterminated string in %q", ErrBadExpression, p.src)
	}
	s := p.src[start:p.pos]
	p.pos++
	return s, nil
}

func (p *exprParser) parseNumber() (any, error) {
	start := p.pos
	if p.src[p.pos] == '-' {
		p.pos++
	}
	for p.pos < len(p.src) && (unicode.IsDigit(rune(p.src[p.pos])) || p.src[p.pos] == '.') {
		p.pos++
	}
	f, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad number %q", ErrBadExpression, p.src[start:p.pos])
	}
	return f, nil
}

func (p *exprParser) parseIdent() (any, error) {
	start := p.pos
	for p.pos < len(p.src) && isIdentPart(rune(p.src[p.pos])) {
		p.pos++
	}
	name := p.src[start:p.pos]
	switch name {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null", "nil":
		return nil, nil
	}
	return p.vars[name], nil
}

func (p *exprParser) consume(tok string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.src[p.pos:], tok) {
		// Do not split "<=" into "<" "=": longer operators are tried first
		// by the caller, a bare "<" must not match the prefix of "<=".
		if (tok == "<" || tok == ">") && p.pos+1 < len(p.src) && p.src[p.pos+1] == '=' {
			return false
		}
		if tok == "!" && p.pos+1 < len(p.src) && p.src[p.pos+1] == '=' {
			return false
		}
		p.pos += len(tok)
		return true
	}
	return false
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.'
}

func compare(op string, left, right any) (any, error) {
	if lf, lok := toFloat(left); lok {
		if rf, rok := toFloat(right); rok {
			switch op {
			case "==":
				return lf == rf, nil
			case "!=":
				return lf != rf, nil
			case "<":
				return lf < rf, nil
			case "<=":
				return lf <= rf, nil
			case ">":
				return lf > rf, nil
			case ">=":
				return lf >= rf, nil
			}
		}
	}
	ls, rs := fmt.Sprintf("%v", left), fmt.Sprintf("%v", right)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case "<":
		return ls < rs, nil
	case "<=":
		return ls <= rs, nil
	case ">":
		return ls > rs, nil
	case ">=":
		return ls >= rs, nil
	}
	return nil, fmt.Errorf("%w: unknown operator %q", ErrBadExpression, op)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
