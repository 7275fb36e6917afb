// Package expr evaluates the condition expressions attached to conditional
// and loop nodes, and resolves {{variable}} placeholders in node config.
//
// The expression language is deliberately small: comparison operators
// (==, !=, <, <=, >, >=), boolean operators (&&, ||, !), parentheses,
// number and double-quoted string literals, true/false, and dot-path
// variable references (order.total, response.status_code).
package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Eval evaluates expression against vars and reduces the result to a
// boolean. An empty expression evaluates to false.
func Eval(expression string, vars map[string]any) (bool, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return false, nil
	}
	node, err := parse(expression)
	if err != nil {
		return false, err
	}
	return truthy(node.eval(vars)), nil
}

// Validate parses expression without evaluating it, so authoring-time
// validation can reject malformed conditions.
func Validate(expression string) error {
	if strings.TrimSpace(expression) == "" {
		return fmt.Errorf("expression is empty")
	}
	_, err := parse(expression)
	return err
}

// Lookup resolves a dot-path reference against vars. "order.total" reads
// vars["order"].(map[string]any)["total"]. Missing segments yield nil.
func Lookup(path string, vars map[string]any) any {
	var current any = vars
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}

// Interpolate replaces {{path}} placeholders in s with the values resolved
// from vars. Unresolvable placeholders are left in place so the failure is
// visible downstream.
func Interpolate(s string, vars map[string]any) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	var b strings.Builder
	for {
		start := strings.Index(s, "{{")
		if start < 0 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start:], "}}")
		if end < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:start])
		path := strings.TrimSpace(s[start+2 : start+end])
		if v := Lookup(path, vars); v != nil {
			fmt.Fprintf(&b, "%v", v)
		} else {
			b.WriteString(s[start : start+end+2])
		}
		s = s[start+end+2:]
	}
	return b.String()
}

// InterpolateConfig returns a copy of config with every string value (and
// string values nested one level inside maps) interpolated against vars.
func InterpolateConfig(config map[string]any, vars map[string]any) map[string]any {
	if config == nil {
		return nil
	}
	out := make(map[string]any, len(config))
	for k, v := range config {
		switch val := v.(type) {
		case string:
			out[k] = Interpolate(val, vars)
		case map[string]any:
			inner := make(map[string]any, len(val))
			for ik, iv := range val {
				if s, ok := iv.(string); ok {
					inner[ik] = Interpolate(s, vars)
				} else {
					inner[ik] = iv
				}
			}
			out[k] = inner
		default:
			out[k] = v
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Lexer
// ---------------------------------------------------------------------------

type lexKind int

const (
	lexNumber lexKind = iota
	lexString
	lexIdent
	lexOp
	lexLParen
	lexRParen
)

type lexeme struct {
	kind lexKind
	text string
}

func lex(src string) ([]lexeme, error) {
	var out []lexeme
	runes := []rune(src)
	i := 0
	for i < len(runes) {
		ch := runes[i]
		switch {
		case unicode.IsSpace(ch):
			i++
		case ch == '(':
			out = append(out, lexeme{lexLParen, "("})
			i++
		case ch == ')':
			out = append(out, lexeme{lexRParen, ")"})
			i++
		case ch == '"':
			text, next, err := lexQuoted(runes, i)
			if err != nil {
				return nil, err
			}
			out = append(out, lexeme{lexString, text})
			i = next
		case isOpStart(ch):
			if i+1 < len(runes) {
				two := string(runes[i : i+2])
				switch two {
				case "==", "!=", ">=", "<=", "&&", "||":
					out = append(out, lexeme{lexOp, two})
					i += 2
					continue
				}
			}
			switch ch {
			case '>', '<', '!':
				out = append(out, lexeme{lexOp, string(ch)})
				i++
			default:
				return nil, fmt.Errorf("unexpected character %q at offset %d", string(ch), i)
			}
		case unicode.IsDigit(ch) || (ch == '-' && i+1 < len(runes) && unicode.IsDigit(runes[i+1]) && negAllowed(out)):
			text, next := lexNumberAt(runes, i)
			out = append(out, lexeme{lexNumber, text})
			i = next
		case unicode.IsLetter(ch) || ch == '_':
			text, next := lexIdentAt(runes, i)
			out = append(out, lexeme{lexIdent, text})
			i = next
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", string(ch), i)
		}
	}
	return out, nil
}

func isOpStart(ch rune) bool {
	switch ch {
	case '=', '!', '<', '>', '&', '|':
		return true
	}
	return false
}

// negAllowed reports whether a '-' at this point begins a negative number
// literal: at the start of the expression, or after an operator or '('.
func negAllowed(prior []lexeme) bool {
	if len(prior) == 0 {
		return true
	}
	last := prior[len(prior)-1]
	return last.kind == lexOp || last.kind == lexLParen
}

func lexQuoted(runes []rune, start int) (string, int, error) {
	var b strings.Builder
	i := start + 1
	for i < len(runes) {
		switch {
		case runes[i] == '\\' && i+1 < len(runes):
			b.WriteRune(runes[i+1])
			i += 2
		case runes[i] == '"':
			return b.String(), i + 1, nil
		default:
			b.WriteRune(runes[i])
			i++
		}
	}
	return "", 0, fmt.Errorf("unterminated string at offset %d", start)
}

func lexNumberAt(runes []rune, start int) (string, int) {
	i := start
	if runes[i] == '-' {
		i++
	}
	for i < len(runes) && unicode.IsDigit(runes[i]) {
		i++
	}
	if i < len(runes) && runes[i] == '.' && i+1 < len(runes) && unicode.IsDigit(runes[i+1]) {
		i++
		for i < len(runes) && unicode.IsDigit(runes[i]) {
			i++
		}
	}
	return string(runes[start:i]), i
}

func lexIdentAt(runes []rune, start int) (string, int) {
	i := start
	for i < len(runes) {
		ch := runes[i]
		if unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '.' {
			i++
			continue
		}
		break
	}
	return string(runes[start:i]), i
}

// ---------------------------------------------------------------------------
// Parser — precedence climbing over a tiny AST
// ---------------------------------------------------------------------------

type ast interface {
	eval(vars map[string]any) any
}

type litNode struct{ value any }

func (n litNode) eval(map[string]any) any { return n.value }

type varNode struct{ path string }

func (n varNode) eval(vars map[string]any) any { return Lookup(n.path, vars) }

type notNode struct{ inner ast }

func (n notNode) eval(vars map[string]any) any { return !truthy(n.inner.eval(vars)) }

type binNode struct {
	op          string
	left, right ast
}

func (n binNode) eval(vars map[string]any) any {
	switch n.op {
	case "&&":
		return truthy(n.left.eval(vars)) && truthy(n.right.eval(vars))
	case "||":
		return truthy(n.left.eval(vars)) || truthy(n.right.eval(vars))
	default:
		return compare(n.left.eval(vars), n.op, n.right.eval(vars))
	}
}

type parser struct {
	lexemes []lexeme
	pos     int
}

func parse(src string) (ast, error) {
	lexemes, err := lex(src)
	if err != nil {
		return nil, err
	}
	if len(lexemes) == 0 {
		return nil, fmt.Errorf("expression is empty")
	}
	p := &parser{lexemes: lexemes}
	node, err := p.or()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.lexemes) {
		return nil, fmt.Errorf("unexpected %q after expression", p.lexemes[p.pos].text)
	}
	return node, nil
}

func (p *parser) peek() (lexeme, bool) {
	if p.pos < len(p.lexemes) {
		return p.lexemes[p.pos], true
	}
	return lexeme{}, false
}

func (p *parser) or() (ast, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for {
		l, ok := p.peek()
		if !ok || l.kind != lexOp || l.text != "||" {
			return left, nil
		}
		p.pos++
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = binNode{op: "||", left: left, right: right}
	}
}

func (p *parser) and() (ast, error) {
	left, err := p.comparison()
	if err != nil {
		return nil, err
	}
	for {
		l, ok := p.peek()
		if !ok || l.kind != lexOp || l.text != "&&" {
			return left, nil
		}
		p.pos++
		right, err := p.comparison()
		if err != nil {
			return nil, err
		}
		left = binNode{op: "&&", left: left, right: right}
	}
}

func (p *parser) comparison() (ast, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	l, ok := p.peek()
	if !ok || l.kind != lexOp {
		return left, nil
	}
	switch l.text {
	case "==", "!=", ">", "<", ">=", "<=":
		p.pos++
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		return binNode{op: l.text, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) unary() (ast, error) {
	if l, ok := p.peek(); ok && l.kind == lexOp && l.text == "!" {
		p.pos++
		inner, err := p.unary()
		if err != nil {
			return nil, err
		}
		return notNode{inner: inner}, nil
	}
	return p.primary()
}

func (p *parser) primary() (ast, error) {
	l, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	switch l.kind {
	case lexNumber:
		p.pos++
		f, err := strconv.ParseFloat(l.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q: %w", l.text, err)
		}
		return litNode{value: f}, nil
	case lexString:
		p.pos++
		return litNode{value: l.text}, nil
	case lexIdent:
		p.pos++
		switch l.text {
		case "true":
			return litNode{value: true}, nil
		case "false":
			return litNode{value: false}, nil
		}
		return varNode{path: l.text}, nil
	case lexLParen:
		p.pos++
		inner, err := p.or()
		if err != nil {
			return nil, err
		}
		if l, ok := p.peek(); !ok || l.kind != lexRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	default:
		return nil, fmt.Errorf("unexpected %q", l.text)
	}
}

// ---------------------------------------------------------------------------
// Value semantics
// ---------------------------------------------------------------------------

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0
	case int:
		return val != 0
	case string:
		return val != "" && val != "false" && val != "0"
	default:
		return true
	}
}

// compare applies a relational operator. Numbers compare numerically when
// both sides are numeric, otherwise values compare as strings. nil sorts
// below every non-nil value and equals only nil.
func compare(left any, op string, right any) bool {
	if left == nil || right == nil {
		switch op {
		case "==":
			return left == nil && right == nil
		case "!=":
			return !(left == nil && right == nil)
		case "<", "<=":
			return left == nil && right != nil || (op == "<=" && left == nil && right == nil)
		case ">", ">=":
			return left != nil && right == nil || (op == ">=" && left == nil && right == nil)
		}
		return false
	}

	lf, lok := asFloat(left)
	rf, rok := asFloat(right)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf
		case "!=":
			return lf != rf
		case ">":
			return lf > rf
		case "<":
			return lf < rf
		case ">=":
			return lf >= rf
		case "<=":
			return lf <= rf
		}
		return false
	}

	ls := fmt.Sprintf("%v", left)
	rs := fmt.Sprintf("%v", right)
	switch op {
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	case ">":
		return ls > rs
	case "<":
		return ls < rs
	case ">=":
		return ls >= rs
	case "<=":
		return ls <= rs
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
