// Package expr evaluates the small condition grammar used by pipeline
// conditions and recurrence stop rules.
//
//	expr    := or
//	or      := and ("||" and)*
//	and     := cmp ("&&" cmp)*
//	cmp     := unary (("==" | "!=" | ">" | "<" | ">=" | "<=") unary)?
//	unary   := "!" unary | primary
//	primary := number | string | true | false | null | path | "(" expr ")"
//
// Paths are dotted identifiers resolved through a Lookup function; nothing
// else is evaluated.
package expr

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"
)

// Lookup resolves a dotted path. Missing paths evaluate to nil.
type Lookup func(path string) (any, bool)

// Evaluate parses and evaluates expression, returning its truthiness. An
// empty expression is false.
func Evaluate(expression string, lookup Lookup) (bool, error) {
	v, err := Eval(expression, lookup)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Eval parses and evaluates expression, returning the raw value.
func Eval(expression string, lookup Lookup) (any, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, nil
	}
	tokens, err := tokenize(expression)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens, lookup: lookup}
	val, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.tokens) {
		return nil, fmt.Errorf("unexpected token %q at position %d", p.tokens[p.pos].value, p.pos)
	}
	return val, nil
}

type tokenKind int

const (
	tkNumber tokenKind = iota
	tkString
	tkIdent
	tkOp
	tkLParen
	tkRParen
)

type token struct {
	kind  tokenKind
	value string
}

func tokenize(s string) ([]token, error) {
	var tokens []token
	runes := []rune(s)
	i := 0

	for i < len(runes) {
		ch := runes[i]

		if unicode.IsSpace(ch) {
			i++
			continue
		}

		switch ch {
		case '(':
			tokens = append(tokens, token{tkLParen, "("})
			i++
			continue
		case ')':
			tokens = append(tokens, token{tkRParen, ")"})
			i++
			continue
		case '"', '\'':
			str, n, err := readString(runes, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tkString, str})
			i = n
			continue
		}

		if i+1 < len(runes) {
			switch two := string(runes[i : i+2]); two {
			case "==", "!=", ">=", "<=", "&&", "||":
				tokens = append(tokens, token{tkOp, two})
				i += 2
				continue
			}
		}

		if ch == '>' || ch == '<' || ch == '!' {
			tokens = append(tokens, token{tkOp, string(ch)})
			i++
			continue
		}

		if isDigit(ch) || (ch == '-' && i+1 < len(runes) && isDigit(runes[i+1]) && negativeAllowed(tokens)) {
			num, n := readNumber(runes, i)
			tokens = append(tokens, token{tkNumber, num})
			i = n
			continue
		}

		if isIdentStart(ch) {
			start := i
			for i < len(runes) && isIdentPart(runes[i]) {
				i++
			}
			tokens = append(tokens, token{tkIdent, string(runes[start:i])})
			continue
		}

		return nil, fmt.Errorf("unexpected character %q at position %d", string(ch), i)
	}
	return tokens, nil
}

func readString(runes []rune, start int) (string, int, error) {
	quote := runes[start]
	var sb strings.Builder
	for i := start + 1; i < len(runes); i++ {
		if runes[i] == '\\' && i+1 < len(runes) {
			i++
			sb.WriteRune(runes[i])
			continue
		}
		if runes[i] == quote {
			return sb.String(), i + 1, nil
		}
		sb.WriteRune(runes[i])
	}
	return "", 0, fmt.Errorf("unterminated string starting at position %d", start)
}

func readNumber(runes []rune, start int) (string, int) {
	i := start
	if runes[i] == '-' {
		i++
	}
	for i < len(runes) && isDigit(runes[i]) {
		i++
	}
	if i < len(runes) && runes[i] == '.' {
		i++
		for i < len(runes) && isDigit(runes[i]) {
			i++
		}
	}
	return string(runes[start:i]), i
}

func isDigit(ch rune) bool      { return ch >= '0' && ch <= '9' }
func isIdentStart(ch rune) bool { return unicode.IsLetter(ch) || ch == '_' }
func isIdentPart(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '.'
}

// A '-' starts a negative number at the beginning or after an operator.
func negativeAllowed(preceding []token) bool {
	if len(preceding) == 0 {
		return true
	}
	last := preceding[len(preceding)-1]
	return last.kind == tkOp || last.kind == tkLParen
}

type parser struct {
	tokens []token
	pos    int
	lookup Lookup
}

func (p *parser) peekOp(ops ...string) (string, bool) {
	if p.pos >= len(p.tokens) || p.tokens[p.pos].kind != tkOp {
		return "", false
	}
	v := p.tokens[p.pos].value
	for _, op := range ops {
		if v == op {
			return v, true
		}
	}
	return "", false
}

func (p *parser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.peekOp("||"); !ok {
			return left, nil
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Truthy(left) || Truthy(right)
	}
}

func (p *parser) parseAnd() (any, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.peekOp("&&"); !ok {
			return left, nil
		}
		p.pos++
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = Truthy(left) && Truthy(right)
	}
}

func (p *parser) parseComparison() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	op, ok := p.peekOp("==", "!=", ">", "<", ">=", "<=")
	if !ok {
		return left, nil
	}
	p.pos++
	right, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return compare(left, op, right), nil
}

func (p *parser) parseUnary() (any, error) {
	if _, ok := p.peekOp("!"); ok {
		p.pos++
		v, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !Truthy(v), nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (any, error) {
	if p.pos >= len(p.tokens) {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	t := p.tokens[p.pos]
	p.pos++

	switch t.kind {
	case tkNumber:
		return strconv.ParseFloat(t.value, 64)
	case tkString:
		return t.value, nil
	case tkIdent:
		switch t.value {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null", "nil":
			return nil, nil
		}
		if p.lookup == nil {
			return nil, nil
		}
		v, _ := p.lookup(t.value)
		return v, nil
	case tkLParen:
		v, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.pos >= len(p.tokens) || p.tokens[p.pos].kind != tkRParen {
			return nil, fmt.Errorf("expected closing parenthesis")
		}
		p.pos++
		return v, nil
	}
	return nil, fmt.Errorf("unexpected token %q", t.value)
}

// nil equals only nil and orders below every other value.
func compare(left any, op string, right any) bool {
	if left == nil || right == nil {
		switch op {
		case "==":
			return left == nil && right == nil
		case "!=":
			return !(left == nil && right == nil)
		case "<", "<=":
			return left == nil && (right != nil || op == "<=")
		default:
			return right == nil && (left != nil || op == ">=")
		}
	}

	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
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
	}

	ls, rs := fmt.Sprint(left), fmt.Sprint(right)
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

// Truthy: false, nil, zero numbers, "", "false", "0" and empty collections
// are falsy.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}
