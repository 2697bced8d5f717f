// Package filter parses the storage query filter language into an AST
// consumed by the storage query layer.
//
// Examples:
//
//	Vuln.name == "x"
//	Host.address >= "10.2.1.0" AND Host.tags any "reviewed"
//	A.a == "a" OR B.b == "b" AND C.c == "c"
//
// OR binds looser than AND.
package filter

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// Expression is a node of the parsed filter tree: *Or, *And or *Criterion.
type Expression interface {
	expr()
}

// Or is a disjunction of two or more terms.
type Or struct {
	Terms []Expression
}

// And is a conjunction of two or more factors.
type And struct {
	Factors []Expression
}

// Criterion is a single model.field comparison.
type Criterion struct {
	Model string
	Field string
	Op    string
	Value string
}

func (*Or) expr()        {}
func (*And) expr()       {}
func (*Criterion) expr() {}

var validOps = map[string]bool{
	"==": true, "!=": true, ">": true, "<": true, ">=": true, "<=": true,
	"ilike": true, "is_null": true, "is_not_null": true, "any": true, "not_all": true,
}

type tokenKind int

const (
	tokColspec tokenKind = iota
	tokOp
	tokString
	tokAnd
	tokOr
	tokLParen
	tokRParen
	tokEOF
)

type token struct {
	kind tokenKind
	val  string
	pos  int
}

type lexer struct {
	input string
	pos   int
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.input[l.pos]

	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen, pos: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, pos: start}, nil
	case c == '"':
		return l.lexString()
	case strings.ContainsRune("=!<>", rune(c)):
		return l.lexSymbolOp()
	case isWordChar(c):
		return l.lexWord()
	}
	return token{}, fmt.Errorf("unexpected character %q at %d", c, start)
}

func (l *lexer) lexString() (token, error) {
	start := l.pos
	l.pos++ // opening quote
	for l.pos < len(l.input) {
		switch l.input[l.pos] {
		case '\\':
			l.pos += 2
		case '"':
			l.pos++
			var s string
			if err := json.Unmarshal([]byte(l.input[start:l.pos]), &s); err != nil {
				return token{}, fmt.Errorf("invalid string literal at %d: %w", start, err)
			}
			return token{kind: tokString, val: s, pos: start}, nil
		default:
			l.pos++
		}
	}
	return token{}, fmt.Errorf("unterminated string literal at %d", start)
}

func (l *lexer) lexSymbolOp() (token, error) {
	start := l.pos
	for l.pos < len(l.input) && strings.ContainsRune("=!<>", rune(l.input[l.pos])) {
		l.pos++
	}
	op := l.input[start:l.pos]
	if !validOps[op] {
		return token{}, fmt.Errorf("invalid operator %q at %d", op, start)
	}
	return token{kind: tokOp, val: op, pos: start}, nil
}

func (l *lexer) lexWord() (token, error) {
	start := l.pos
	for l.pos < len(l.input) && (isWordChar(l.input[l.pos]) || l.input[l.pos] == '.') {
		l.pos++
	}
	word := l.input[start:l.pos]

	switch {
	case word == "AND":
		return token{kind: tokAnd, pos: start}, nil
	case word == "OR":
		return token{kind: tokOr, pos: start}, nil
	case validOps[word]:
		return token{kind: tokOp, val: word, pos: start}, nil
	case strings.Count(word, ".") == 1:
		parts := strings.SplitN(word, ".", 2)
		if isAlpha(parts[0]) && isAlpha(parts[1]) {
			return token{kind: tokColspec, val: word, pos: start}, nil
		}
	}
	return token{}, fmt.Errorf("unexpected token %q at %d", word, start)
}

func isWordChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isAlpha(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			return false
		}
	}
	return true
}

type parser struct {
	tokens []token
	pos    int
}

// Parse parses a filter expression.
func Parse(input string) (Expression, error) {
	lex := &lexer{input: input}
	var tokens []token
	for {
		tok, err := lex.next()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
		if tok.kind == tokEOF {
			break
		}
	}

	p := &parser{tokens: tokens}
	expr, err := p.expression()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("trailing input at %d", p.peek().pos)
	}
	return expr, nil
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) advance() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

// expression := term ("OR" term)*
func (p *parser) expression() (Expression, error) {
	term, err := p.term()
	if err != nil {
		return nil, err
	}
	terms := []Expression{term}
	for p.peek().kind == tokOr {
		p.advance()
		term, err := p.term()
		if err != nil {
			return nil, err
		}
		terms = append(terms, term)
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return &Or{Terms: terms}, nil
}

// term := factor ("AND" factor)*
func (p *parser) term() (Expression, error) {
	factor, err := p.factor()
	if err != nil {
		return nil, err
	}
	factors := []Expression{factor}
	for p.peek().kind == tokAnd {
		p.advance()
		factor, err := p.factor()
		if err != nil {
			return nil, err
		}
		factors = append(factors, factor)
	}
	if len(factors) == 1 {
		return factors[0], nil
	}
	return &And{Factors: factors}, nil
}

// factor := criterion | "(" expression ")"
func (p *parser) factor() (Expression, error) {
	if p.peek().kind == tokLParen {
		p.advance()
		expr, err := p.expression()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("expected closing parenthesis at %d", p.peek().pos)
		}
		p.advance()
		return expr, nil
	}
	return p.criterion()
}

// criterion := COLSPEC OP VALUE
func (p *parser) criterion() (Expression, error) {
	colspec := p.advance()
	if colspec.kind != tokColspec {
		return nil, fmt.Errorf("expected column specifier at %d", colspec.pos)
	}
	op := p.advance()
	if op.kind != tokOp {
		return nil, fmt.Errorf("expected operator at %d", op.pos)
	}
	value := p.advance()
	if value.kind != tokString {
		return nil, fmt.Errorf("expected quoted value at %d", value.pos)
	}

	parts := strings.SplitN(colspec.val, ".", 2)
	return &Criterion{Model: parts[0], Field: parts[1], Op: op.val, Value: value.val}, nil
}
