// Package tagfilter implements the boolean tag-filter expression language
// used to scope inbound sessions to subsets of upstream servers.
//
// Grammar (precedence not > and > or):
//
//	expr := or
//	or   := and (("," | "||" | "or") and)*
//	and  := not (("+" | "&&" | "and") not)*
//	not  := ("!" | "not") atom | atom
//	atom := IDENT | "(" expr ")"
//
// Parsing and evaluation are pure: the same expression and tag set always
// yield the same decision.
package tagfilter

import (
	"fmt"
	"strings"
)

// Expr is a parsed tag-filter expression.
type Expr interface {
	// Matches reports whether the expression admits the given tag set.
	Matches(tags map[string]bool) bool
	// String renders a canonical form of the expression.
	String() string
}

type tagExpr struct{ name string }

func (e tagExpr) Matches(tags map[string]bool) bool { return tags[e.name] }
func (e tagExpr) String() string                    { return e.name }

type notExpr struct{ inner Expr }

func (e notExpr) Matches(tags map[string]bool) bool { return !e.inner.Matches(tags) }
func (e notExpr) String() string                    { return "!" + e.inner.String() }

type andExpr struct{ operands []Expr }

func (e andExpr) Matches(tags map[string]bool) bool {
	for _, op := range e.operands {
		if !op.Matches(tags) {
			return false
		}
	}
	return true
}

func (e andExpr) String() string {
	parts := make([]string, len(e.operands))
	for i, op := range e.operands {
		parts[i] = parenthesize(op)
	}
	return strings.Join(parts, "+")
}

type orExpr struct{ operands []Expr }

func (e orExpr) Matches(tags map[string]bool) bool {
	for _, op := range e.operands {
		if op.Matches(tags) {
			return true
		}
	}
	return false
}

func (e orExpr) String() string {
	parts := make([]string, len(e.operands))
	for i, op := range e.operands {
		parts[i] = parenthesize(op)
	}
	return strings.Join(parts, ",")
}

func parenthesize(e Expr) string {
	switch e.(type) {
	case orExpr, andExpr:
		return "(" + e.String() + ")"
	default:
		return e.String()
	}
}

// MatchAll admits every tag set. Used when a session carries no filter.
var MatchAll Expr = matchAll{}

type matchAll struct{}

func (matchAll) Matches(map[string]bool) bool { return true }
func (matchAll) String() string               { return "" }

// And conjoins two expressions, dropping MatchAll operands. Used to
// intersect a token's scope set with a session's filter.
func And(a, b Expr) Expr {
	if _, ok := a.(matchAll); ok || a == nil {
		if b == nil {
			return MatchAll
		}
		return b
	}
	if _, ok := b.(matchAll); ok || b == nil {
		return a
	}
	return andExpr{operands: []Expr{a, b}}
}

// AnyOf builds an OR expression over plain tag names. This backs the
// deprecated `tags=a,b,c` query parameter.
func AnyOf(names []string) Expr {
	operands := make([]Expr, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			operands = append(operands, tagExpr{name: n})
		}
	}
	if len(operands) == 0 {
		return MatchAll
	}
	if len(operands) == 1 {
		return operands[0]
	}
	return orExpr{operands: operands}
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokOr
	tokAnd
	tokNot
	tokLParen
	tokRParen
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	input string
	pos   int
}

func isIdentRune(r byte) bool {
	return r == '-' || r == '_' || r == ':' ||
		(r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.input) && (l.input[l.pos] == ' ' || l.input[l.pos] == '\t') {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}
	start := l.pos
	switch c := l.input[l.pos]; {
	case c == ',':
		l.pos++
		return token{kind: tokOr, text: ",", pos: start}, nil
	case c == '+':
		l.pos++
		return token{kind: tokAnd, text: "+", pos: start}, nil
	case c == '!':
		l.pos++
		return token{kind: tokNot, text: "!", pos: start}, nil
	case c == '(':
		l.pos++
		return token{kind: tokLParen, text: "(", pos: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, text: ")", pos: start}, nil
	case c == '|':
		if l.pos+1 < len(l.input) && l.input[l.pos+1] == '|' {
			l.pos += 2
			return token{kind: tokOr, text: "||", pos: start}, nil
		}
		return token{}, fmt.Errorf("unexpected character %q at position %d", c, start)
	case c == '&':
		if l.pos+1 < len(l.input) && l.input[l.pos+1] == '&' {
			l.pos += 2
			return token{kind: tokAnd, text: "&&", pos: start}, nil
		}
		return token{}, fmt.Errorf("unexpected character %q at position %d", c, start)
	case isIdentRune(c):
		for l.pos < len(l.input) && isIdentRune(l.input[l.pos]) {
			l.pos++
		}
		word := l.input[start:l.pos]
		switch word {
		case "or":
			return token{kind: tokOr, text: word, pos: start}, nil
		case "and":
			return token{kind: tokAnd, text: word, pos: start}, nil
		case "not":
			return token{kind: tokNot, text: word, pos: start}, nil
		}
		return token{kind: tokIdent, text: word, pos: start}, nil
	default:
		return token{}, fmt.Errorf("unexpected character %q at position %d", c, start)
	}
}

type parser struct {
	lex  lexer
	tok  token
	prev token
}

func (p *parser) advance() error {
	p.prev = p.tok
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

// Parse parses a tag-filter expression. An empty or blank input yields
// MatchAll.
func Parse(input string) (Expr, error) {
	if strings.TrimSpace(input) == "" {
		return MatchAll, nil
	}
	p := &parser{lex: lexer{input: input}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected token %q at position %d", p.tok.text, p.tok.pos)
	}
	return expr, nil
}

func (p *parser) parseOr() (Expr, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	operands := []Expr{first}
	for p.tok.kind == tokOr {
		if err := p.advance(); err != nil {
			return nil, err
		}
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		operands = append(operands, next)
	}
	if len(operands) == 1 {
		return first, nil
	}
	return orExpr{operands: operands}, nil
}

func (p *parser) parseAnd() (Expr, error) {
	first, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	operands := []Expr{first}
	for p.tok.kind == tokAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}
		next, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		operands = append(operands, next)
	}
	if len(operands) == 1 {
		return first, nil
	}
	return andExpr{operands: operands}, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.tok.kind == tokNot {
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseAtom()
		if err != nil {
			return nil, err
		}
		return notExpr{inner: inner}, nil
	}
	return p.parseAtom()
}

func (p *parser) parseAtom() (Expr, error) {
	switch p.tok.kind {
	case tokIdent:
		name := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return tagExpr{name: name}, nil
	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis at position %d", p.tok.pos)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return inner, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression after %q", p.prev.text)
	default:
		return nil, fmt.Errorf("unexpected token %q at position %d", p.tok.text, p.tok.pos)
	}
}

// TagSet converts a slice of tag names into the set form Matches expects.
func TagSet(tags []string) map[string]bool {
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		set[t] = true
	}
	return set
}
