package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/conveyor-ci/conveyor/internal/pipectx"
)

// Compile parses a rule condition string into a Predicate. The grammar covers
// equality and regex comparisons on ref, source, and message, a tag check,
// and boolean combinators:
//
//	ref == "master" && source != "schedule"
//	ref =~ /^release\// || is_tag
//	!(message =~ /\[skip ci\]/)
//
// An empty condition compiles to True (the clause always matches).
func Compile(condition string) (Predicate, error) {
	if strings.TrimSpace(condition) == "" {
		return True{}, nil
	}
	toks, err := lex(condition)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	pred, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, fmt.Errorf("condition %q: unexpected %q", condition, p.peek().text)
	}
	return pred, nil
}

type tokenKind int

const (
	tokField tokenKind = iota // ref, source, message
	tokIsTag
	tokOp     // == != =~ !~
	tokString // "..."
	tokRegex  // /.../
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
}

func lex(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case strings.HasPrefix(s[i:], "&&"):
			toks = append(toks, token{tokAnd, "&&"})
			i += 2
		case strings.HasPrefix(s[i:], "||"):
			toks = append(toks, token{tokOr, "||"})
			i += 2
		case strings.HasPrefix(s[i:], "=="), strings.HasPrefix(s[i:], "!="),
			strings.HasPrefix(s[i:], "=~"), strings.HasPrefix(s[i:], "!~"):
			toks = append(toks, token{tokOp, s[i : i+2]})
			i += 2
		case c == '!':
			toks = append(toks, token{tokNot, "!"})
			i++
		case c == '"':
			end := strings.IndexByte(s[i+1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("unterminated string in condition %q", s)
			}
			toks = append(toks, token{tokString, s[i+1 : i+1+end]})
			i += end + 2
		case c == '/':
			body, n, ok := scanRegex(s[i+1:])
			if !ok {
				return nil, fmt.Errorf("unterminated regex in condition %q", s)
			}
			toks = append(toks, token{tokRegex, body})
			i += n + 2
		default:
			j := i
			for j < len(s) && (isIdentChar(s[j])) {
				j++
			}
			if j == i {
				return nil, fmt.Errorf("unexpected character %q in condition %q", c, s)
			}
			word := s[i:j]
			switch word {
			case "ref", "source", "message":
				toks = append(toks, token{tokField, word})
			case "is_tag":
				toks = append(toks, token{tokIsTag, word})
			default:
				return nil, fmt.Errorf("unknown identifier %q in condition %q", word, s)
			}
			i = j
		}
	}
	return toks, nil
}

// scanRegex reads the body of a /.../ literal, starting after the opening
// slash. A backslash escapes the character after it, so `\/` embeds a slash
// in the pattern; every other escape is passed through untouched for
// regexp.Compile. Returns the body and the number of input bytes consumed up
// to the closing slash.
func scanRegex(s string) (body string, n int, ok bool) {
	var b strings.Builder
	for n < len(s) {
		c := s[n]
		if c == '\\' && n+1 < len(s) {
			if s[n+1] == '/' {
				b.WriteByte('/')
			} else {
				b.WriteByte('\\')
				b.WriteByte(s[n+1])
			}
			n += 2
			continue
		}
		if c == '/' {
			return b.String(), n, true
		}
		b.WriteByte(c)
		n++
	}
	return "", 0, false
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) done() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() token {
	if p.done() {
		return token{}
	}
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) parseOr() (Predicate, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	operands := []Predicate{left}
	for !p.done() && p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		operands = append(operands, right)
	}
	if len(operands) == 1 {
		return left, nil
	}
	return Or{Operands: operands}, nil
}

func (p *parser) parseAnd() (Predicate, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	operands := []Predicate{left}
	for !p.done() && p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		operands = append(operands, right)
	}
	if len(operands) == 1 {
		return left, nil
	}
	return And{Operands: operands}, nil
}

func (p *parser) parseUnary() (Predicate, error) {
	if !p.done() && p.peek().kind == tokNot {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Not{Inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Predicate, error) {
	switch t := p.next(); t.kind {
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return inner, nil
	case tokIsTag:
		return TagPresent{}, nil
	case tokField:
		return p.parseComparison(t.text)
	default:
		return nil, fmt.Errorf("unexpected token %q", t.text)
	}
}

func (p *parser) parseComparison(field string) (Predicate, error) {
	op := p.next()
	if op.kind != tokOp {
		return nil, fmt.Errorf("expected comparison operator after %q, got %q", field, op.text)
	}
	val := p.next()

	switch op.text {
	case "==", "!=":
		if val.kind != tokString {
			return nil, fmt.Errorf("%s %s expects a quoted string", field, op.text)
		}
		pred, err := equalityPredicate(field, val.text)
		if err != nil {
			return nil, err
		}
		if op.text == "!=" {
			return Not{Inner: pred}, nil
		}
		return pred, nil
	case "=~", "!~":
		if val.kind != tokRegex {
			return nil, fmt.Errorf("%s %s expects a /regex/", field, op.text)
		}
		re, err := regexp.Compile(val.text)
		if err != nil {
			return nil, fmt.Errorf("bad regex /%s/: %w", val.text, err)
		}
		pred, err := regexPredicate(field, re)
		if err != nil {
			return nil, err
		}
		if op.text == "!~" {
			return Not{Inner: pred}, nil
		}
		return pred, nil
	}
	return nil, fmt.Errorf("unknown operator %q", op.text)
}

func equalityPredicate(field, value string) (Predicate, error) {
	switch field {
	case "ref":
		return RefEquals{Ref: value}, nil
	case "source":
		if !pipectx.IsValidSource(value) {
			return nil, fmt.Errorf("unknown pipeline source %q", value)
		}
		return SourceEquals{Source: pipectx.Source(value)}, nil
	case "message":
		// Exact-match on message is expressed as an anchored regex.
		return MessageMatches{Pattern: regexp.MustCompile("^" + regexp.QuoteMeta(value) + "$")}, nil
	}
	return nil, fmt.Errorf("field %q does not support equality", field)
}

func regexPredicate(field string, re *regexp.Regexp) (Predicate, error) {
	switch field {
	case "ref":
		return RefMatches{Pattern: re}, nil
	case "message":
		return MessageMatches{Pattern: re}, nil
	case "source":
		return nil, fmt.Errorf("source does not support regex match")
	}
	return nil, fmt.Errorf("field %q does not support regex match", field)
}
