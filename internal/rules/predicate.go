// Package rules evaluates ordered rule clauses against a run context. A rule
// condition is compiled once, at config-load time, into a typed Predicate
// tree; evaluation is first-match-wins across the clause list.
package rules

import (
	"regexp"

	"github.com/conveyor-ci/conveyor/internal/pipectx"
)

// Predicate is a compiled boolean condition over a run context.
type Predicate interface {
	Eval(ctx *pipectx.Context) bool
}

// True matches every context. It is the predicate of a clause with no `if:`.
type True struct{}

func (True) Eval(*pipectx.Context) bool { return true }

// RefEquals matches when the run's ref equals Ref exactly.
type RefEquals struct {
	Ref string
}

func (p RefEquals) Eval(ctx *pipectx.Context) bool { return ctx.Ref() == p.Ref }

// RefMatches matches when the run's ref matches the compiled pattern.
type RefMatches struct {
	Pattern *regexp.Regexp
}

func (p RefMatches) Eval(ctx *pipectx.Context) bool { return p.Pattern.MatchString(ctx.Ref()) }

// SourceEquals matches when the run's pipeline source equals Source.
type SourceEquals struct {
	Source pipectx.Source
}

func (p SourceEquals) Eval(ctx *pipectx.Context) bool { return ctx.Source() == p.Source }

// TagPresent matches when the run was triggered for a tag.
type TagPresent struct{}

func (TagPresent) Eval(ctx *pipectx.Context) bool { return ctx.IsTag() }

// MessageMatches matches when the commit message matches the compiled pattern.
type MessageMatches struct {
	Pattern *regexp.Regexp
}

func (p MessageMatches) Eval(ctx *pipectx.Context) bool {
	return p.Pattern.MatchString(ctx.CommitMessage())
}

// Not inverts its operand.
type Not struct {
	Inner Predicate
}

func (p Not) Eval(ctx *pipectx.Context) bool { return !p.Inner.Eval(ctx) }

// And matches when every operand matches.
type And struct {
	Operands []Predicate
}

func (p And) Eval(ctx *pipectx.Context) bool {
	for _, op := range p.Operands {
		if !op.Eval(ctx) {
			return false
		}
	}
	return true
}

// Or matches when at least one operand matches.
type Or struct {
	Operands []Predicate
}

func (p Or) Eval(ctx *pipectx.Context) bool {
	for _, op := range p.Operands {
		if op.Eval(ctx) {
			return true
		}
	}
	return false
}
