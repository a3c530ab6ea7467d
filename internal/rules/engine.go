package rules

import (
	"github.com/conveyor-ci/conveyor/internal/glob"
	"github.com/conveyor-ci/conveyor/internal/pipectx"
)

// When controls how a matched job participates in the run.
type When string

const (
	WhenOnSuccess When = "on_success"
	WhenNever     When = "never"
	WhenManual    When = "manual"
	WhenAlways    When = "always"
)

// IsValidWhen checks whether a string is a recognized when value.
func IsValidWhen(s string) bool {
	switch When(s) {
	case WhenOnSuccess, WhenNever, WhenManual, WhenAlways:
		return true
	}
	return false
}

// Clause is one entry in a job's ordered rule list. The predicate and the
// changes filter are conjunctive: both must hold for the clause to match.
type Clause struct {
	If      Predicate
	Changes []string // glob patterns against the run's changed paths; nil = no filter
	When    When
}

// Decision is the outcome of evaluating a job's rule list for one run.
type Decision struct {
	Include bool
	When    When
}

// Exclude is the decision for a job that does not participate in the run.
var Exclude = Decision{Include: false, When: WhenNever}

// Evaluate walks clauses in declared order and returns the decision of the
// first fully-matching clause. A matching clause with when:never still stops
// evaluation: later clauses are never consulted. No match means the job is
// excluded from the active set.
func Evaluate(clauses []Clause, ctx *pipectx.Context) Decision {
	for _, c := range clauses {
		if !c.If.Eval(ctx) {
			continue
		}
		if c.Changes != nil && !ctx.AnyPathChanged(func(p string) bool {
			return glob.MatchAny(c.Changes, p)
		}) {
			// The changes filter failed: the clause as a whole does not
			// match and evaluation continues.
			continue
		}
		when := c.When
		if when == "" {
			when = WhenOnSuccess
		}
		if when == WhenNever {
			return Exclude
		}
		return Decision{Include: true, When: when}
	}
	return Exclude
}
