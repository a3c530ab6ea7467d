package rules

import (
	"testing"

	"github.com/conveyor-ci/conveyor/internal/pipectx"
)

func mustCompile(t *testing.T, condition string) Predicate {
	t.Helper()
	p, err := Compile(condition)
	if err != nil {
		t.Fatalf("compile %q: %v", condition, err)
	}
	return p
}

func TestEvaluate_FirstMatchWins(t *testing.T) {
	ctx := testCtx(t, pipectx.TriggerEvent{Ref: "master"})

	clauses := []Clause{
		{If: mustCompile(t, `ref == "master"`), When: WhenManual},
		{If: mustCompile(t, ``), When: WhenAlways},
	}
	d := Evaluate(clauses, ctx)
	if !d.Include || d.When != WhenManual {
		t.Errorf("decision = %+v, want include with when=manual", d)
	}

	// A non-matching first clause falls through.
	clauses[0].If = mustCompile(t, `ref == "develop"`)
	d = Evaluate(clauses, ctx)
	if !d.Include || d.When != WhenAlways {
		t.Errorf("decision = %+v, want include with when=always", d)
	}
}

func TestEvaluate_NeverShortCircuits(t *testing.T) {
	ctx := testCtx(t, pipectx.TriggerEvent{Ref: "master"})

	// A matching never clause stops evaluation even with a catch-all below.
	clauses := []Clause{
		{If: mustCompile(t, `ref == "master"`), When: WhenNever},
		{If: mustCompile(t, ``), When: WhenOnSuccess},
	}
	d := Evaluate(clauses, ctx)
	if d.Include {
		t.Errorf("decision = %+v, want excluded", d)
	}
}

func TestEvaluate_NoMatchExcludes(t *testing.T) {
	ctx := testCtx(t, pipectx.TriggerEvent{Ref: "feature/x"})

	clauses := []Clause{
		{If: mustCompile(t, `ref == "master"`), When: WhenOnSuccess},
	}
	if d := Evaluate(clauses, ctx); d.Include {
		t.Errorf("decision = %+v, want excluded", d)
	}
	if d := Evaluate(nil, ctx); d.Include {
		t.Errorf("empty clause list: decision = %+v, want excluded", d)
	}
}

func TestEvaluate_DefaultWhen(t *testing.T) {
	ctx := testCtx(t, pipectx.TriggerEvent{Ref: "master"})

	clauses := []Clause{{If: mustCompile(t, ``)}}
	d := Evaluate(clauses, ctx)
	if !d.Include || d.When != WhenOnSuccess {
		t.Errorf("decision = %+v, want include with when=on_success", d)
	}
}

func TestEvaluate_ChangesFilter(t *testing.T) {
	ctx := testCtx(t, pipectx.TriggerEvent{
		Ref:          "master",
		ChangedPaths: []string{"docs/intro.md", "src/main.go"},
	})

	// Predicate and changes filter are conjunctive.
	clauses := []Clause{
		{If: mustCompile(t, `ref == "master"`), Changes: []string{"docs/**"}, When: WhenOnSuccess},
	}
	if d := Evaluate(clauses, ctx); !d.Include {
		t.Errorf("decision = %+v, want included: docs changed", d)
	}

	clauses[0].Changes = []string{"vendor/**"}
	if d := Evaluate(clauses, ctx); d.Include {
		t.Errorf("decision = %+v, want excluded: no vendor change", d)
	}

	// A failing changes filter lets later clauses match.
	clauses = append(clauses, Clause{If: mustCompile(t, ``), When: WhenManual})
	d := Evaluate(clauses, ctx)
	if !d.Include || d.When != WhenManual {
		t.Errorf("decision = %+v, want fall-through to manual clause", d)
	}
}

func TestEvaluate_ChangesWithNoChangedPaths(t *testing.T) {
	ctx := testCtx(t, pipectx.TriggerEvent{Ref: "master"})

	clauses := []Clause{
		{If: mustCompile(t, ``), Changes: []string{"**/*"}, When: WhenOnSuccess},
	}
	if d := Evaluate(clauses, ctx); d.Include {
		t.Errorf("decision = %+v, want excluded: no paths changed at all", d)
	}
}
