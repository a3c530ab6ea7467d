package graph

import (
	"strings"
	"testing"

	"github.com/conveyor-ci/conveyor/internal/config"
	"github.com/conveyor-ci/conveyor/internal/pipeline"
	"github.com/conveyor-ci/conveyor/internal/rules"
)

// testConfig builds a materialized config from job specs without going
// through YAML.
func testConfig(stages []string, specs ...pipeline.JobSpec) *config.Config {
	cfg := &config.Config{
		Name:   "test",
		Stages: stages,
		Jobs:   make(map[string]*config.Job, len(specs)),
	}
	for _, s := range specs {
		cfg.Jobs[s.Name] = &config.Job{Spec: s}
	}
	return cfg
}

func includeAll(cfg *config.Config) map[string]rules.Decision {
	d := make(map[string]rules.Decision, len(cfg.Jobs))
	for name := range cfg.Jobs {
		d[name] = rules.Decision{Include: true, When: rules.WhenOnSuccess}
	}
	return d
}

func depNames(n *Node) []string {
	var names []string
	for _, e := range n.Deps {
		names = append(names, e.From.Name())
	}
	return names
}

func TestBuild_StageBarrier(t *testing.T) {
	cfg := testConfig([]string{"build", "test", "deploy"},
		pipeline.JobSpec{Name: "compile", Stage: "build"},
		pipeline.JobSpec{Name: "unit", Stage: "test"},
		pipeline.JobSpec{Name: "lint", Stage: "test"},
		pipeline.JobSpec{Name: "ship", Stage: "deploy"},
	)

	g, err := Build(cfg, includeAll(cfg))
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	wantOrder := []string{"compile", "lint", "unit", "ship"}
	if strings.Join(g.Order, ",") != strings.Join(wantOrder, ",") {
		t.Errorf("order = %v, want %v", g.Order, wantOrder)
	}

	if got := depNames(g.Nodes["compile"]); len(got) != 0 {
		t.Errorf("compile deps = %v, want none", got)
	}
	for _, name := range []string{"unit", "lint"} {
		got := depNames(g.Nodes[name])
		if len(got) != 1 || got[0] != "compile" {
			t.Errorf("%s deps = %v, want [compile]", name, got)
		}
	}
	ship := depNames(g.Nodes["ship"])
	if len(ship) != 2 {
		t.Errorf("ship deps = %v, want both test jobs", ship)
	}
}

func TestBuild_BarrierSkipsEmptiedStage(t *testing.T) {
	cfg := testConfig([]string{"build", "test", "deploy"},
		pipeline.JobSpec{Name: "compile", Stage: "build"},
		pipeline.JobSpec{Name: "unit", Stage: "test"},
		pipeline.JobSpec{Name: "ship", Stage: "deploy"},
	)
	decisions := includeAll(cfg)
	decisions["unit"] = rules.Exclude

	g, err := Build(cfg, decisions)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := g.Nodes["unit"]; ok {
		t.Error("excluded job must not appear in the graph")
	}
	// With the test stage empty, deploy waits on build directly.
	got := depNames(g.Nodes["ship"])
	if len(got) != 1 || got[0] != "compile" {
		t.Errorf("ship deps = %v, want [compile]", got)
	}
}

func TestBuild_NeedsReplaceBarrier(t *testing.T) {
	cfg := testConfig([]string{"build", "test"},
		pipeline.JobSpec{Name: "a", Stage: "build"},
		pipeline.JobSpec{Name: "b", Stage: "build"},
		pipeline.JobSpec{Name: "fast", Stage: "test", Needs: []pipeline.NeedRef{{Job: "a"}}},
	)

	g, err := Build(cfg, includeAll(cfg))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	// DAG mode: only the declared need, not the whole previous stage.
	got := depNames(g.Nodes["fast"])
	if len(got) != 1 || got[0] != "a" {
		t.Errorf("fast deps = %v, want [a]", got)
	}
}

func TestBuild_ExcludedNeedVacuouslySatisfied(t *testing.T) {
	cfg := testConfig([]string{"build", "test"},
		pipeline.JobSpec{Name: "a", Stage: "build"},
		pipeline.JobSpec{Name: "b", Stage: "test", Needs: []pipeline.NeedRef{{Job: "a"}}},
	)
	decisions := includeAll(cfg)
	decisions["a"] = rules.Exclude

	g, err := Build(cfg, decisions)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := depNames(g.Nodes["b"]); len(got) != 0 {
		t.Errorf("b deps = %v, want none (vacuous need)", got)
	}
}

func TestBuild_ExcludedNeedWithRequiredArtifacts(t *testing.T) {
	cfg := testConfig([]string{"build", "test"},
		pipeline.JobSpec{Name: "a", Stage: "build"},
		pipeline.JobSpec{Name: "b", Stage: "test",
			Needs: []pipeline.NeedRef{{Job: "a", ArtifactsRequired: true}}},
	)
	decisions := includeAll(cfg)
	decisions["a"] = rules.Exclude

	_, err := Build(cfg, decisions)
	if err == nil {
		t.Fatal("expected config error")
	}
	if !IsConfigError(err) {
		t.Errorf("err = %v, want ConfigError", err)
	}
	if !strings.Contains(err.Error(), "requires artifacts") {
		t.Errorf("err = %v", err)
	}
}

func TestBuild_UndefinedNeed(t *testing.T) {
	cfg := testConfig([]string{"build"},
		pipeline.JobSpec{Name: "a", Stage: "build", Needs: []pipeline.NeedRef{{Job: "ghost"}}},
	)
	_, err := Build(cfg, includeAll(cfg))
	if err == nil || !IsConfigError(err) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
}

func TestBuild_CycleDetected(t *testing.T) {
	cfg := testConfig([]string{"build"},
		pipeline.JobSpec{Name: "a", Stage: "build", Needs: []pipeline.NeedRef{{Job: "b"}}},
		pipeline.JobSpec{Name: "b", Stage: "build", Needs: []pipeline.NeedRef{{Job: "c"}}},
		pipeline.JobSpec{Name: "c", Stage: "build", Needs: []pipeline.NeedRef{{Job: "a"}}},
	)

	_, err := Build(cfg, includeAll(cfg))
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !IsConfigError(err) {
		t.Errorf("err = %v, want ConfigError", err)
	}
	if !strings.Contains(err.Error(), "dependency cycle") {
		t.Errorf("err = %v", err)
	}
}

func TestBuild_ExternalNeedsShareOnePollNode(t *testing.T) {
	ext := pipeline.NeedRef{Job: "publish", Project: "shared-lib", Ref: "master"}
	cfg := testConfig([]string{"build"},
		pipeline.JobSpec{Name: "a", Stage: "build", Needs: []pipeline.NeedRef{ext}},
		pipeline.JobSpec{Name: "b", Stage: "build", Needs: []pipeline.NeedRef{ext}},
	)

	g, err := Build(cfg, includeAll(cfg))
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	pollName := "external:shared-lib@master/publish"
	poll, ok := g.Nodes[pollName]
	if !ok {
		t.Fatalf("poll node %q missing; nodes: %v", pollName, len(g.Nodes))
	}
	if poll.Kind != PollNode {
		t.Error("expected a poll node")
	}
	if len(poll.Dependents) != 2 {
		t.Errorf("poll dependents = %d, want 2 (shared node)", len(poll.Dependents))
	}
	// Poll nodes never appear in the job order.
	for _, name := range g.Order {
		if name == pollName {
			t.Error("poll node leaked into job order")
		}
	}
}

func TestBuild_ManualFlag(t *testing.T) {
	cfg := testConfig([]string{"deploy"},
		pipeline.JobSpec{Name: "ship", Stage: "deploy"},
	)
	decisions := map[string]rules.Decision{
		"ship": {Include: true, When: rules.WhenManual},
	}
	g, err := Build(cfg, decisions)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !g.Nodes["ship"].Manual {
		t.Error("ship should be manual-gated")
	}
}

func TestBuild_EmptyActiveSet(t *testing.T) {
	cfg := testConfig([]string{"build"},
		pipeline.JobSpec{Name: "a", Stage: "build"},
	)
	g, err := Build(cfg, map[string]rules.Decision{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(g.Order) != 0 || len(g.Nodes) != 0 {
		t.Errorf("graph not empty: %v", g.Order)
	}
}
