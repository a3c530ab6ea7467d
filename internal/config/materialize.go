package config

import (
	"fmt"
	"sort"

	"github.com/conveyor-ci/conveyor/internal/pipeline"
	"github.com/conveyor-ci/conveyor/internal/rules"
	"github.com/conveyor-ci/conveyor/internal/template"
)

// Config is a fully materialized pipeline configuration: templates resolved,
// defaults applied, rule conditions compiled.
type Config struct {
	Name    string
	Project string
	Stages  []string
	Jobs    map[string]*Job
}

// Job pairs a materialized job spec with its compiled rule clauses.
type Job struct {
	Spec  pipeline.JobSpec
	Rules []rules.Clause
}

// StageIndex returns the position of a stage in the ordered stage list, or
// -1 if the stage is not declared.
func (c *Config) StageIndex(stage string) int {
	for i, s := range c.Stages {
		if s == stage {
			return i
		}
	}
	return -1
}

// JobNames returns all job names in deterministic order.
func (c *Config) JobNames() []string {
	names := make([]string, 0, len(c.Jobs))
	for name := range c.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Materialize turns a parsed file into a Config. It resolves templates,
// applies defaults, and compiles every rule condition. Callers should run
// Validate first for exhaustive error reporting; Materialize stops at the
// first error.
func Materialize(f *File) (*Config, error) {
	p := f.Pipeline

	resolved, err := template.ResolveAll(p.Jobs, p.Templates)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Name:    p.Name,
		Project: p.Project,
		Stages:  p.Stages,
		Jobs:    make(map[string]*Job, len(resolved)),
	}

	for name, raw := range resolved {
		def, err := decodeJobDef(raw)
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", name, err)
		}
		applyDefaults(def, p.Defaults)

		job, err := buildJob(name, def)
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", name, err)
		}
		cfg.Jobs[name] = job
	}

	return cfg, nil
}

// buildJob converts a typed job definition into a spec plus compiled clauses.
func buildJob(name string, def *JobDef) (*Job, error) {
	clauses, err := compileRules(def.Rules)
	if err != nil {
		return nil, err
	}

	spec := pipeline.JobSpec{
		Name:         name,
		Stage:        def.Stage,
		Script:       def.Script,
		Variables:    def.Variables,
		AllowFailure: def.AllowFailure,
	}
	if def.Interruptible != nil {
		spec.Interruptible = *def.Interruptible
	}

	for _, n := range def.Needs {
		spec.Needs = append(spec.Needs, pipeline.NeedRef{
			Job:               n.Job,
			Project:           n.Project,
			Ref:               n.Ref,
			ArtifactsRequired: n.Artifacts,
		})
	}

	if def.Retry != nil {
		spec.Retry = pipeline.RetryPolicy{Max: def.Retry.Max}
		for _, class := range def.Retry.On {
			spec.Retry.On = append(spec.Retry.On, pipeline.FailureClass(class))
		}
	}

	if def.Artifacts != nil {
		retention, err := ParseRetention(def.Artifacts.ExpireIn)
		if err != nil {
			return nil, err
		}
		spec.Artifacts = pipeline.ArtifactPolicy{
			Paths:     def.Artifacts.Paths,
			Retention: retention,
			EmitWhen:  pipeline.EmitWhen(def.Artifacts.When),
		}
		if spec.Artifacts.EmitWhen == "" {
			spec.Artifacts.EmitWhen = pipeline.EmitOnSuccess
		}
	}

	return &Job{Spec: spec, Rules: clauses}, nil
}

// compileRules compiles the declared clause list. A job with no rules is
// included on every run.
func compileRules(raw []Rule) ([]rules.Clause, error) {
	if len(raw) == 0 {
		return []rules.Clause{{If: rules.True{}, When: rules.WhenOnSuccess}}, nil
	}

	clauses := make([]rules.Clause, 0, len(raw))
	for i, r := range raw {
		pred, err := rules.Compile(r.If)
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		when := rules.When(r.When)
		if r.When == "" {
			when = rules.WhenOnSuccess
		} else if !rules.IsValidWhen(r.When) {
			return nil, fmt.Errorf("rules[%d]: unknown when %q", i, r.When)
		}
		clauses = append(clauses, rules.Clause{If: pred, Changes: r.Changes, When: when})
	}
	return clauses, nil
}
