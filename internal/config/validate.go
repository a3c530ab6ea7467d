package config

import (
	"fmt"
	"sort"

	"github.com/conveyor-ci/conveyor/internal/glob"
	"github.com/conveyor-ci/conveyor/internal/pipeline"
	"github.com/conveyor-ci/conveyor/internal/rules"
	"github.com/conveyor-ci/conveyor/internal/template"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// maxRetryBound caps retry.max; anything larger is almost certainly a typo.
const maxRetryBound = 10

// recognizedRetryClasses is the set of failure classes retry.on may name.
var recognizedRetryClasses = map[string]bool{
	string(pipeline.FailInfrastructure): true,
	string(pipeline.FailScript):         true,
}

// Validate checks a parsed pipeline file for structural and semantic errors:
// missing fields, unknown stages, unresolved templates, bad rule conditions,
// bad globs, retry bounds, and need references that can never be satisfied.
// It returns all validation errors found (empty if valid). Any error fails
// the pipeline run before a single job starts.
func Validate(f *File) []ValidationError {
	var errs []ValidationError
	p := f.Pipeline

	if p.Name == "" {
		errs = append(errs, ValidationError{Field: "pipeline.name", Message: "is required"})
	}
	if len(p.Stages) == 0 {
		errs = append(errs, ValidationError{Field: "pipeline.stages", Message: "at least one stage is required"})
	}
	if len(p.Jobs) == 0 {
		errs = append(errs, ValidationError{Field: "pipeline.jobs", Message: "at least one job is required"})
	}

	stageIdx := make(map[string]int, len(p.Stages))
	for i, s := range p.Stages {
		if s == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("pipeline.stages[%d]", i),
				Message: "stage name must not be empty",
			})
			continue
		}
		if _, dup := stageIdx[s]; dup {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("pipeline.stages[%d]", i),
				Message: fmt.Sprintf("duplicate stage %q", s),
			})
			continue
		}
		stageIdx[s] = i
	}

	// Resolve templates up front; an unresolved or cyclic template is fatal
	// for the job that references it.
	resolved := make(map[string]*JobDef, len(p.Jobs))
	for _, name := range sortedKeys(p.Jobs) {
		field := "pipeline.jobs." + name
		merged, err := template.Resolve(p.Jobs[name], p.Templates)
		if err != nil {
			errs = append(errs, ValidationError{Field: field + ".extends", Message: err.Error()})
			continue
		}
		def, err := decodeJobDef(merged)
		if err != nil {
			errs = append(errs, ValidationError{Field: field, Message: err.Error()})
			continue
		}
		applyDefaults(def, p.Defaults)
		resolved[name] = def
	}

	for _, name := range sortedKeys(p.Jobs) {
		def, ok := resolved[name]
		if !ok {
			continue
		}
		errs = append(errs, validateJob(name, def, stageIdx, resolved)...)
	}

	return errs
}

func validateJob(name string, def *JobDef, stageIdx map[string]int, all map[string]*JobDef) []ValidationError {
	var errs []ValidationError
	field := "pipeline.jobs." + name

	if name == "" {
		errs = append(errs, ValidationError{Field: "pipeline.jobs", Message: "job name must not be empty"})
	}

	myStage, stageKnown := stageIdx[def.Stage]
	switch {
	case def.Stage == "":
		errs = append(errs, ValidationError{Field: field + ".stage", Message: "is required"})
	case !stageKnown:
		errs = append(errs, ValidationError{
			Field:   field + ".stage",
			Message: fmt.Sprintf("references undeclared stage %q", def.Stage),
		})
	}

	if def.Script == "" {
		errs = append(errs, ValidationError{Field: field + ".script", Message: "is required"})
	}

	for i, r := range def.Rules {
		rf := fmt.Sprintf("%s.rules[%d]", field, i)
		if _, err := rules.Compile(r.If); err != nil {
			errs = append(errs, ValidationError{Field: rf + ".if", Message: err.Error()})
		}
		if r.When != "" && !rules.IsValidWhen(r.When) {
			errs = append(errs, ValidationError{
				Field:   rf + ".when",
				Message: fmt.Sprintf("unknown when %q", r.When),
			})
		}
		for _, pattern := range r.Changes {
			if err := glob.Validate(pattern); err != nil {
				errs = append(errs, ValidationError{Field: rf + ".changes", Message: err.Error()})
			}
		}
	}

	for i, n := range def.Needs {
		nf := fmt.Sprintf("%s.needs[%d]", field, i)
		if n.Job == "" {
			errs = append(errs, ValidationError{Field: nf, Message: "job name is required"})
			continue
		}
		if n.Project != "" {
			if n.Ref == "" {
				errs = append(errs, ValidationError{
					Field:   nf + ".ref",
					Message: "cross-pipeline need requires an explicit ref",
				})
			}
			continue
		}
		if n.Job == name {
			errs = append(errs, ValidationError{Field: nf, Message: "job cannot need itself"})
			continue
		}
		other, ok := all[n.Job]
		if !ok {
			errs = append(errs, ValidationError{
				Field:   nf,
				Message: fmt.Sprintf("references undefined job %q", n.Job),
			})
			continue
		}
		// Needs may only point at the same or an earlier stage; a same-stage
		// need is the explicit DAG-mode edge.
		if stageKnown {
			if otherStage, ok := stageIdx[other.Stage]; ok && otherStage > myStage {
				errs = append(errs, ValidationError{
					Field: nf,
					Message: fmt.Sprintf("job %q in later stage %q cannot be needed from stage %q",
						n.Job, other.Stage, def.Stage),
				})
			}
		}
	}

	if def.Retry != nil {
		if def.Retry.Max < 0 || def.Retry.Max > maxRetryBound {
			errs = append(errs, ValidationError{
				Field:   field + ".retry.max",
				Message: fmt.Sprintf("must be between 0 and %d", maxRetryBound),
			})
		}
		for _, class := range def.Retry.On {
			if !recognizedRetryClasses[class] {
				errs = append(errs, ValidationError{
					Field:   field + ".retry.on",
					Message: fmt.Sprintf("unrecognized failure class %q", class),
				})
			}
		}
	}

	if def.Artifacts != nil {
		if len(def.Artifacts.Paths) == 0 {
			errs = append(errs, ValidationError{
				Field:   field + ".artifacts.paths",
				Message: "at least one path glob is required",
			})
		}
		for _, pattern := range def.Artifacts.Paths {
			if err := glob.Validate(pattern); err != nil {
				errs = append(errs, ValidationError{Field: field + ".artifacts.paths", Message: err.Error()})
			}
		}
		if _, err := ParseRetention(def.Artifacts.ExpireIn); err != nil {
			errs = append(errs, ValidationError{Field: field + ".artifacts.expire_in", Message: err.Error()})
		}
		switch pipeline.EmitWhen(def.Artifacts.When) {
		case "", pipeline.EmitOnSuccess, pipeline.EmitOnFailure, pipeline.EmitAlways:
		default:
			errs = append(errs, ValidationError{
				Field:   field + ".artifacts.when",
				Message: fmt.Sprintf("unknown when %q", def.Artifacts.When),
			})
		}
	}

	return errs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
