// Package template resolves reusable configuration fragments into job
// definitions. Resolution is an explicit two-pass scheme: all templates are
// parsed into a map first, then each job is materialized by structural
// deep-merge — never by textual aliasing, so no template state is shared
// with resolved jobs.
package template

import (
	"fmt"
	"sort"
)

// ErrUnknownTemplate is wrapped by Resolve when a job extends a template
// that does not exist.
var ErrUnknownTemplate = fmt.Errorf("unknown template")

// Resolve materializes one job: every fragment named in its `extends` list is
// deep-merged beneath it, in order, later fragments overriding earlier ones
// and job-local keys overriding all. Mapping values merge key-by-key; a
// scalar or sequence at a key replaces the template's value outright. The
// returned mapping is freshly built and carries no `extends` key.
func Resolve(job map[string]any, templates map[string]map[string]any) (map[string]any, error) {
	return resolve(job, templates, nil)
}

// ResolveAll resolves every job in the given set, reporting the first error.
// Jobs are processed in name order so errors are deterministic.
func ResolveAll(jobs map[string]map[string]any, templates map[string]map[string]any) (map[string]map[string]any, error) {
	names := make([]string, 0, len(jobs))
	for name := range jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]map[string]any, len(jobs))
	for _, name := range names {
		resolved, err := Resolve(jobs[name], templates)
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", name, err)
		}
		out[name] = resolved
	}
	return out, nil
}

// resolve carries the chain of template names currently being expanded, to
// reject template cycles.
func resolve(job map[string]any, templates map[string]map[string]any, chain []string) (map[string]any, error) {
	acc := make(map[string]any)

	for _, name := range extendsList(job) {
		for _, seen := range chain {
			if seen == name {
				return nil, fmt.Errorf("template cycle: %v -> %s", chain, name)
			}
		}
		tmpl, ok := templates[name]
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownTemplate, name)
		}
		// Templates may themselves extend other templates.
		expanded, err := resolve(tmpl, templates, append(chain, name))
		if err != nil {
			return nil, err
		}
		acc = deepMerge(acc, expanded)
	}

	acc = deepMerge(acc, job)
	delete(acc, "extends")
	return acc, nil
}

// extendsList reads the `extends` key as either a scalar or a sequence.
func extendsList(job map[string]any) []string {
	switch v := job["extends"].(type) {
	case string:
		return []string{v}
	case []any:
		var names []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				names = append(names, s)
			}
		}
		return names
	}
	return nil
}

// deepMerge returns a new mapping with overlay applied on top of base.
// When both sides hold a mapping at the same key the two are merged
// recursively; any other overlay value replaces the base value wholesale.
// Neither input is mutated.
func deepMerge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = copyValue(v)
	}
	for k, v := range overlay {
		bm, baseIsMap := out[k].(map[string]any)
		om, overlayIsMap := v.(map[string]any)
		if baseIsMap && overlayIsMap {
			out[k] = deepMerge(bm, om)
			continue
		}
		out[k] = copyValue(v)
	}
	return out
}

// copyValue deep-copies mappings and sequences so resolved jobs never alias
// template state.
func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = copyValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = copyValue(inner)
		}
		return out
	}
	return v
}
