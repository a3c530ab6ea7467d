// Package config parses and validates the declarative pipeline configuration:
// an ordered stage list, reusable template fragments, and job definitions
// with rules, needs, retry policy, and artifact policy.
package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// File is the top-level structure parsed from pipeline YAML. Template
// fragments and jobs are kept as generic mappings until template resolution
// has run; only then are they decoded into typed job definitions.
type File struct {
	Pipeline Pipeline `yaml:"pipeline"`
}

// Pipeline defines the full pipeline: metadata, stage order, defaults,
// reusable templates, and jobs.
type Pipeline struct {
	Name      string                    `yaml:"name"`
	Project   string                    `yaml:"project"`
	Stages    []string                  `yaml:"stages"`
	Defaults  Defaults                  `yaml:"defaults"`
	Templates map[string]map[string]any `yaml:"templates"`
	Jobs      map[string]map[string]any `yaml:"jobs"`
}

// Defaults holds values applied to jobs that don't specify their own.
type Defaults struct {
	Retry         *Retry            `yaml:"retry"`
	Artifacts     *Artifacts        `yaml:"artifacts"`
	Variables     map[string]string `yaml:"variables"`
	Interruptible bool              `yaml:"interruptible"`
}

// JobDef is a typed job definition, decoded after template resolution.
type JobDef struct {
	Stage         string            `yaml:"stage"`
	Script        string            `yaml:"script"`
	Extends       StringList        `yaml:"extends"`
	Rules         []Rule            `yaml:"rules"`
	Needs         []Need            `yaml:"needs"`
	Variables     map[string]string `yaml:"variables"`
	Retry         *Retry            `yaml:"retry"`
	Artifacts     *Artifacts        `yaml:"artifacts"`
	AllowFailure  bool              `yaml:"allow_failure"`
	Interruptible *bool             `yaml:"interruptible"`
}

// Rule is one clause in a job's ordered rule list.
type Rule struct {
	If      string   `yaml:"if"`
	Changes []string `yaml:"changes"`
	When    string   `yaml:"when"`
}

// Need names a dependency. In YAML it is either a bare job name or a mapping
// with job/project/ref/artifacts keys.
type Need struct {
	Job       string `yaml:"job"`
	Project   string `yaml:"project"`
	Ref       string `yaml:"ref"`
	Artifacts bool   `yaml:"artifacts"`
}

// UnmarshalYAML accepts both `- jobname` and the mapping form.
func (n *Need) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		n.Job = node.Value
		return nil
	}
	type plain Need
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*n = Need(p)
	return nil
}

// Retry bounds automatic re-execution of a failed job.
type Retry struct {
	Max int      `yaml:"max"`
	On  []string `yaml:"on"`
}

// Artifacts describes what a job uploads and for how long it is retained.
type Artifacts struct {
	Paths    []string `yaml:"paths"`
	ExpireIn string   `yaml:"expire_in"`
	When     string   `yaml:"when"`
}

// StringList accepts both a single YAML scalar and a sequence of scalars.
type StringList []string

// UnmarshalYAML decodes either form into a slice.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*l = StringList{node.Value}
		return nil
	}
	var items []string
	if err := node.Decode(&items); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*l = items
	return nil
}
