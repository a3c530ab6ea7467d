// Package pipectx holds the immutable per-run facts a rule evaluates against:
// the ref, commit, pipeline source, changed paths, and commit message of the
// triggering event.
package pipectx

import "fmt"

// Source identifies what kind of event triggered a pipeline run.
type Source string

const (
	SourceWeb      Source = "web"
	SourceSchedule Source = "schedule"
	SourcePush     Source = "push"
	SourcePipeline Source = "pipeline"
	SourceAPI      Source = "api"
	SourceTrigger  Source = "trigger"
)

// ValidSources lists all recognized pipeline sources.
var ValidSources = []Source{SourceWeb, SourceSchedule, SourcePush, SourcePipeline, SourceAPI, SourceTrigger}

// IsValidSource checks whether a string is a recognized pipeline source.
func IsValidSource(s string) bool {
	for _, src := range ValidSources {
		if string(src) == s {
			return true
		}
	}
	return false
}

// TriggerEvent is the record an external VCS webhook collaborator hands us.
// The engine only consumes it.
type TriggerEvent struct {
	Ref           string   `json:"ref"`
	CommitSHA     string   `json:"commit_sha"`
	IsTag         bool     `json:"is_tag"`
	Source        Source   `json:"source"`
	CommitMessage string   `json:"commit_message"`
	ChangedPaths  []string `json:"changed_paths"`
}

// Context is the immutable evaluation context for one pipeline run.
// Constructed once per triggering event; never mutated afterwards.
type Context struct {
	ref           string
	commitSHA     string
	isTag         bool
	source        Source
	commitMessage string
	changedPaths  []string
}

// New builds a Context from a trigger event. The changed-path slice is copied
// so later mutation of the event cannot leak into the run.
func New(ev TriggerEvent) (*Context, error) {
	if ev.Ref == "" {
		return nil, fmt.Errorf("trigger event has empty ref")
	}
	if !IsValidSource(string(ev.Source)) {
		return nil, fmt.Errorf("unknown pipeline source %q", ev.Source)
	}
	paths := make([]string, len(ev.ChangedPaths))
	copy(paths, ev.ChangedPaths)
	return &Context{
		ref:           ev.Ref,
		commitSHA:     ev.CommitSHA,
		isTag:         ev.IsTag,
		source:        ev.Source,
		commitMessage: ev.CommitMessage,
		changedPaths:  paths,
	}, nil
}

// Ref returns the branch or tag name the run was triggered for.
func (c *Context) Ref() string { return c.ref }

// CommitSHA returns the commit the run was triggered for.
func (c *Context) CommitSHA() string { return c.commitSHA }

// IsTag reports whether the ref is a tag.
func (c *Context) IsTag() bool { return c.isTag }

// Source returns the pipeline source of the triggering event.
func (c *Context) Source() Source { return c.source }

// CommitMessage returns the commit message of the triggering event.
func (c *Context) CommitMessage() string { return c.commitMessage }

// ChangedPaths returns a copy of the paths changed by the triggering commit.
func (c *Context) ChangedPaths() []string {
	paths := make([]string, len(c.changedPaths))
	copy(paths, c.changedPaths)
	return paths
}

// AnyPathChanged reports whether at least one changed path satisfies match.
func (c *Context) AnyPathChanged(match func(path string) bool) bool {
	for _, p := range c.changedPaths {
		if match(p) {
			return true
		}
	}
	return false
}
