// Package pipeline defines the domain types shared across the engine — job
// specs, failure classes, job and run states — and persists per-run state as
// JSON on disk.
package pipeline

import "time"

// FailureClass categorizes why a job attempt failed.
type FailureClass string

const (
	// FailInfrastructure covers worker crashes, network blips, and any error
	// raised by the execution adapter itself. Auto-retried by default.
	FailInfrastructure FailureClass = "infrastructure"
	// FailScript is a nonzero exit from the job's script. Only retried when a
	// job explicitly lists it in retry.on.
	FailScript FailureClass = "script"
	// FailExternalTimeout means a cross-pipeline need did not become
	// satisfied within the poll timeout. Never auto-retried.
	FailExternalTimeout FailureClass = "external_timeout"
	// FailConfig marks a pre-execution configuration error.
	FailConfig FailureClass = "config"
)

// JobState is the scheduler's per-job state machine position.
type JobState string

const (
	StatePending   JobState = "pending"
	StateManual    JobState = "manual" // gated, waiting for an explicit release
	StateReady     JobState = "ready"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
	StateSkipped   JobState = "skipped"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether s is a terminal state.
func (s JobState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateSkipped, StateCancelled:
		return true
	}
	return false
}

// RunStatus is the aggregate status of a pipeline run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// RetryPolicy bounds automatic re-execution of a failed job.
type RetryPolicy struct {
	Max int            `json:"max"`
	On  []FailureClass `json:"on,omitempty"`
}

// Retryable reports whether a failure of the given class is auto-retried.
// With no explicit class list only infrastructure failures are retried.
func (r RetryPolicy) Retryable(class FailureClass) bool {
	if r.Max <= 0 {
		return false
	}
	if len(r.On) == 0 {
		return class == FailInfrastructure
	}
	for _, c := range r.On {
		if c == class {
			return true
		}
	}
	return false
}

// EmitWhen controls on which job outcomes artifacts are uploaded.
type EmitWhen string

const (
	EmitOnSuccess EmitWhen = "on_success"
	EmitOnFailure EmitWhen = "on_failure"
	EmitAlways    EmitWhen = "always"
)

// ArtifactPolicy describes what a job uploads and how long it is kept.
type ArtifactPolicy struct {
	Paths     []string      `json:"paths,omitempty"`
	Retention time.Duration `json:"retention,omitempty"`
	EmitWhen  EmitWhen      `json:"emit_when,omitempty"`
}

// Emits reports whether artifacts should be uploaded for the given outcome.
func (p ArtifactPolicy) Emits(succeeded bool) bool {
	if len(p.Paths) == 0 {
		return false
	}
	switch p.EmitWhen {
	case EmitOnFailure:
		return !succeeded
	case EmitAlways:
		return true
	default:
		return succeeded
	}
}

// NeedRef names a dependency of a job. A need with a project designates a
// cross-pipeline dependency: the scheduler polls the external pipeline's
// completion instead of waiting on a local DAG node.
type NeedRef struct {
	Job               string `json:"job"`
	Project           string `json:"project,omitempty"`
	Ref               string `json:"ref,omitempty"`
	ArtifactsRequired bool   `json:"artifacts,omitempty"`
}

// External reports whether the need targets another pipeline.
func (n NeedRef) External() bool { return n.Project != "" }

// JobSpec is a fully materialized job definition: templates resolved,
// defaults applied, rules already evaluated into the run's active set.
type JobSpec struct {
	Name          string            `json:"name"`
	Stage         string            `json:"stage"`
	Script        string            `json:"script"`
	Needs         []NeedRef         `json:"needs,omitempty"`
	Variables     map[string]string `json:"variables,omitempty"`
	Retry         RetryPolicy       `json:"retry"`
	Artifacts     ArtifactPolicy    `json:"artifacts"`
	AllowFailure  bool              `json:"allow_failure,omitempty"`
	Interruptible bool              `json:"interruptible,omitempty"`
}

// HasNeeds reports whether the job runs in DAG mode rather than behind the
// stage barrier.
func (j JobSpec) HasNeeds() bool { return len(j.Needs) > 0 }

// JobResult is the recorded outcome of one job within a finished or running
// pipeline run.
type JobResult struct {
	Name     string       `json:"name"`
	Stage    string       `json:"stage"`
	State    JobState     `json:"state"`
	Attempt  int          `json:"attempt"`
	Class    FailureClass `json:"class,omitempty"`
	Duration string       `json:"duration,omitempty"`
}

// RunState is the persisted state of a single pipeline run.
type RunState struct {
	ID        string      `json:"id"`
	Ref       string      `json:"ref"`
	CommitSHA string      `json:"commit_sha"`
	Source    string      `json:"source"`
	Status    RunStatus   `json:"status"`
	Jobs      []JobResult `json:"jobs"`
	Error     string      `json:"error,omitempty"` // configuration error text, if any
	CreatedAt string      `json:"created_at"`
	UpdatedAt string      `json:"updated_at"`
}
