// Package graph builds the DAG of job runs for one pipeline run from the
// active job set: stage-barrier edges by default, explicit needs edges in
// DAG mode, and poll nodes for cross-pipeline needs.
package graph

import (
	"fmt"

	"github.com/conveyor-ci/conveyor/internal/pipeline"
)

// Kind distinguishes locally executable jobs from cross-pipeline poll nodes.
type Kind int

const (
	// JobNode is a locally scheduled job.
	JobNode Kind = iota
	// PollNode stands for an external pipeline's job. It is never executed
	// locally; its readiness is a predicate the scheduler checks by polling.
	PollNode
)

// Edge is an inbound dependency of a node.
type Edge struct {
	From *Node
	// ArtifactsRequired marks a needs edge that must see artifacts from a
	// succeeded dependency; an allow_failure dependency that failed does not
	// satisfy it.
	ArtifactsRequired bool
}

// Node is one JobRun-to-be in the DAG.
type Node struct {
	Kind Kind
	Spec pipeline.JobSpec

	// Manual marks a job gated behind an explicit release (when: manual).
	Manual bool

	// Need holds the external reference for poll nodes.
	Need pipeline.NeedRef

	Deps       []Edge
	Dependents []*Node
}

// Name returns the node's identity: the job name, or a synthetic name for
// poll nodes.
func (n *Node) Name() string {
	if n.Kind == PollNode {
		return fmt.Sprintf("external:%s@%s/%s", n.Need.Project, n.Need.Ref, n.Need.Job)
	}
	return n.Spec.Name
}

// Graph is the validated DAG for one pipeline run.
type Graph struct {
	// Nodes holds every node keyed by Node.Name(), poll nodes included.
	Nodes map[string]*Node
	// Order lists job node names in deterministic (stage, name) order.
	Order []string
}

// Jobs returns the job nodes in deterministic order.
func (g *Graph) Jobs() []*Node {
	out := make([]*Node, 0, len(g.Order))
	for _, name := range g.Order {
		out = append(out, g.Nodes[name])
	}
	return out
}

// ConfigError is a fatal pre-execution configuration error: a cycle, a
// missing required need, or a stage-order violation found at build time.
// No job starts when one is raised.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}
