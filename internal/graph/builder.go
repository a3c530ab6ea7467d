package graph

import (
	"errors"
	"sort"

	"github.com/conveyor-ci/conveyor/internal/config"
	"github.com/conveyor-ci/conveyor/internal/rules"
)

// Build constructs and validates the DAG for one run from the materialized
// config and the rule decisions for this run's context. It runs once,
// synchronously, before anything is scheduled; any error it returns is fatal
// for the run and zero jobs start.
func Build(cfg *config.Config, decisions map[string]rules.Decision) (*Graph, error) {
	g := &Graph{Nodes: make(map[string]*Node)}

	// The active set: jobs the rule engine included for this run.
	var active []*Node
	for _, name := range cfg.JobNames() {
		d, ok := decisions[name]
		if !ok || !d.Include {
			continue
		}
		node := &Node{
			Kind:   JobNode,
			Spec:   cfg.Jobs[name].Spec,
			Manual: d.When == rules.WhenManual,
		}
		g.Nodes[name] = node
		active = append(active, node)
	}

	sort.Slice(active, func(i, j int) bool {
		si, sj := cfg.StageIndex(active[i].Spec.Stage), cfg.StageIndex(active[j].Spec.Stage)
		if si != sj {
			return si < sj
		}
		return active[i].Spec.Name < active[j].Spec.Name
	})
	for _, n := range active {
		g.Order = append(g.Order, n.Spec.Name)
	}

	// Active jobs per stage index, for barrier edges.
	byStage := make(map[int][]*Node)
	for _, n := range active {
		idx := cfg.StageIndex(n.Spec.Stage)
		if idx < 0 {
			return nil, configErrorf("job %q references undeclared stage %q", n.Spec.Name, n.Spec.Stage)
		}
		byStage[idx] = append(byStage[idx], n)
	}

	for _, n := range active {
		if n.Spec.HasNeeds() {
			// DAG mode: explicit needs replace the stage barrier entirely.
			if err := addNeedEdges(g, cfg, n, decisions); err != nil {
				return nil, err
			}
			continue
		}
		addBarrierEdges(cfg, byStage, n)
	}

	if cycle := findCycle(g); cycle != nil {
		return nil, configErrorf("dependency cycle: %s", joinCycle(cycle))
	}

	return g, nil
}

// addBarrierEdges gives a stage-barrier job an edge to every active job in
// the nearest earlier stage that has any. Skipping over stages emptied by
// rule exclusion keeps the barrier transitive.
func addBarrierEdges(cfg *config.Config, byStage map[int][]*Node, n *Node) {
	for idx := cfg.StageIndex(n.Spec.Stage) - 1; idx >= 0; idx-- {
		prev := byStage[idx]
		if len(prev) == 0 {
			continue
		}
		for _, dep := range prev {
			link(n, Edge{From: dep})
		}
		return
	}
}

// addNeedEdges overlays the explicit needs of a DAG-mode job. A need on a
// job excluded this run is vacuously satisfied — no edge — unless its
// artifacts are required, which is a fatal configuration error.
func addNeedEdges(g *Graph, cfg *config.Config, n *Node, decisions map[string]rules.Decision) error {
	for _, need := range n.Spec.Needs {
		if need.External() {
			poll := &Node{Kind: PollNode, Need: need}
			if existing, ok := g.Nodes[poll.Name()]; ok {
				poll = existing
			} else {
				g.Nodes[poll.Name()] = poll
			}
			link(n, Edge{From: poll, ArtifactsRequired: need.ArtifactsRequired})
			continue
		}

		if _, defined := cfg.Jobs[need.Job]; !defined {
			return configErrorf("job %q needs undefined job %q", n.Spec.Name, need.Job)
		}
		dep, activeDep := g.Nodes[need.Job]
		if !activeDep {
			if need.ArtifactsRequired {
				return configErrorf(
					"job %q requires artifacts from %q, which is excluded from this run",
					n.Spec.Name, need.Job)
			}
			// Excluded dependency without required artifacts: vacuously
			// satisfied for this run.
			continue
		}
		link(n, Edge{From: dep, ArtifactsRequired: need.ArtifactsRequired})
	}
	return nil
}

func link(to *Node, e Edge) {
	to.Deps = append(to.Deps, e)
	e.From.Dependents = append(e.From.Dependents, to)
}

// findCycle runs a three-color DFS over all edges and returns the nodes of
// the first cycle found, or nil.
func findCycle(g *Graph) []*Node {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[*Node]int, len(g.Nodes))
	var stack []*Node
	var cycle []*Node

	var visit func(n *Node) bool
	visit = func(n *Node) bool {
		color[n] = grey
		stack = append(stack, n)
		for _, e := range n.Deps {
			switch color[e.From] {
			case grey:
				// Slice the stack from the repeated node to close the loop.
				for i, s := range stack {
					if s == e.From {
						cycle = append([]*Node{}, stack[i:]...)
						return true
					}
				}
				cycle = append([]*Node{}, stack...)
				return true
			case white:
				if visit(e.From) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}

	names := make([]string, 0, len(g.Nodes))
	for name := range g.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if color[g.Nodes[name]] == white {
			stack = stack[:0]
			if visit(g.Nodes[name]) {
				return cycle
			}
		}
	}
	return nil
}

func joinCycle(nodes []*Node) string {
	s := ""
	for _, n := range nodes {
		if s != "" {
			s += " -> "
		}
		s += n.Name()
	}
	if len(nodes) > 0 {
		s += " -> " + nodes[0].Name()
	}
	return s
}

// IsConfigError reports whether err is a fatal configuration error raised at
// graph build time.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
