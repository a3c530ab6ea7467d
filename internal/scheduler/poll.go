package scheduler

import (
	"time"

	"github.com/conveyor-ci/conveyor/internal/graph"
)

// startPoll launches the polling goroutine for one cross-pipeline need. The
// node's readiness predicate — the external job succeeded with artifacts
// present — is re-checked at a bounded interval until the overall timeout,
// after which the node fails and dependents inherit the external-timeout
// classification.
func (e *execution) startPoll(node *graph.Node) {
	need := node.Need
	go func() {
		deadline := time.NewTimer(e.s.pollTimeout)
		defer deadline.Stop()
		ticker := time.NewTicker(e.s.pollInterval)
		defer ticker.Stop()

		for {
			if e.s.poller != nil {
				if e.s.metrics != nil {
					e.s.metrics.ExternalPolls.Inc()
				}
				status, err := e.s.poller.Poll(e.ctx, need.Project, need.Ref, need.Job)
				if err == nil && status != nil && status.Succeeded && status.ArtifactsPresent {
					e.post(pollEvent{node: node, status: status})
					return
				}
				// Poll errors are transient by assumption; keep trying
				// until the deadline.
			}

			select {
			case <-e.ctx.Done():
				return
			case <-deadline.C:
				e.post(pollEvent{node: node, timeout: true})
				return
			case <-ticker.C:
			}
		}
	}()
}

// post delivers an event unless the run has already finished.
func (e *execution) post(ev any) {
	select {
	case e.mail <- ev:
	case <-e.finishedC:
	}
}
