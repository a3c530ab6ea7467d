// Package scheduler executes a job graph: a bounded worker pool consumes
// ready jobs, a per-run event loop owns every state transition, and
// cross-pipeline needs are resolved by polling. The pool is shared across
// all concurrently active pipeline runs.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/conveyor-ci/conveyor/internal/artifact"
	"github.com/conveyor-ci/conveyor/internal/executor"
	"github.com/conveyor-ci/conveyor/internal/graph"
	"github.com/conveyor-ci/conveyor/internal/metrics"
	"github.com/conveyor-ci/conveyor/internal/pipeline"
)

// ExternalStatus is the answer to one poll of an external pipeline's job.
type ExternalStatus struct {
	Succeeded        bool
	ArtifactsPresent bool
	SHA              string
	Files            map[string][]byte
}

// ExternalPoller queries another engine instance (or a compatible one) for
// the state of a cross-pipeline need. Polled, never pushed.
type ExternalPoller interface {
	Poll(ctx context.Context, project, ref, job string) (*ExternalStatus, error)
}

// EventSink observes job state transitions, e.g. to persist them to the
// event log. Calls arrive from the run's event loop, one at a time.
type EventSink interface {
	JobTransition(runID string, result pipeline.JobResult)
}

// RunOpts configures one pipeline run execution.
type RunOpts struct {
	RunID  string
	Ref    string
	SHA    string
	Source string

	// SkipManual marks manual-gated jobs Skipped instead of holding the run
	// open for a release. One-shot CLI runs set this.
	SkipManual bool

	// Release pre-releases the named manual jobs.
	Release []string
}

// Result is the aggregate outcome of one run.
type Result struct {
	Status pipeline.RunStatus
	Jobs   []pipeline.JobResult
}

// Scheduler owns the worker pool and the set of active run executions.
type Scheduler struct {
	runner  executor.Runner
	poller  ExternalPoller
	store   *artifact.Store
	metrics *metrics.Set
	sink    EventSink

	slots chan struct{} // worker pool, shared across runs

	pollInterval time.Duration
	pollTimeout  time.Duration
	gracePeriod  time.Duration

	mu     sync.Mutex
	active map[string]*execution // keyed by run ID
}

// New creates a Scheduler with the given worker pool size.
func New(runner executor.Runner, store *artifact.Store, workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		runner:       runner,
		store:        store,
		slots:        make(chan struct{}, workers),
		pollInterval: 10 * time.Second,
		pollTimeout:  10 * time.Minute,
		gracePeriod:  30 * time.Second,
		active:       make(map[string]*execution),
	}
}

// SetPoller wires the cross-pipeline poll boundary. Without one, any poll
// node fails after the poll timeout.
func (s *Scheduler) SetPoller(p ExternalPoller) { s.poller = p }

// SetMetrics wires prometheus collectors.
func (s *Scheduler) SetMetrics(m *metrics.Set) { s.metrics = m }

// SetEventSink wires an observer for job state transitions.
func (s *Scheduler) SetEventSink(sink EventSink) { s.sink = sink }

// SetPollInterval overrides the cross-pipeline poll interval (for testing).
func (s *Scheduler) SetPollInterval(d time.Duration) { s.pollInterval = d }

// SetPollTimeout overrides the overall cross-pipeline poll timeout.
func (s *Scheduler) SetPollTimeout(d time.Duration) { s.pollTimeout = d }

// SetGracePeriod overrides how long a cancelled running job may take to
// report a terminal status before it is force-marked Cancelled.
func (s *Scheduler) SetGracePeriod(d time.Duration) { s.gracePeriod = d }

// Run executes the graph to completion and returns the aggregate result.
// It blocks until every job reaches a terminal state (or cancellation
// finishes). Different runs may execute concurrently; they share the pool.
func (s *Scheduler) Run(ctx context.Context, g *graph.Graph, opts RunOpts) (*Result, error) {
	if opts.RunID == "" {
		return nil, fmt.Errorf("run id is required")
	}

	e := newExecution(s, g, opts)

	s.mu.Lock()
	if _, exists := s.active[opts.RunID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("run %s is already executing", opts.RunID)
	}
	s.active[opts.RunID] = e
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.active, opts.RunID)
		s.mu.Unlock()
	}()

	return e.run(ctx), nil
}

// Release lets a manual-gated job proceed in an executing run.
func (s *Scheduler) Release(runID, job string) error {
	e, err := s.lookup(runID)
	if err != nil {
		return err
	}
	return e.control(controlEvent{kind: ctlRelease, job: job})
}

// Cancel requests cooperative cancellation of an executing run. Running
// jobs are signalled; after the grace period they are force-marked
// Cancelled.
func (s *Scheduler) Cancel(runID string) error {
	e, err := s.lookup(runID)
	if err != nil {
		return err
	}
	return e.control(controlEvent{kind: ctlCancel})
}

// Supersede preempts interruptible running jobs of every active run on the
// given ref: they move back to Pending with the attempt count unchanged.
// Non-interruptible jobs keep running.
func (s *Scheduler) Supersede(ref string) {
	s.mu.Lock()
	var targets []*execution
	for _, e := range s.active {
		if e.opts.Ref == ref {
			targets = append(targets, e)
		}
	}
	s.mu.Unlock()

	for _, e := range targets {
		_ = e.control(controlEvent{kind: ctlSupersede})
	}
}

func (s *Scheduler) lookup(runID string) (*execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.active[runID]
	if !ok {
		return nil, fmt.Errorf("run %s is not executing", runID)
	}
	return e, nil
}
