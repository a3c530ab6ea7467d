package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/conveyor-ci/conveyor/internal/artifact"
	"github.com/conveyor-ci/conveyor/internal/ctxlog"
	"github.com/conveyor-ci/conveyor/internal/executor"
	"github.com/conveyor-ci/conveyor/internal/graph"
	"github.com/conveyor-ci/conveyor/internal/pipeline"
)

// jobRun is the runtime state of one node. It is owned by the run's event
// loop: every mutation happens there, so no lock is needed.
type jobRun struct {
	node      *graph.Node
	state     pipeline.JobState
	attempt   int
	class     pipeline.FailureClass
	duration  time.Duration
	startedAt time.Time

	// preempted marks a running interruptible job that must return to
	// Pending when its attempt reports back, without counting the attempt.
	preempted bool

	// files holds the artifact files fetched by a succeeded poll node.
	files map[string][]byte

	cancelAttempt context.CancelFunc
}

type startedEvent struct{ node *graph.Node }

type finishedEvent struct {
	node   *graph.Node
	result *executor.RunResult
	err    error
}

type pollEvent struct {
	node    *graph.Node
	status  *ExternalStatus
	timeout bool
}

type controlKind int

const (
	ctlRelease controlKind = iota
	ctlCancel
	ctlSupersede
)

type controlEvent struct {
	kind controlKind
	job  string
}

type execution struct {
	s    *Scheduler
	g    *graph.Graph
	opts RunOpts

	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	runs map[*graph.Node]*jobRun
	mail chan any

	cancelling bool
	graceCh    <-chan time.Time

	finishedC chan struct{}
}

func newExecution(s *Scheduler, g *graph.Graph, opts RunOpts) *execution {
	e := &execution{
		s:         s,
		g:         g,
		opts:      opts,
		runs:      make(map[*graph.Node]*jobRun, len(g.Nodes)),
		mail:      make(chan any, len(g.Nodes)*8+32),
		finishedC: make(chan struct{}),
	}
	released := make(map[string]bool, len(opts.Release))
	for _, name := range opts.Release {
		released[name] = true
	}
	for _, node := range g.Nodes {
		jr := &jobRun{node: node, state: pipeline.StatePending, attempt: 1}
		if node.Kind == graph.JobNode && node.Manual && !released[node.Spec.Name] {
			jr.state = pipeline.StateManual
		}
		e.runs[node] = jr
	}
	return e
}

// control delivers an external command to the event loop, failing once the
// run has finished.
func (e *execution) control(ev controlEvent) error {
	select {
	case e.mail <- ev:
		return nil
	case <-e.finishedC:
		return errors.New("run already finished")
	}
}

// run drives the event loop to completion. The loop goroutine owns all
// state; workers and pollers communicate exclusively through the mailbox.
func (e *execution) run(parent context.Context) *Result {
	// The run's own context outlives the parent so cancellation stays
	// cooperative: parent cancellation triggers the cancel flow instead of
	// tearing the loop down.
	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(parent))
	defer e.cancel()
	defer close(e.finishedC)

	e.logger = ctxlog.FromContext(parent).With("run", e.opts.RunID)

	if e.opts.SkipManual {
		for _, jr := range e.runs {
			if jr.state == pipeline.StateManual {
				e.setTerminal(jr, pipeline.StateSkipped, "")
			}
		}
	}

	for _, node := range e.g.Nodes {
		if node.Kind == graph.PollNode {
			e.startPoll(node)
		}
	}
	e.promote()

	parentDone := parent.Done()
	for !e.done() {
		select {
		case m := <-e.mail:
			e.handle(m)
		case <-parentDone:
			parentDone = nil
			e.beginCancel()
		case <-e.graceCh:
			e.forceCancel()
		}
	}

	return e.result()
}

func (e *execution) done() bool {
	for _, node := range e.g.Nodes {
		if node.Kind != graph.JobNode {
			continue
		}
		if !e.runs[node].state.Terminal() {
			return false
		}
	}
	return true
}

func (e *execution) handle(m any) {
	switch ev := m.(type) {
	case startedEvent:
		jr := e.runs[ev.node]
		if jr.state.Terminal() {
			return
		}
		jr.state = pipeline.StateRunning
		jr.startedAt = time.Now()
		if e.s.metrics != nil {
			e.s.metrics.JobsRunning.Inc()
		}
		e.notify(jr)

	case finishedEvent:
		e.finishAttempt(ev)

	case pollEvent:
		jr := e.runs[ev.node]
		if jr.state.Terminal() {
			return
		}
		if ev.timeout {
			e.logger.Warn("external need timed out", "need", ev.node.Name())
			jr.state = pipeline.StateFailed
			jr.class = pipeline.FailExternalTimeout
		} else {
			jr.state = pipeline.StateSucceeded
			jr.files = ev.status.Files
		}
		e.promote()

	case controlEvent:
		switch ev.kind {
		case ctlRelease:
			for _, node := range e.g.Nodes {
				if node.Kind == graph.JobNode && node.Spec.Name == ev.job {
					if jr := e.runs[node]; jr.state == pipeline.StateManual {
						jr.state = pipeline.StatePending
						e.notify(jr)
					}
				}
			}
			e.promote()
		case ctlCancel:
			e.beginCancel()
		case ctlSupersede:
			for _, jr := range e.runs {
				if jr.node.Kind != graph.JobNode || jr.state != pipeline.StateRunning {
					continue
				}
				if jr.node.Spec.Interruptible && jr.cancelAttempt != nil {
					e.logger.Info("preempting interruptible job", "job", jr.node.Spec.Name)
					jr.preempted = true
					jr.cancelAttempt()
				}
			}
		}
	}
}

// finishAttempt applies the terminal status of one adapter attempt.
func (e *execution) finishAttempt(ev finishedEvent) {
	jr := e.runs[ev.node]
	if jr.state.Terminal() {
		// Force-cancelled while the attempt was still in flight; the late
		// report is discarded.
		return
	}
	if jr.state == pipeline.StateRunning && e.s.metrics != nil {
		e.s.metrics.JobsRunning.Dec()
	}

	if jr.preempted {
		jr.preempted = false
		jr.cancelAttempt = nil
		jr.state = pipeline.StatePending // attempt intentionally not incremented
		e.notify(jr)
		e.promote()
		return
	}

	if ev.result != nil {
		jr.duration = ev.result.Duration
	} else if !jr.startedAt.IsZero() {
		jr.duration = time.Since(jr.startedAt)
	}

	if e.cancelling {
		if ev.err == nil && ev.result != nil && ev.result.Succeeded() {
			e.succeed(jr, ev.result)
		} else {
			e.setTerminal(jr, pipeline.StateCancelled, "")
		}
		return
	}

	switch {
	case ev.err != nil || ev.result == nil:
		e.fail(jr, pipeline.FailInfrastructure, nil)
	case !ev.result.Succeeded():
		e.fail(jr, pipeline.FailScript, ev.result)
	default:
		e.succeed(jr, ev.result)
	}
}

func (e *execution) succeed(jr *jobRun, res *executor.RunResult) {
	spec := jr.node.Spec
	if spec.Artifacts.Emits(true) {
		if err := e.putArtifacts(jr, res.OutputFiles); err != nil {
			e.setTerminal(jr, pipeline.StateFailed, pipeline.FailInfrastructure)
			return
		}
	}
	e.setTerminal(jr, pipeline.StateSucceeded, "")
}

func (e *execution) fail(jr *jobRun, class pipeline.FailureClass, res *executor.RunResult) {
	spec := jr.node.Spec
	if spec.Retry.Retryable(class) && jr.attempt <= spec.Retry.Max {
		jr.attempt++
		jr.class = class
		jr.state = pipeline.StatePending
		jr.cancelAttempt = nil
		if e.s.metrics != nil {
			e.s.metrics.RetriesTotal.Inc()
		}
		e.notify(jr)
		e.promote()
		return
	}

	// Artifacts are stored once, when the job completes. An attempt that is
	// about to be retried must not claim the immutable key a later attempt
	// needs. Failure artifacts are best-effort.
	if res != nil && spec.Artifacts.Emits(false) {
		_ = e.putArtifacts(jr, res.OutputFiles)
	}

	e.setTerminal(jr, pipeline.StateFailed, class)
}

func (e *execution) putArtifacts(jr *jobRun, files map[string][]byte) error {
	if len(files) == 0 {
		files = map[string][]byte{}
	}
	key := artifact.Key{Job: jr.node.Spec.Name, Ref: e.opts.Ref, SHA: e.opts.SHA}
	_, err := e.s.store.Put(key, files, jr.node.Spec.Artifacts, time.Now())
	return err
}

// setTerminal records a terminal state and re-promotes the graph, which
// cascades skips through dependents.
func (e *execution) setTerminal(jr *jobRun, state pipeline.JobState, class pipeline.FailureClass) {
	jr.state = state
	jr.class = class
	if e.s.metrics != nil && jr.node.Kind == graph.JobNode {
		e.s.metrics.ObserveJob(string(state), jr.duration)
	}
	e.notify(jr)
	e.promote()
}

type edgeVerdict int

const (
	edgesSatisfied edgeVerdict = iota
	edgesPending
	edgesUnsatisfiable
	edgesExternalTimeout
)

// verdict inspects a node's inbound edges. An allow_failure dependency that
// failed counts as satisfied unless the edge requires its artifacts; a
// failed poll node poisons dependents with the external-timeout class.
func (e *execution) verdict(jr *jobRun) edgeVerdict {
	out := edgesSatisfied
	for _, edge := range jr.node.Deps {
		dep := e.runs[edge.From]
		switch {
		case dep.state == pipeline.StateSucceeded:
			// satisfied
		case dep.state.Terminal():
			if dep.node.Kind == graph.PollNode {
				return edgesExternalTimeout
			}
			if dep.node.Spec.AllowFailure && !edge.ArtifactsRequired {
				continue
			}
			return edgesUnsatisfiable
		default:
			out = edgesPending
		}
	}
	return out
}

// promote advances every pending job whose edges are decided, iterating to a
// fixed point so skips cascade transitively in one sweep.
func (e *execution) promote() {
	if e.cancelling {
		return
	}
	for changed := true; changed; {
		changed = false
		for _, node := range e.g.Nodes {
			if node.Kind != graph.JobNode {
				continue
			}
			jr := e.runs[node]
			if jr.state != pipeline.StatePending && jr.state != pipeline.StateManual {
				continue
			}
			switch e.verdict(jr) {
			case edgesUnsatisfiable:
				jr.state = pipeline.StateSkipped
				e.notifyTerminal(jr)
				changed = true
			case edgesExternalTimeout:
				jr.state = pipeline.StateFailed
				jr.class = pipeline.FailExternalTimeout
				e.notifyTerminal(jr)
				changed = true
			case edgesSatisfied:
				if jr.state == pipeline.StateManual {
					continue // holds until released or the run is cancelled
				}
				e.dispatch(jr)
			}
		}
	}
}

func (e *execution) notifyTerminal(jr *jobRun) {
	if e.s.metrics != nil {
		e.s.metrics.ObserveJob(string(jr.state), jr.duration)
	}
	e.notify(jr)
}

// dispatch hands a job to the worker pool. The slot wait and the adapter
// call both respect the attempt context so cancellation and preemption can
// interrupt either.
func (e *execution) dispatch(jr *jobRun) {
	jr.state = pipeline.StateReady
	e.notify(jr)

	spec := jr.node.Spec
	runSpec := executor.RunSpec{
		Job:         spec.Name,
		Script:      spec.Script,
		Env:         e.jobEnv(spec),
		InputFiles:  e.collectInputs(jr.node),
		OutputGlobs: spec.Artifacts.Paths,
	}

	attemptCtx, cancel := context.WithCancel(e.ctx)
	jr.cancelAttempt = cancel
	node := jr.node

	go func() {
		select {
		case e.s.slots <- struct{}{}:
		case <-attemptCtx.Done():
			e.post(finishedEvent{node: node, err: attemptCtx.Err()})
			return
		}
		defer func() { <-e.s.slots }()

		e.post(startedEvent{node: node})
		res, err := e.s.runner.Run(attemptCtx, runSpec)
		e.post(finishedEvent{node: node, result: res, err: err})
	}()
}

// collectInputs gathers artifact files from the node's direct dependencies:
// locally stored artifacts for job dependencies, fetched files for poll
// dependencies. Jobs never share any other state.
func (e *execution) collectInputs(node *graph.Node) map[string][]byte {
	inputs := make(map[string][]byte)
	for _, edge := range node.Deps {
		dep := e.runs[edge.From]
		if dep.state != pipeline.StateSucceeded {
			continue
		}
		if edge.From.Kind == graph.PollNode {
			for name, data := range dep.files {
				inputs[name] = data
			}
			continue
		}
		key := artifact.Key{Job: edge.From.Spec.Name, Ref: e.opts.Ref, SHA: e.opts.SHA}
		stored, err := e.s.store.Get(key)
		if err != nil {
			continue // dependency emitted nothing for this run
		}
		for name, data := range stored.Files {
			inputs[name] = data
		}
	}
	if len(inputs) == 0 {
		return nil
	}
	return inputs
}

func (e *execution) jobEnv(spec pipeline.JobSpec) map[string]string {
	env := map[string]string{
		"CI_RUN_ID":          e.opts.RunID,
		"CI_REF":             e.opts.Ref,
		"CI_COMMIT_SHA":      e.opts.SHA,
		"CI_PIPELINE_SOURCE": e.opts.Source,
		"CI_JOB_NAME":        spec.Name,
		"CI_JOB_STAGE":       spec.Stage,
	}
	for k, v := range spec.Variables {
		env[k] = v
	}
	return env
}

func (e *execution) beginCancel() {
	if e.cancelling {
		return
	}
	e.cancelling = true
	e.logger.Info("cancelling run")

	for _, node := range e.g.Nodes {
		jr := e.runs[node]
		switch jr.state {
		case pipeline.StatePending, pipeline.StateManual:
			jr.state = pipeline.StateCancelled
			e.notifyTerminal(jr)
		case pipeline.StateReady, pipeline.StateRunning:
			if jr.cancelAttempt != nil {
				jr.cancelAttempt()
			}
		}
	}

	e.graceCh = time.After(e.s.gracePeriod)
}

// forceCancel marks every attempt that outlived the grace period.
func (e *execution) forceCancel() {
	e.graceCh = nil
	for _, jr := range e.runs {
		if jr.state.Terminal() {
			continue
		}
		if jr.state == pipeline.StateRunning {
			e.logger.Warn("job exceeded cancellation grace period", "job", jr.node.Name())
			if e.s.metrics != nil {
				e.s.metrics.JobsRunning.Dec()
			}
		}
		if !jr.startedAt.IsZero() {
			jr.duration = time.Since(jr.startedAt)
		}
		jr.state = pipeline.StateCancelled
		e.notifyTerminal(jr)
	}
}

func (e *execution) notify(jr *jobRun) {
	if e.s.sink == nil || jr.node.Kind != graph.JobNode {
		return
	}
	e.s.sink.JobTransition(e.opts.RunID, pipeline.JobResult{
		Name:     jr.node.Spec.Name,
		Stage:    jr.node.Spec.Stage,
		State:    jr.state,
		Attempt:  jr.attempt,
		Class:    jr.class,
		Duration: jr.duration.String(),
	})
}

func (e *execution) result() *Result {
	res := &Result{Status: pipeline.RunSucceeded}
	if e.cancelling {
		res.Status = pipeline.RunCancelled
	}

	for _, node := range e.g.Jobs() {
		jr := e.runs[node]
		res.Jobs = append(res.Jobs, pipeline.JobResult{
			Name:     node.Spec.Name,
			Stage:    node.Spec.Stage,
			State:    jr.state,
			Attempt:  jr.attempt,
			Class:    jr.class,
			Duration: jr.duration.String(),
		})
		if res.Status == pipeline.RunSucceeded &&
			jr.state == pipeline.StateFailed && !node.Spec.AllowFailure {
			res.Status = pipeline.RunFailed
		}
	}
	return res
}
