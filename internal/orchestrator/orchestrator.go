// Package orchestrator composes the engine: it turns a trigger event into a
// pipeline run by evaluating rules, building the job graph, handing it to
// the scheduler, and persisting the outcome.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/conveyor-ci/conveyor/internal/artifact"
	"github.com/conveyor-ci/conveyor/internal/config"
	"github.com/conveyor-ci/conveyor/internal/ctxlog"
	"github.com/conveyor-ci/conveyor/internal/db"
	"github.com/conveyor-ci/conveyor/internal/graph"
	"github.com/conveyor-ci/conveyor/internal/pipectx"
	"github.com/conveyor-ci/conveyor/internal/pipeline"
	"github.com/conveyor-ci/conveyor/internal/rules"
	"github.com/conveyor-ci/conveyor/internal/scheduler"
)

// Orchestrator composes pipeline lifecycle operations.
type Orchestrator struct {
	cfg       *config.Config
	store     *pipeline.Store
	db        *db.DB // optional; nil disables the event log
	sched     *scheduler.Scheduler
	artifacts *artifact.Store
}

// New creates an Orchestrator. The database may be nil, in which case no
// event log is kept.
func New(cfg *config.Config, store *pipeline.Store, database *db.DB, sched *scheduler.Scheduler, artifacts *artifact.Store) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		store:     store,
		db:        database,
		sched:     sched,
		artifacts: artifacts,
	}
	if database != nil {
		sched.SetEventSink(&dbSink{db: database})
		artifacts.SetPutHook(func(stored *artifact.Stored) {
			err := database.RecordArtifact(stored.Key.Job, stored.Key.Ref, stored.Key.SHA,
				stored.Size(), stored.CreatedAt, stored.ExpiresAt)
			if err != nil {
				ctxlog.FromContext(context.Background()).Warn("index artifact", "key", stored.Key.String(), "error", err)
			}
		})
	}
	return o
}

// RunOpts holds options for executing a pipeline run.
type RunOpts struct {
	Event pipectx.TriggerEvent

	// RunID, when set, names the run instead of a generated UUID. The HTTP
	// layer uses this to hand the ID back before the run finishes.
	RunID string

	// SkipManual marks manual-gated jobs Skipped instead of holding the run
	// open for a release.
	SkipManual bool

	// Release pre-releases the named manual jobs.
	Release []string
}

// Run executes one pipeline run to completion and returns its persisted
// state. A configuration error detected before execution records a failed
// run with zero executed jobs and is returned alongside the state.
func (o *Orchestrator) Run(ctx context.Context, opts RunOpts) (*pipeline.RunState, error) {
	pctx, err := pipectx.New(opts.Event)
	if err != nil {
		return nil, fmt.Errorf("build run context: %w", err)
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	source := string(pctx.Source())
	logger := ctxlog.FromContext(ctx).With("run", runID, "ref", pctx.Ref())

	decisions := make(map[string]rules.Decision, len(o.cfg.Jobs))
	for name, job := range o.cfg.Jobs {
		decisions[name] = rules.Evaluate(job.Rules, pctx)
	}

	g, buildErr := graph.Build(o.cfg, decisions)
	if buildErr != nil {
		if !graph.IsConfigError(buildErr) {
			return nil, fmt.Errorf("build job graph: %w", buildErr)
		}
		// The run is recorded as failed without executing anything.
		rs, err := o.createRun(runID, pctx, source)
		if err != nil {
			return nil, err
		}
		err = o.store.Update(runID, func(rs *pipeline.RunState) {
			rs.Status = pipeline.RunFailed
			rs.Error = buildErr.Error()
		})
		if err != nil {
			return nil, fmt.Errorf("record config error: %w", err)
		}
		o.logRunEvent(runID, "failed", pctx, source, buildErr.Error())
		logger.Error("configuration error", "error", buildErr)
		rs, _ = o.store.Get(runID)
		return rs, buildErr
	}

	if _, err := o.createRun(runID, pctx, source); err != nil {
		return nil, err
	}

	err = o.store.Update(runID, func(rs *pipeline.RunState) {
		rs.Status = pipeline.RunRunning
	})
	if err != nil {
		return nil, fmt.Errorf("mark run running: %w", err)
	}
	o.logRunEvent(runID, "started", pctx, source, "")
	logger.Info("run started", "jobs", len(g.Order))

	res, err := o.sched.Run(ctx, g, scheduler.RunOpts{
		RunID:      runID,
		Ref:        pctx.Ref(),
		SHA:        pctx.CommitSHA(),
		Source:     source,
		SkipManual: opts.SkipManual,
		Release:    opts.Release,
	})
	if err != nil {
		return nil, fmt.Errorf("execute run %s: %w", runID, err)
	}

	err = o.store.Update(runID, func(rs *pipeline.RunState) {
		rs.Status = res.Status
		rs.Jobs = res.Jobs
	})
	if err != nil {
		return nil, fmt.Errorf("persist run result: %w", err)
	}
	o.logRunEvent(runID, string(res.Status), pctx, source, "")
	logger.Info("run finished", "status", res.Status)

	return o.store.Get(runID)
}

// Status returns the persisted state of a run.
func (o *Orchestrator) Status(runID string) (*pipeline.RunState, error) {
	return o.store.Get(runID)
}

// List returns persisted runs, newest first, optionally filtered by status.
func (o *Orchestrator) List(status pipeline.RunStatus) ([]pipeline.RunState, error) {
	return o.store.List(status)
}

// Release lets a manual-gated job of an executing run proceed.
func (o *Orchestrator) Release(runID, job string) error {
	if err := o.sched.Release(runID, job); err != nil {
		return err
	}
	if o.db != nil {
		if err := o.db.LogRunEvent(runID, "released", "", "", "", job); err != nil {
			ctxlog.FromContext(context.Background()).Warn("log release", "run", runID, "error", err)
		}
	}
	return nil
}

// Cancel requests cooperative cancellation of an executing run.
func (o *Orchestrator) Cancel(runID string) error {
	return o.sched.Cancel(runID)
}

// Supersede preempts interruptible running jobs of every active run on the
// given ref.
func (o *Orchestrator) Supersede(ref string) {
	o.sched.Supersede(ref)
}

// Artifacts returns the artifact store.
func (o *Orchestrator) Artifacts() *artifact.Store {
	return o.artifacts
}

func (o *Orchestrator) createRun(runID string, pctx *pipectx.Context, source string) (*pipeline.RunState, error) {
	rs, err := o.store.Create(runID, pctx.Ref(), pctx.CommitSHA(), source)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	o.logRunEvent(runID, "created", pctx, source, "")
	return rs, nil
}

func (o *Orchestrator) logRunEvent(runID, event string, pctx *pipectx.Context, source, detail string) {
	if o.db == nil {
		return
	}
	if err := o.db.LogRunEvent(runID, event, pctx.Ref(), pctx.CommitSHA(), source, detail); err != nil {
		ctxlog.FromContext(context.Background()).Warn("log run event", "run", runID, "event", event, "error", err)
	}
}

// dbSink persists job state transitions into the event log. It swallows
// write errors: the log is an audit trail, not the source of truth.
type dbSink struct {
	db *db.DB
}

func (s *dbSink) JobTransition(runID string, r pipeline.JobResult) {
	durMs := 0
	if r.Duration != "" {
		if d, err := time.ParseDuration(r.Duration); err == nil {
			durMs = int(d.Milliseconds())
		}
	}
	err := s.db.LogJobEvent(runID, r.Name, string(r.State), r.Attempt, string(r.Class), nil, durMs)
	if err != nil {
		ctxlog.FromContext(context.Background()).Warn("log job event", "run", runID, "job", r.Name, "error", err)
	}
}
