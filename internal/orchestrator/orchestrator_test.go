package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/conveyor-ci/conveyor/internal/artifact"
	"github.com/conveyor-ci/conveyor/internal/config"
	"github.com/conveyor-ci/conveyor/internal/db"
	"github.com/conveyor-ci/conveyor/internal/executor"
	"github.com/conveyor-ci/conveyor/internal/pipectx"
	"github.com/conveyor-ci/conveyor/internal/pipeline"
	"github.com/conveyor-ci/conveyor/internal/scheduler"
)

const testYAML = `
pipeline:
  name: orchestration-test
  project: web-app
  stages: [build, test, deploy]
  jobs:
    compile:
      stage: build
      script: make build
      artifacts:
        paths: ["out/*"]
        expire_in: 1h
    unit:
      stage: test
      script: make test
      needs:
        - job: compile
          artifacts: true
    release:
      stage: deploy
      script: make release
      rules:
        - if: ref == "master"
          when: on_success
        - when: never
`

// scriptedRunner succeeds every job, emitting an output file for jobs with
// declared artifact globs.
type scriptedRunner struct {
	mu   sync.Mutex
	runs []string
	fail map[string]bool
}

func (r *scriptedRunner) Run(_ context.Context, spec executor.RunSpec) (*executor.RunResult, error) {
	r.mu.Lock()
	r.runs = append(r.runs, spec.Job)
	fail := r.fail[spec.Job]
	r.mu.Unlock()
	if fail {
		return &executor.RunResult{ExitCode: 1, Duration: time.Millisecond}, nil
	}
	res := &executor.RunResult{Duration: time.Millisecond}
	if len(spec.OutputGlobs) > 0 {
		res.OutputFiles = map[string][]byte{"out/bin": []byte("payload")}
	}
	return res, nil
}

func testOrchestrator(t *testing.T, runner executor.Runner) (*Orchestrator, *db.DB) {
	t.Helper()
	cfg := loadConfig(t)

	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store := pipeline.NewStore(t.TempDir())
	artifacts := artifact.NewStore()
	sched := scheduler.New(runner, artifacts, 2)
	return New(cfg, store, database, sched, artifacts), database
}

func loadConfig(t *testing.T) *config.Config {
	t.Helper()
	f, err := config.Parse([]byte(testYAML))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if errs := config.Validate(f); len(errs) > 0 {
		t.Fatalf("validate config: %v", errs)
	}
	cfg, err := config.Materialize(f)
	if err != nil {
		t.Fatalf("materialize config: %v", err)
	}
	return cfg
}

func pushEvent(ref string) pipectx.TriggerEvent {
	return pipectx.TriggerEvent{Ref: ref, CommitSHA: "cafe0001", Source: pipectx.SourcePush}
}

func TestRun_EndToEnd(t *testing.T) {
	runner := &scriptedRunner{}
	orch, database := testOrchestrator(t, runner)

	rs, err := orch.Run(context.Background(), RunOpts{Event: pushEvent("master"), SkipManual: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rs.Status != pipeline.RunSucceeded {
		t.Fatalf("status = %q: %+v", rs.Status, rs.Jobs)
	}
	if rs.Ref != "master" || rs.CommitSHA != "cafe0001" || rs.Source != "push" {
		t.Errorf("run state = %+v", rs)
	}
	if len(rs.Jobs) != 3 {
		t.Fatalf("jobs = %d, want 3", len(rs.Jobs))
	}
	for _, j := range rs.Jobs {
		if j.State != pipeline.StateSucceeded {
			t.Errorf("%s = %q", j.Name, j.State)
		}
	}

	// Persisted state matches the returned one.
	got, err := orch.Status(rs.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Status != pipeline.RunSucceeded {
		t.Errorf("persisted status = %q", got.Status)
	}

	// The event log saw the full lifecycle.
	state, err := database.GetRunState(rs.ID)
	if err != nil {
		t.Fatalf("run state: %v", err)
	}
	if state == nil || state.Event != "succeeded" {
		t.Errorf("latest run event = %+v, want succeeded", state)
	}
	history, err := database.GetRunHistory(rs.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 { // created, started, succeeded
		t.Errorf("history has %d events, want 3", len(history))
	}

	// compile's artifact bundle is indexed.
	rows, err := database.ListArtifacts()
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	if len(rows) != 1 || rows[0].Job != "compile" {
		t.Errorf("artifact index = %+v", rows)
	}

	// Job transitions landed in the event log too.
	latest, err := database.GetLatestJobState(rs.ID, "unit")
	if err != nil {
		t.Fatalf("latest job state: %v", err)
	}
	if latest == nil || latest.State != "succeeded" {
		t.Errorf("unit latest = %+v", latest)
	}
}

func TestRun_RuleExcludesJobOffMaster(t *testing.T) {
	runner := &scriptedRunner{}
	orch, _ := testOrchestrator(t, runner)

	rs, err := orch.Run(context.Background(), RunOpts{Event: pushEvent("feature/x"), SkipManual: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rs.Status != pipeline.RunSucceeded {
		t.Fatalf("status = %q", rs.Status)
	}
	for _, j := range rs.Jobs {
		if j.Name == "release" {
			t.Error("release ran off master")
		}
	}
	if len(rs.Jobs) != 2 {
		t.Errorf("jobs = %+v, want compile and unit only", rs.Jobs)
	}
}

func TestRun_FailurePropagates(t *testing.T) {
	runner := &scriptedRunner{fail: map[string]bool{"compile": true}}
	orch, _ := testOrchestrator(t, runner)

	rs, err := orch.Run(context.Background(), RunOpts{Event: pushEvent("master"), SkipManual: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rs.Status != pipeline.RunFailed {
		t.Fatalf("status = %q", rs.Status)
	}
	states := make(map[string]pipeline.JobState)
	for _, j := range rs.Jobs {
		states[j.Name] = j.State
	}
	if states["compile"] != pipeline.StateFailed || states["unit"] != pipeline.StateSkipped {
		t.Errorf("states = %v", states)
	}
}

func TestRun_ConfigErrorRecordsFailedRun(t *testing.T) {
	runner := &scriptedRunner{}
	orch, database := testOrchestrator(t, runner)

	// An artifacts-required need on a rule-excluded job cannot be satisfied.
	orch.cfg.Jobs["late"] = &config.Job{
		Spec:  pipeline.JobSpec{Name: "late", Stage: "deploy"},
		Rules: orch.cfg.Jobs["release"].Rules, // master only
	}
	orch.cfg.Jobs["release"].Spec.Needs = []pipeline.NeedRef{
		{Job: "late", ArtifactsRequired: true},
	}
	orch.cfg.Jobs["release"].Rules = orch.cfg.Jobs["compile"].Rules // always included

	rs, err := orch.Run(context.Background(), RunOpts{Event: pushEvent("feature/x"), SkipManual: true})
	if err == nil {
		t.Fatal("expected configuration error")
	}
	if rs == nil {
		t.Fatal("config error should still return the recorded run")
	}
	if rs.Status != pipeline.RunFailed {
		t.Errorf("status = %q, want failed", rs.Status)
	}
	if len(rs.Jobs) != 0 {
		t.Errorf("jobs = %+v, want none executed", rs.Jobs)
	}
	if !strings.Contains(rs.Error, "artifacts") {
		t.Errorf("error text = %q", rs.Error)
	}

	state, dbErr := database.GetRunState(rs.ID)
	if dbErr != nil {
		t.Fatalf("run state: %v", dbErr)
	}
	if state == nil || state.Event != "failed" {
		t.Errorf("latest event = %+v, want failed", state)
	}
}

func TestRun_RejectsBadEvent(t *testing.T) {
	orch, _ := testOrchestrator(t, &scriptedRunner{})
	_, err := orch.Run(context.Background(), RunOpts{Event: pipectx.TriggerEvent{Source: pipectx.SourcePush}})
	if err == nil {
		t.Error("expected error for event without ref")
	}
}

func TestRun_PresetRunID(t *testing.T) {
	orch, _ := testOrchestrator(t, &scriptedRunner{})
	rs, err := orch.Run(context.Background(), RunOpts{
		Event:      pushEvent("master"),
		RunID:      "preassigned",
		SkipManual: true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rs.ID != "preassigned" {
		t.Errorf("run id = %q", rs.ID)
	}
}

func TestList_FilterByStatus(t *testing.T) {
	runner := &scriptedRunner{fail: map[string]bool{"unit": true}}
	orch, _ := testOrchestrator(t, runner)

	if _, err := orch.Run(context.Background(), RunOpts{Event: pushEvent("master"), SkipManual: true}); err != nil {
		t.Fatalf("run: %v", err)
	}
	runner.mu.Lock()
	runner.fail = nil
	runner.mu.Unlock()
	if _, err := orch.Run(context.Background(), RunOpts{Event: pushEvent("master"), SkipManual: true}); err != nil {
		t.Fatalf("run: %v", err)
	}

	failed, err := orch.List(pipeline.RunFailed)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(failed) != 1 {
		t.Errorf("failed runs = %d, want 1", len(failed))
	}
	all, err := orch.List("")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all runs = %d, want 2", len(all))
	}
}
