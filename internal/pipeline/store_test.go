package pipeline

import (
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func TestStoreCreateGet(t *testing.T) {
	s := testStore(t)

	rs, err := s.Create("run-1", "master", "abc123", "push")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rs.Status != RunPending {
		t.Errorf("status = %q, want pending", rs.Status)
	}
	if rs.CreatedAt == "" || rs.UpdatedAt == "" {
		t.Error("timestamps not set")
	}

	got, err := s.Get("run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Ref != "master" || got.CommitSHA != "abc123" || got.Source != "push" {
		t.Errorf("round-trip mismatch: %+v", got)
	}

	// Creating the same run twice fails.
	if _, err := s.Create("run-1", "master", "abc123", "push"); err == nil {
		t.Error("expected error creating duplicate run")
	}
}

func TestStoreGetMissing(t *testing.T) {
	s := testStore(t)
	if _, err := s.Get("nope"); err == nil {
		t.Error("expected error for missing run")
	}
}

func TestStoreUpdate(t *testing.T) {
	s := testStore(t)
	if _, err := s.Create("run-1", "master", "abc", "web"); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := s.Update("run-1", func(rs *RunState) {
		rs.Status = RunFailed
		rs.Jobs = []JobResult{{Name: "build", Stage: "build", State: StateFailed, Attempt: 2, Class: FailScript}}
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.Get("run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != RunFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if len(got.Jobs) != 1 || got.Jobs[0].Class != FailScript {
		t.Errorf("jobs = %+v", got.Jobs)
	}
}

func TestStoreList(t *testing.T) {
	s := testStore(t)
	for _, id := range []string{"r1", "r2", "r3"} {
		if _, err := s.Create(id, "master", "sha-"+id, "push"); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := s.Update("r2", func(rs *RunState) { rs.Status = RunSucceeded }); err != nil {
		t.Fatalf("update: %v", err)
	}

	all, err := s.List("")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d runs, want 3", len(all))
	}

	succeeded, err := s.List(RunSucceeded)
	if err != nil {
		t.Fatalf("list succeeded: %v", err)
	}
	if len(succeeded) != 1 || succeeded[0].ID != "r2" {
		t.Errorf("filtered = %+v", succeeded)
	}
}

func TestStoreListEmpty(t *testing.T) {
	s := NewStore(t.TempDir() + "/does-not-exist")
	runs, err := s.List("")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("got %d runs, want 0", len(runs))
	}
}

func TestRetryPolicy(t *testing.T) {
	// Default: only infrastructure failures retry.
	p := RetryPolicy{Max: 2}
	if !p.Retryable(FailInfrastructure) {
		t.Error("infrastructure should retry by default")
	}
	if p.Retryable(FailScript) {
		t.Error("script should not retry by default")
	}
	if p.Retryable(FailExternalTimeout) {
		t.Error("external timeout must never retry")
	}

	p = RetryPolicy{Max: 2, On: []FailureClass{FailScript}}
	if !p.Retryable(FailScript) {
		t.Error("script listed in retry.on should retry")
	}
	if p.Retryable(FailInfrastructure) {
		t.Error("explicit class list replaces the default")
	}

	if (RetryPolicy{}).Retryable(FailInfrastructure) {
		t.Error("max 0 means no retries at all")
	}
}

func TestArtifactPolicyEmits(t *testing.T) {
	p := ArtifactPolicy{Paths: []string{"dist/*"}}
	if !p.Emits(true) || p.Emits(false) {
		t.Error("default emits on success only")
	}

	p.EmitWhen = EmitOnFailure
	if p.Emits(true) || !p.Emits(false) {
		t.Error("on_failure emits on failure only")
	}

	p.EmitWhen = EmitAlways
	if !p.Emits(true) || !p.Emits(false) {
		t.Error("always emits on both outcomes")
	}

	if (ArtifactPolicy{EmitWhen: EmitAlways}).Emits(true) {
		t.Error("no paths means nothing to emit")
	}
}

func TestJobStateTerminal(t *testing.T) {
	terminal := []JobState{StateSucceeded, StateFailed, StateSkipped, StateCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []JobState{StatePending, StateManual, StateReady, StateRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
