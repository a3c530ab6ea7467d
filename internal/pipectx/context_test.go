package pipectx

import (
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	ctx, err := New(TriggerEvent{
		Ref:           "release/1.2",
		CommitSHA:     "abc",
		IsTag:         false,
		Source:        SourceSchedule,
		CommitMessage: "bump version",
		ChangedPaths:  []string{"VERSION"},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if ctx.Ref() != "release/1.2" || ctx.CommitSHA() != "abc" || ctx.Source() != SourceSchedule {
		t.Errorf("context = %v %v %v", ctx.Ref(), ctx.CommitSHA(), ctx.Source())
	}
	if ctx.IsTag() {
		t.Error("is_tag should be false")
	}
}

func TestNew_RequiresRef(t *testing.T) {
	if _, err := New(TriggerEvent{Source: SourcePush}); err == nil {
		t.Error("expected error for empty ref")
	}
}

func TestNew_RejectsUnknownSource(t *testing.T) {
	_, err := New(TriggerEvent{Ref: "master", Source: "carrier-pigeon"})
	if err == nil || !strings.Contains(err.Error(), "source") {
		t.Errorf("err = %v", err)
	}
}

func TestChangedPathsCopied(t *testing.T) {
	paths := []string{"a.go"}
	ctx, err := New(TriggerEvent{Ref: "master", Source: SourcePush, ChangedPaths: paths})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	paths[0] = "mutated"
	if got := ctx.ChangedPaths(); got[0] != "a.go" {
		t.Errorf("paths aliased: %v", got)
	}
	got := ctx.ChangedPaths()
	got[0] = "mutated-again"
	if ctx.ChangedPaths()[0] != "a.go" {
		t.Error("returned slice aliases internal state")
	}
}

func TestAnyPathChanged(t *testing.T) {
	ctx, err := New(TriggerEvent{Ref: "master", Source: SourcePush, ChangedPaths: []string{"docs/a.md", "src/main.go"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if !ctx.AnyPathChanged(func(p string) bool { return strings.HasPrefix(p, "src/") }) {
		t.Error("expected a src/ match")
	}
	if ctx.AnyPathChanged(func(p string) bool { return strings.HasPrefix(p, "vendor/") }) {
		t.Error("unexpected vendor/ match")
	}
}
