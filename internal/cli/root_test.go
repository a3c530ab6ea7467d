package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func executeCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{
		"run", "validate", "status", "artifact", "serve",
		"release", "cancel", "supersede", "db", "version",
	}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conveyor.yaml")
	cfg := `
pipeline:
  name: cli-test
  stages: [build]
  jobs:
    compile:
      stage: build
      script: make build
`
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, err := executeCommand("validate", "--config", path)
	if err != nil {
		t.Fatalf("validate failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "valid") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestValidateCommand_ReportsErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conveyor.yaml")
	cfg := `
pipeline:
  name: cli-test
  stages: [build]
  jobs:
    compile:
      stage: missing-stage
      script: make build
`
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, err := executeCommand("validate", "--config", path)
	if err == nil {
		t.Fatalf("expected validation failure, got: %s", out)
	}
	if !strings.Contains(out, "Validation errors") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestSubcommandHelp(t *testing.T) {
	for _, sub := range []string{"run", "serve", "status", "artifact", "db"} {
		out, err := executeCommand(sub, "--help")
		if err != nil {
			t.Errorf("%s --help failed: %v", sub, err)
		}
		if out == "" {
			t.Errorf("%s --help produced no output", sub)
		}
	}
}
