package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/conveyor-ci/conveyor/internal/glob"
)

// Local runs job scripts in a sandbox directory via the shell. Each attempt
// gets a fresh workspace seeded with the attempt's input artifact files;
// declared output globs are collected from the workspace after the script
// exits.
type Local struct {
	baseDir string
	shell   string
}

// NewLocal creates a Local runner placing workspaces under baseDir.
func NewLocal(baseDir string) *Local {
	return &Local{baseDir: baseDir, shell: "sh"}
}

// Run implements Runner.
func (l *Local) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	workDir, err := os.MkdirTemp(l.baseDir, "job-"+sanitize(spec.Job)+"-*")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	defer os.RemoveAll(workDir)

	for name, data := range spec.InputFiles {
		dst := filepath.Join(workDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, fmt.Errorf("lay out input %s: %w", name, err)
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return nil, fmt.Errorf("lay out input %s: %w", name, err)
		}
	}

	cmd := exec.CommandContext(ctx, l.shell, "-c", spec.Script)
	cmd.Dir = workDir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	start := time.Now()
	err = cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("exec: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("exec: %w", ctx.Err())
	}

	outputs, err := collectOutputs(workDir, spec.OutputGlobs)
	if err != nil {
		return nil, err
	}

	return &RunResult{
		ExitCode:    exitCode,
		Duration:    duration,
		OutputFiles: outputs,
	}, nil
}

// collectOutputs walks the workspace and reads every file matching one of
// the declared globs, keyed by its slash-separated relative path.
func collectOutputs(workDir string, globs []string) (map[string][]byte, error) {
	if len(globs) == 0 {
		return nil, nil
	}

	outputs := make(map[string][]byte)
	err := filepath.WalkDir(workDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(workDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !glob.MatchAny(globs, rel) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read output %s: %w", rel, err)
		}
		outputs[rel] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect outputs: %w", err)
	}
	return outputs, nil
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, name)
}
