// Package executor defines the execution adapter boundary: the opaque unit
// that runs a job's script against an environment and input artifacts and
// reports an exit status plus produced files. The scheduler depends only on
// the Runner interface; the local implementation shells out.
package executor

import (
	"context"
	"time"
)

// RunSpec is everything the adapter needs to execute one job attempt.
type RunSpec struct {
	Job         string
	Script      string
	Env         map[string]string
	InputFiles  map[string][]byte // artifact files laid out in the workspace before the script runs
	OutputGlobs []string          // path globs collected from the workspace after the script exits
}

// RunResult is the terminal status of one attempt.
type RunResult struct {
	ExitCode    int
	Duration    time.Duration
	OutputFiles map[string][]byte
}

// Succeeded reports whether the attempt exited zero.
func (r *RunResult) Succeeded() bool { return r.ExitCode == 0 }

// Runner executes job scripts. A non-nil error means the adapter itself
// failed (an infrastructure failure); a nonzero exit code in the result is a
// script failure.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) (*RunResult, error)
}
