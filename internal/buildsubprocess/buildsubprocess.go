// Package buildsubprocess invokes the opaque external static-site build
// tool against a Workspace, producing (or failing to produce) a build
// output directory that internal/publish then mirrors.
package buildsubprocess

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/webordinary/editworker/internal/shell"
)

// DefaultCommand is the build invocation used when the worker's
// configuration does not override it.
var DefaultCommand = []string{"npm", "run", "build"}

// Opts configures one build invocation.
type Opts struct {
	// Command overrides DefaultCommand.
	Command []string

	// Dir is the Workspace directory the build runs in.
	Dir string

	// OutputDir is the directory the build tool is expected to populate,
	// relative to Dir (e.g. "dist").
	OutputDir string
}

// Result reports the outcome of a build invocation.
type Result struct {
	// Succeeded is false when the subprocess exited non-zero. A failed
	// build is non-fatal to the pipeline: it is reported in the workflow
	// result rather than aborting the remaining steps.
	Succeeded bool

	// OutputExists reports whether OutputDir exists after the run,
	// regardless of whether the build itself succeeded — a prior run's
	// output may still be present after a failed rebuild.
	OutputExists bool

	Stdout string
	Stderr string
}

// Start launches the build subprocess and returns its Child handle
// immediately. The caller publishes the Child as the pipeline's
// CurrentChild before calling Wait so an abort can reach it.
func Start(ctx context.Context, runner *shell.Runner, opts Opts) (*shell.Child, error) {
	command := opts.Command
	if len(command) == 0 {
		command = DefaultCommand
	}
	runner.Dir = opts.Dir
	child, err := runner.Start(ctx, command[0], command[1:]...)
	if err != nil {
		return nil, fmt.Errorf("starting build subprocess: %w", err)
	}
	return child, nil
}

// Wait drains the child's stdout, blocks for it to exit, and reports the
// build's outcome. A non-zero exit is captured in Result.Succeeded rather
// than returned as an error, since a failed build does not fail the
// pipeline. Stdout must be drained before waiting: a build tool can emit
// more than the OS pipe buffer holds, and an undrained pipe blocks the
// child on write forever.
func Wait(child *shell.Child, opts Opts) Result {
	var res Result

	var stdout bytes.Buffer
	io.Copy(&stdout, child.Stdout())
	res.Stdout = stdout.String()

	waitErr := child.Wait()
	res.Succeeded = waitErr == nil

	outputPath := opts.Dir
	if opts.OutputDir != "" {
		outputPath = opts.Dir + string(os.PathSeparator) + opts.OutputDir
	}
	if info, err := os.Stat(outputPath); err == nil && info.IsDir() {
		res.OutputExists = true
	}

	if exitErr, ok := waitErr.(*shell.ExitError); ok {
		res.Stderr = exitErr.Stderr
	}
	return res
}
