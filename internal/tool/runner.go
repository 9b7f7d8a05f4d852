// Package tool launches the external annotation pipeline. The tool is an
// opaque executable contract: given an input file path it writes a result
// file and a log file beside the input (derived names) and exits zero, or
// fails with a non-zero exit.
package tool

import (
	"context"
	"fmt"
	"os/exec"
)

// Runner runs the tool against one input and blocks until it exits.
type Runner interface {
	Run(ctx context.Context, inputPath string) error
}

// ExecRunner invokes a configured command line, appending the input path as
// the final argument.
type ExecRunner struct {
	Command []string
}

func (r *ExecRunner) Run(ctx context.Context, inputPath string) error {
	if len(r.Command) == 0 {
		return fmt.Errorf("no tool command configured")
	}
	if _, err := exec.LookPath(r.Command[0]); err != nil {
		return fmt.Errorf("%s not found in PATH: %w", r.Command[0], err)
	}

	args := append(append([]string{}, r.Command[1:]...), inputPath)
	cmd := exec.CommandContext(ctx, r.Command[0], args...)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w\nOutput: %s", r.Command[0], err, string(out))
	}
	return nil
}
