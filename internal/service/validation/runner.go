package validation

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// ExecRunner runs validation commands through the shell with a deadline.
type ExecRunner struct {
	Timeout time.Duration
	Dir     string
}

// NewExecRunner builds a runner with a 120s default timeout.
func NewExecRunner(timeout time.Duration, dir string) *ExecRunner {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &ExecRunner{Timeout: timeout, Dir: dir}
}

// Run executes the command and returns combined output. A non-zero exit
// or timeout is an error; the output is returned either way.
func (r *ExecRunner) Run(ctx context.Context, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = r.Dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	if err != nil {
		return buf.String(), fmt.Errorf("op=validation.run: %w", err)
	}
	return buf.String(), nil
}
