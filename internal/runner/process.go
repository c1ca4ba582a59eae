package runner

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/dwsmith1983/rollout/pkg/types"
)

// Process is an opaque handle to a background process started by Start.
//
// The orchestrator does not own the process lifecycle: nothing reclaims it
// when the run ends, so a process left running after rollout exits is a
// known leak. Stop is provided for callers that want to clean up.
type Process struct {
	PID       int
	Command   string
	StartedAt time.Time

	cmd *exec.Cmd
}

// Stop kills the process and reaps it.
func (p *Process) Stop() error {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("killing pid %d: %w", p.PID, err)
	}
	_ = p.cmd.Wait()
	return nil
}

// Start launches cmd in the background and returns immediately. The child is
// not bound to ctx; it is expected to outlive the pipeline run.
func (r *ExecRunner) Start(_ context.Context, c Command) (*Process, error) {
	r.logger.Debug("starting background command", "command", c.String())

	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.environ()
	if c.Stream {
		cmd.Stdout = r.out
		cmd.Stderr = r.out
	}

	if err := cmd.Start(); err != nil {
		return nil, &types.ExecutionError{Command: c.String(), ExitCode: -1, Err: err}
	}

	return &Process{
		PID:       cmd.Process.Pid,
		Command:   c.String(),
		StartedAt: time.Now(),
		cmd:       cmd,
	}, nil
}
