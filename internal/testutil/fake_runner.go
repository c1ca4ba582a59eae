// Package testutil provides shared test utilities for rollout.
package testutil

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/dwsmith1983/rollout/internal/health"
	"github.com/dwsmith1983/rollout/internal/runner"
	"github.com/dwsmith1983/rollout/pkg/types"
)

// Compile-time interface satisfaction check.
var _ runner.Runner = (*FakeRunner)(nil)

type scripted struct {
	res runner.Result
	err error
}

// FakeRunner is an in-memory Runner that records every command instead of
// executing it. Unscripted commands succeed with empty output.
type FakeRunner struct {
	mu       sync.Mutex
	ran      []runner.Command
	started  []runner.Command
	results  map[string]scripted
	tools    map[string]bool
	startErr error
}

// NewFakeRunner creates a FakeRunner where only the named tools are on PATH.
func NewFakeRunner(tools ...string) *FakeRunner {
	f := &FakeRunner{
		results: make(map[string]scripted),
		tools:   make(map[string]bool),
	}
	f.AddTool(tools...)
	return f
}

// AddTool puts tools on the fake PATH.
func (f *FakeRunner) AddTool(names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range names {
		f.tools[n] = true
	}
}

// OnRun scripts the result for a command, keyed by its String form.
func (f *FakeRunner) OnRun(line string, res runner.Result, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[line] = scripted{res: res, err: err}
}

// Fail scripts a command to exit with code and output.
func (f *FakeRunner) Fail(line string, code int, output string) {
	f.OnRun(line, runner.Result{Stdout: output, ExitCode: code}, &types.ExecutionError{
		Command:  line,
		ExitCode: code,
		Output:   output,
		Err:      fmt.Errorf("exit status %d", code),
	})
}

// FailStart makes every Start call return err.
func (f *FakeRunner) FailStart(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

// Run records cmd and returns its scripted result.
func (f *FakeRunner) Run(ctx context.Context, cmd runner.Command) (runner.Result, error) {
	if err := ctx.Err(); err != nil {
		return runner.Result{ExitCode: -1}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, cmd)
	s, ok := f.results[cmd.String()]
	if !ok {
		return runner.Result{}, nil
	}
	return s.res, s.err
}

// Start records cmd and returns a handle with no underlying process.
func (f *FakeRunner) Start(_ context.Context, cmd runner.Command) (*runner.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, cmd)
	return &runner.Process{PID: 4000 + len(f.started), Command: cmd.String(), StartedAt: time.Now()}, nil
}

// LookPath resolves names added with AddTool.
func (f *FakeRunner) LookPath(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tools[name] {
		return "/usr/bin/" + name, nil
	}
	return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
}

// Ran returns the String form of every Run call in order.
func (f *FakeRunner) Ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ran))
	for i, c := range f.ran {
		out[i] = c.String()
	}
	return out
}

// Commands returns a copy of every command passed to Run.
func (f *FakeRunner) Commands() []runner.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runner.Command(nil), f.ran...)
}

// Started returns a copy of every command passed to Start.
func (f *FakeRunner) Started() []runner.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runner.Command(nil), f.started...)
}

// StubChecker is a readiness checker that records the URLs it was asked to
// probe and returns a fixed result.
type StubChecker struct {
	mu   sync.Mutex
	urls []string
	Err  error
}

// WaitForReady records baseURL and returns Err.
func (s *StubChecker) WaitForReady(_ context.Context, baseURL string) (health.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls = append(s.urls, baseURL)
	if s.Err != nil {
		return health.Result{URL: baseURL}, s.Err
	}
	return health.Result{URL: baseURL, Attempts: []types.HealthCheckAttempt{{Outcome: types.ProbeReady, StatusCode: 200}}}, nil
}

// URLs returns every probed base URL.
func (s *StubChecker) URLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.urls...)
}
