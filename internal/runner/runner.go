// Package runner executes external commands for pipeline stages.
package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dwsmith1983/rollout/internal/metrics"
	"github.com/dwsmith1983/rollout/pkg/types"
)

// defaultWaitDelay bounds how long Run waits for output pipes after the process
// exits or is killed. Background grandchildren can otherwise hold them open.
const defaultWaitDelay = 5 * time.Second

// Command describes a single external process invocation.
type Command struct {
	Name string
	Args []string
	// Env is appended to the inherited environment of the child only.
	Env     map[string]string
	Dir     string
	Stream  bool
	Timeout time.Duration
}

// Shell wraps a command line in "sh -c".
func Shell(line string) Command {
	return Command{Name: "sh", Args: []string{"-c", line}}
}

// String returns the command as an operator would type it.
func (c Command) String() string {
	if c.Name == "sh" && len(c.Args) == 2 && c.Args[0] == "-c" {
		return c.Args[1]
	}
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

func (c Command) environ() []string {
	if len(c.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := os.Environ()
	for _, k := range keys {
		env = append(env, k+"="+c.Env[k])
	}
	return env
}

// Result is the captured outcome of a completed command.
type Result struct {
	Stdout   string
	ExitCode int
}

// Runner runs external commands. Implementations never retry.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
	Start(ctx context.Context, cmd Command) (*Process, error)
	LookPath(name string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	out            io.Writer
	logger         *slog.Logger
	defaultTimeout time.Duration
	waitDelay      time.Duration
	lookPath       func(string) (string, error)
}

// Option configures an ExecRunner.
type Option func(*ExecRunner)

// WithOutput sets where streamed command output is mirrored.
func WithOutput(w io.Writer) Option {
	return func(r *ExecRunner) { r.out = w }
}

// WithLogger sets the logger used for debug command traces.
func WithLogger(l *slog.Logger) Option {
	return func(r *ExecRunner) { r.logger = l }
}

// WithDefaultTimeout bounds every command that does not set its own Timeout.
// Zero means commands block until they exit.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *ExecRunner) { r.defaultTimeout = d }
}

// WithLookPath replaces exec.LookPath (useful for testing).
func WithLookPath(fn func(string) (string, error)) Option {
	return func(r *ExecRunner) { r.lookPath = fn }
}

// New creates an ExecRunner with the given options.
func New(opts ...Option) *ExecRunner {
	r := &ExecRunner{
		out:       os.Stdout,
		logger:    slog.Default(),
		waitDelay: defaultWaitDelay,
		lookPath:  exec.LookPath,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// LookPath resolves a tool on PATH.
func (r *ExecRunner) LookPath(name string) (string, error) {
	return r.lookPath(name)
}

// Run executes cmd and blocks until it exits. A non-zero exit yields an
// ExecutionError carrying the combined output; an expired timeout yields a
// TimeoutError.
func (r *ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = r.defaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	r.logger.Debug("executing command", "command", c.String())

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.environ()
	cmd.WaitDelay = r.waitDelay

	var stdout bytes.Buffer
	combined := &lockedBuffer{}
	if c.Stream {
		cmd.Stdout = io.MultiWriter(&stdout, combined, r.out)
		cmd.Stderr = io.MultiWriter(combined, r.out)
	} else {
		cmd.Stdout = io.MultiWriter(&stdout, combined)
		cmd.Stderr = combined
	}

	metrics.CommandsExecuted.Add(1)
	err := cmd.Run()
	res := Result{Stdout: stdout.String()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return res, nil
	}
	// A zero exit whose pipes stay held by a background child still succeeds.
	if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Success() {
		r.logger.Warn("command left background output open", "command", c.String(), "waitDelay", r.waitDelay)
		return res, nil
	}

	if timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, &types.TimeoutError{Operation: "command " + c.String(), Deadline: timeout}
	}

	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	res.ExitCode = code
	return res, &types.ExecutionError{
		Command:  c.String(),
		ExitCode: code,
		Output:   combined.String(),
		Err:      err,
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
