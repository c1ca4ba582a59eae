// Package health polls a deployed service until it reports ready.
package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dwsmith1983/rollout/internal/metrics"
	"github.com/dwsmith1983/rollout/pkg/types"
)

// Health check defaults.
const (
	DefaultPath           = "/health"
	DefaultTimeout        = 300 * time.Second
	DefaultInterval       = 5 * time.Second
	DefaultRequestTimeout = 10 * time.Second

	maxDrain = 64 << 10
)

// HTTPDoer is the subset of *http.Client used for probes.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryPolicy decides how long to wait after a failed probe. attempt is
// 1-based and counts the probes made so far.
type RetryPolicy interface {
	Delay(attempt int) time.Duration
}

// FixedInterval waits the same duration after every failed probe.
type FixedInterval time.Duration

// Delay implements RetryPolicy.
func (f FixedInterval) Delay(int) time.Duration { return time.Duration(f) }

// Checker issues repeated GET probes against <base>/health.
type Checker struct {
	client         HTTPDoer
	path           string
	timeout        time.Duration
	requestTimeout time.Duration
	policy         RetryPolicy
	now            func() time.Time
	sleep          func(ctx context.Context, d time.Duration) error
	logger         *slog.Logger
}

// Option configures a Checker.
type Option func(*Checker)

// WithClient sets the HTTP client used for probes.
func WithClient(c HTTPDoer) Option {
	return func(ch *Checker) { ch.client = c }
}

// WithPath sets the path appended to the base URL.
func WithPath(p string) Option {
	return func(ch *Checker) { ch.path = p }
}

// WithTimeout sets the overall wall-clock deadline.
func WithTimeout(d time.Duration) Option {
	return func(ch *Checker) { ch.timeout = d }
}

// WithRequestTimeout bounds a single probe.
func WithRequestTimeout(d time.Duration) Option {
	return func(ch *Checker) { ch.requestTimeout = d }
}

// WithRetryPolicy replaces the fixed 5 second delay between probes.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(ch *Checker) { ch.policy = p }
}

// WithClock replaces the wall clock and the sleep between probes (useful for testing).
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(ch *Checker) {
		ch.now = now
		ch.sleep = sleep
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ch *Checker) { ch.logger = l }
}

// NewChecker creates a Checker with the given options.
func NewChecker(opts ...Option) *Checker {
	c := &Checker{
		client:         &http.Client{},
		path:           DefaultPath,
		timeout:        DefaultTimeout,
		requestTimeout: DefaultRequestTimeout,
		policy:         FixedInterval(DefaultInterval),
		now:            time.Now,
		sleep:          sleepContext,
		logger:         slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if !strings.HasPrefix(c.path, "/") {
		c.path = "/" + c.path
	}
	return c
}

// Result describes a completed WaitForReady call.
type Result struct {
	URL      string
	Attempts []types.HealthCheckAttempt
	Elapsed  time.Duration
}

// Ready reports whether the last attempt observed a ready service.
func (r Result) Ready() bool {
	return len(r.Attempts) > 0 && r.Attempts[len(r.Attempts)-1].Outcome == types.ProbeReady
}

// WaitForReady probes baseURL until a 2xx response is observed or the
// deadline elapses. Transport errors and non-2xx responses are treated alike.
// There is no attempt cap other than the deadline.
func (c *Checker) WaitForReady(ctx context.Context, baseURL string) (Result, error) {
	url := strings.TrimRight(baseURL, "/") + c.path
	start := c.now()
	res := Result{URL: url}

	c.logger.Info("performing health check", "url", url, "timeout", c.timeout)

	for c.now().Sub(start) < c.timeout {
		attempt := c.probe(ctx, url, min(c.requestTimeout, c.timeout-c.now().Sub(start)))
		res.Attempts = append(res.Attempts, attempt)
		metrics.HealthProbesTotal.Add(1)

		if attempt.Outcome == types.ProbeReady {
			res.Elapsed = c.now().Sub(start)
			c.logger.Info("health check passed", "url", url, "attempts", len(res.Attempts), "elapsed", res.Elapsed)
			return res, nil
		}

		c.logger.Debug("service not ready",
			"url", url,
			"attempt", len(res.Attempts),
			"outcome", attempt.Outcome,
			"status", attempt.StatusCode,
			"error", attempt.Err,
		)

		remaining := c.timeout - c.now().Sub(start)
		if remaining <= 0 {
			break
		}
		if err := c.sleep(ctx, min(c.policy.Delay(len(res.Attempts)), remaining)); err != nil {
			res.Elapsed = c.now().Sub(start)
			return res, fmt.Errorf("health check %s interrupted: %w", url, err)
		}
	}

	res.Elapsed = c.now().Sub(start)
	metrics.HealthTimeouts.Add(1)
	return res, &types.TimeoutError{
		Operation: "health check " + url,
		Deadline:  c.timeout,
		Attempts:  len(res.Attempts),
	}
}

// probe issues one GET bounded by timeout.
func (c *Checker) probe(ctx context.Context, url string, timeout time.Duration) types.HealthCheckAttempt {
	attempt := types.HealthCheckAttempt{Timestamp: c.now()}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		attempt.Outcome = types.ProbeTransportError
		attempt.Err = err.Error()
		return attempt
	}

	resp, err := c.client.Do(req)
	if err != nil {
		attempt.Outcome = types.ProbeTransportError
		attempt.Err = err.Error()
		return attempt
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))

	attempt.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		attempt.Outcome = types.ProbeReady
	} else {
		attempt.Outcome = types.ProbeNotReady
	}
	return attempt
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
