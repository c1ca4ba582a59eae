// Package alert delivers pipeline outcome notifications to configured sinks.
package alert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dwsmith1983/rollout/internal/metrics"
	"github.com/dwsmith1983/rollout/pkg/types"
)

// Sink is a notification destination.
type Sink interface {
	Send(ctx context.Context, alert types.Alert) error
	Name() string
}

// Dispatcher fans an alert out to every configured sink. Delivery failures
// are logged and never propagated as pipeline failures.
type Dispatcher struct {
	sinks      []Sink
	logger     *slog.Logger
	consoleOut io.Writer
	snsOpts    []SNSSinkOption
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithConsoleOutput sets where the console sink writes. Defaults to stdout.
func WithConsoleOutput(w io.Writer) DispatcherOption {
	return func(d *Dispatcher) { d.consoleOut = w }
}

// WithSinks appends extra sinks (useful for testing).
func WithSinks(sinks ...Sink) DispatcherOption {
	return func(d *Dispatcher) { d.sinks = append(d.sinks, sinks...) }
}

// WithSNSOptions forwards options to the SNS sink when one is configured.
func WithSNSOptions(opts ...SNSSinkOption) DispatcherOption {
	return func(d *Dispatcher) { d.snsOpts = append(d.snsOpts, opts...) }
}

// NewDispatcher creates a dispatcher from the notify configuration. A missing
// webhook URL or topic ARN silently disables that sink. The console sink is
// opt-in since the pipeline already prints the outcome line.
func NewDispatcher(cfg types.NotifyConfig, opts ...DispatcherOption) (*Dispatcher, error) {
	d := &Dispatcher{logger: slog.Default(), consoleOut: os.Stdout}
	for _, o := range opts {
		o(d)
	}

	if cfg.Console != nil && *cfg.Console {
		d.sinks = append(d.sinks, NewConsoleSinkTo(d.consoleOut))
	}
	if cfg.WebhookURL != "" {
		d.sinks = append(d.sinks, NewWebhookSink(cfg.WebhookURL))
	}
	if cfg.File != "" {
		sink, err := NewFileSink(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("creating %s sink: %w", types.AlertFile, err)
		}
		d.sinks = append(d.sinks, sink)
	}
	if cfg.SNSTopicARN != "" {
		sink, err := NewSNSSink(cfg.SNSTopicARN, d.snsOpts...)
		if err != nil {
			return nil, fmt.Errorf("creating %s sink: %w", types.AlertSNS, err)
		}
		d.sinks = append(d.sinks, sink)
	}
	return d, nil
}

// Sinks returns the names of the configured sinks.
func (d *Dispatcher) Sinks() []string {
	names := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Dispatch sends an alert to all sinks concurrently and waits for them. The
// returned error joins every NotificationError and is informational only.
func (d *Dispatcher) Dispatch(ctx context.Context, alert types.Alert) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, sink := range d.sinks {
		g.Go(func() error {
			if err := sink.Send(ctx, alert); err != nil {
				metrics.NotificationsFailed.Add(1)
				d.logger.Warn("failed to send notification", "sink", sink.Name(), "error", err)
				mu.Lock()
				errs = append(errs, &types.NotificationError{Sink: sink.Name(), Err: err})
				mu.Unlock()
				return nil
			}
			metrics.NotificationsSent.Add(1)
			d.logger.Debug("notification sent", "sink", sink.Name())
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Close releases sinks that hold resources, such as the deployment log file.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, sink := range d.sinks {
		if c, ok := sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing %s sink: %w", sink.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
