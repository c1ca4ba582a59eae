package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dwsmith1983/rollout/pkg/types"
)

// deploymentRecord is one line of the deployment log.
type deploymentRecord struct {
	RunID       string                 `json:"runId"`
	Environment string                 `json:"environment"`
	Level       types.AlertLevel       `json:"level"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// FileSink appends one JSON line per deployment outcome to a log file so CI
// can read the history without parsing terminal output.
type FileSink struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// NewFileSink opens path for appending, creating parent directories.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating deployment log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening deployment log: %w", err)
	}
	return &FileSink{f: f, enc: json.NewEncoder(f)}, nil
}

// Name returns the sink identifier.
func (s *FileSink) Name() string { return string(types.AlertFile) }

// Send appends the alert as a deployment record.
func (s *FileSink) Send(_ context.Context, alert types.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return os.ErrClosed
	}
	return s.enc.Encode(deploymentRecord{
		RunID:       alert.RunID,
		Environment: alert.Environment,
		Level:       alert.Level,
		Message:     alert.Message,
		Details:     alert.Details,
		Timestamp:   alert.Timestamp,
	})
}

// Close closes the log file. Later sends fail with os.ErrClosed.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
