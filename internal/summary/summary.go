// Package summary persists a JSON summary of each phase run.
package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	// ErrNoSummary is returned when no summary exists for a phase.
	ErrNoSummary = errors.New("no summary found")
)

// Summary describes one finished phase run.
type Summary struct {
	Phase           string           `json:"phase"`
	Root            string           `json:"root"`
	RunID           string           `json:"run_id"`
	Workers         int              `json:"workers"`
	StartedAt       time.Time        `json:"started_at"`
	FinishedAt      time.Time        `json:"finished_at"`
	DurationSeconds float64          `json:"duration_seconds"`
	Units           int64            `json:"units"`
	FailedUnits     int64            `json:"failed_units"`
	Counters        map[string]int64 `json:"counters,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// Finish stamps the end of the run and its outcome.
func (s *Summary) Finish(at time.Time, err error) {
	s.FinishedAt = at
	s.DurationSeconds = at.Sub(s.StartedAt).Seconds()
	if err != nil {
		s.Error = err.Error()
	}
}

// Manager handles summary persistence and retrieval.
type Manager interface {
	// Load reads the last summary written for phase.
	Load(ctx context.Context, phase string) (*Summary, error)

	// Save persists the summary, replacing the previous one for its phase.
	Save(ctx context.Context, s *Summary) error
}

// Config configures the summary manager.
type Config struct {
	Enabled bool
	Dir     string // Directory for summary files
}

// NewManager creates a summary manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create summary directory %s: %w", cfg.Dir, err)
	}

	return &fileManager{dir: cfg.Dir}, nil
}

// fileManager persists summaries to local files.
type fileManager struct {
	dir string
}

func (m *fileManager) path(phase string) string {
	return filepath.Join(m.dir, fmt.Sprintf("summary_%s.json", phase))
}

// Load reads the summary file of phase.
func (m *fileManager) Load(ctx context.Context, phase string) (*Summary, error) {
	data, err := os.ReadFile(m.path(phase))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSummary
		}
		return nil, fmt.Errorf("read summary file: %w", err)
	}

	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse summary file: %w", err)
	}
	return &s, nil
}

// Save writes the summary atomically.
func (m *fileManager) Save(ctx context.Context, s *Summary) error {
	if s.Phase == "" {
		return errors.New("summary has no phase")
	}
	path := m.path(s.Phase)

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write summary temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename summary file: %w", err)
	}

	return nil
}

// noopManager is used when summaries are disabled.
type noopManager struct{}

func (m *noopManager) Load(ctx context.Context, phase string) (*Summary, error) {
	return nil, ErrNoSummary
}

func (m *noopManager) Save(ctx context.Context, s *Summary) error {
	return nil
}
