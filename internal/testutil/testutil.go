package testutil

import (
	"io"
	"log/slog"
	"testing"

	"github.com/codive-dev/codive/internal/config"
	"github.com/codive-dev/codive/internal/store"
)

// TestConfig returns a Config with sensible test defaults.
func TestConfig() *config.Config {
	return &config.Config{
		LogLevel:     "debug",
		DBPath:       ":memory:",
		HistoryLimit: 20,
		Runner: config.RunnerConfig{
			Path:        "codive-runner",
			TimeoutMs:   10000,
			RSSSampleMs: 5,
		},
		Harness: config.HarnessConfig{
			MaxOutput:        "1MiB",
			SampleIntervalUs: 1000,
		},
	}
}

// NewTestStore creates an in-memory SQLite store for testing.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:", 0)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
