package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/codive-dev/codive/protocol"
)

type RunnerConfig struct {
	Path        string   `yaml:"path"`
	Args        []string `yaml:"args"`
	TimeoutMs   int      `yaml:"timeout_ms"`
	RSSSampleMs int      `yaml:"rss_sample_ms"`
}

type HarnessConfig struct {
	MaxOutput         string `yaml:"max_output"` // human-readable, e.g. "1MB"
	MaxStack          string `yaml:"max_stack"`  // Go stack ceiling for the runner
	KeepPartialOutput bool   `yaml:"keep_partial_output"`
	SampleIntervalUs  int    `yaml:"sample_interval_us"`
}

type Config struct {
	LogLevel     string        `yaml:"log_level"`
	DBPath       string        `yaml:"db_path"`
	HistoryLimit int           `yaml:"history_limit"`
	Runner       RunnerConfig  `yaml:"runner"`
	Harness      HarnessConfig `yaml:"harness"`
}

// DefaultMaxStackBytes bounds the runner's goroutine stacks. Deep recursion
// in submitted code ends in a stack overflow crash at this size.
const DefaultMaxStackBytes = 256 * 1024 * 1024

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		LogLevel:     "info",
		DBPath:       "./codive.db",
		HistoryLimit: 20,
		Runner: RunnerConfig{
			Path:        "codive-runner",
			TimeoutMs:   10000,
			RSSSampleMs: 10,
		},
		Harness: HarnessConfig{
			MaxOutput:        units.BytesSize(protocol.DefaultMaxOutputBytes),
			MaxStack:         units.BytesSize(DefaultMaxStackBytes),
			SampleIntervalUs: 1000,
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CODIVE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CODIVE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CODIVE_HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HistoryLimit = n
		}
	}
	if v := os.Getenv("CODIVE_RUNNER_PATH"); v != "" {
		cfg.Runner.Path = v
	}
	if v := os.Getenv("CODIVE_RUNNER_ARGS"); v != "" {
		cfg.Runner.Args = strings.Fields(v)
	}
	if v := os.Getenv("CODIVE_RUNNER_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Runner.TimeoutMs = n
		}
	}
	if v := os.Getenv("CODIVE_RUNNER_RSS_SAMPLE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Runner.RSSSampleMs = n
		}
	}
	if v := os.Getenv("CODIVE_MAX_OUTPUT"); v != "" {
		cfg.Harness.MaxOutput = v
	}
	if v := os.Getenv("CODIVE_MAX_STACK"); v != "" {
		cfg.Harness.MaxStack = v
	}
	if v := os.Getenv("CODIVE_KEEP_PARTIAL_OUTPUT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Harness.KeepPartialOutput = b
		}
	}
	if v := os.Getenv("CODIVE_SAMPLE_INTERVAL_US"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Harness.SampleIntervalUs = n
		}
	}
}

// Validate rejects values the runner or supervisor cannot work with.
func (c *Config) Validate() error {
	if _, err := c.MaxOutputBytes(); err != nil {
		return err
	}
	if _, err := c.MaxStackBytes(); err != nil {
		return err
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Runner.Path == "" {
		return fmt.Errorf("runner.path must not be empty")
	}
	if c.Runner.TimeoutMs <= 0 {
		return fmt.Errorf("runner.timeout_ms must be positive, got %d", c.Runner.TimeoutMs)
	}
	return nil
}

// MaxOutputBytes parses Harness.MaxOutput ("512KB", "2MiB", "1048576").
func (c *Config) MaxOutputBytes() (int64, error) {
	n, err := units.RAMInBytes(c.Harness.MaxOutput)
	if err != nil {
		return 0, fmt.Errorf("harness.max_output: %w", err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("harness.max_output must be positive, got %q", c.Harness.MaxOutput)
	}
	return n, nil
}

// MaxStackBytes parses Harness.MaxStack. Empty means DefaultMaxStackBytes.
func (c *Config) MaxStackBytes() (int, error) {
	if c.Harness.MaxStack == "" {
		return DefaultMaxStackBytes, nil
	}
	n, err := units.RAMInBytes(c.Harness.MaxStack)
	if err != nil {
		return 0, fmt.Errorf("harness.max_stack: %w", err)
	}
	if n < 1024*1024 {
		return 0, fmt.Errorf("harness.max_stack must be at least 1MiB, got %q", c.Harness.MaxStack)
	}
	return int(n), nil
}

func (c *Config) RunnerTimeout() time.Duration {
	return time.Duration(c.Runner.TimeoutMs) * time.Millisecond
}

func (c *Config) RSSSampleInterval() time.Duration {
	if c.Runner.RSSSampleMs <= 0 {
		return 10 * time.Millisecond
	}
	return time.Duration(c.Runner.RSSSampleMs) * time.Millisecond
}

func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.Harness.SampleIntervalUs) * time.Microsecond
}

// Level returns the configured slog level; Validate has already vetted it.
func (c *Config) Level() slog.Level {
	lvl, _ := parseLevel(c.LogLevel)
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}
