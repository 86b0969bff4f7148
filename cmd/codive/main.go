// Command codive measures Python programs through the codive-runner
// subprocess and keeps a history of the results.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codive-dev/codive/internal/config"
	"github.com/codive-dev/codive/internal/store"
	"github.com/codive-dev/codive/internal/supervisor"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("CODIVE_CONFIG"), "path to codive.yaml")
	file := flag.String("file", "", "program to measure (default: read stdin)")
	history := flag.Bool("history", false, "list recent runs instead of measuring")
	limit := flag.Int("limit", 0, "number of runs to list (default: history_limit from config)")
	prune := flag.Duration("prune", 0, "delete runs older than this duration and exit")
	noRecord := flag.Bool("no-record", false, "do not store the run")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))

	st, err := store.New(cfg.DBPath, 0)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	switch {
	case *prune > 0:
		n, err := st.DeleteRunsBefore(time.Now().Add(-*prune))
		if err != nil {
			logger.Error("prune", "error", err)
			os.Exit(1)
		}
		logger.Info("pruned runs", "deleted", n, "older_than", *prune)
		return

	case *history:
		n := *limit
		if n <= 0 {
			n = cfg.HistoryLimit
		}
		runs, err := st.ListRuns(n)
		if err != nil {
			logger.Error("list runs", "error", err)
			os.Exit(1)
		}
		if runs == nil {
			runs = []*store.Run{}
		}
		if err := printJSON(runs); err != nil {
			logger.Error("write history", "error", err)
			os.Exit(1)
		}
		return
	}

	code, err := readProgram(*file)
	if err != nil {
		logger.Error("read program", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var rs supervisor.RunStore = st
	if *noRecord {
		rs = nil
	}
	sup := supervisor.New(cfg, rs, logger)

	run, err := sup.Measure(ctx, code)
	if err != nil {
		logger.Error("measure", "error", err)
		os.Exit(1)
	}
	if err := printJSON(run); err != nil {
		logger.Error("write run", "error", err)
		os.Exit(1)
	}
}

func readProgram(path string) (string, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func printJSON(v any) error {
	return writeJSON(os.Stdout, v)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return nil
}
