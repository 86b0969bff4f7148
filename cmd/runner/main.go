// Command codive-runner measures one Python program per process: it reads
// {"code": ...} from stdin and writes one JSON reply line to stdout.
//
// Exit status is 0 after a reply (faults in the program included), 3 after
// an error reply for a malformed request, and 1 when no reply could be
// produced. Status 2 means the Go runtime itself crashed, for example on a
// stack overflow from unbounded recursion.
package main

import (
	"flag"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/codive-dev/codive/internal/boundary"
	"github.com/codive-dev/codive/internal/config"
	"github.com/codive-dev/codive/internal/harness"
	"github.com/codive-dev/codive/internal/profiler"
	"github.com/codive-dev/codive/protocol"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", os.Getenv("CODIVE_CONFIG"), "path to codive.yaml")
	flag.Parse()

	// stdout carries the reply; everything else goes to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		return protocol.ExitHarnessFailure
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))

	maxOutput, err := cfg.MaxOutputBytes()
	if err != nil {
		logger.Error("load config", "error", err)
		return protocol.ExitHarnessFailure
	}
	maxStack, err := cfg.MaxStackBytes()
	if err != nil {
		logger.Error("load config", "error", err)
		return protocol.ExitHarnessFailure
	}
	debug.SetMaxStack(maxStack)

	h := harness.New(harness.Options{
		MaxOutputBytes:    maxOutput,
		KeepPartialOutput: cfg.Harness.KeepPartialOutput,
	})
	p := profiler.New(h, profiler.Options{SampleInterval: cfg.SampleInterval()})

	err = boundary.Serve(os.Stdin, os.Stdout, p, logger)
	if err != nil {
		logger.Error("serve", "error", err)
	}
	return boundary.ExitCode(err)
}
