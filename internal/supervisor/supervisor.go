// Package supervisor runs the measurement runner as a short-lived child
// process: one process per submission, killed if it outlives its deadline.
package supervisor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/codive-dev/codive/internal/config"
	"github.com/codive-dev/codive/internal/store"
	"github.com/codive-dev/codive/protocol"
)

var (
	ErrTimeout          = errors.New("runner timed out")
	ErrRunnerFailed     = errors.New("runner failed")
	ErrMalformedRequest = errors.New("runner rejected request")
)

// maxStderrBytes bounds how much runner stderr is kept for error messages.
const maxStderrBytes = 64 * 1024

// RunStore persists measured runs. *store.Store satisfies it.
type RunStore interface {
	CreateRun(run *store.Run) error
}

// Run is the outcome of one supervised measurement.
type Run struct {
	ID         string         `json:"id"`
	Status     string         `json:"status"`
	Reply      protocol.Reply `json:"reply"`
	PeakRSSKB  float64        `json:"peak_rss_kb"`
	DurationMs int64          `json:"duration_ms"`
	CreatedAt  time.Time      `json:"created_at"`
}

type Supervisor struct {
	cfg    *config.Config
	store  RunStore
	logger *slog.Logger
}

// New returns a Supervisor. st may be nil, in which case runs are not recorded.
func New(cfg *config.Config, st RunStore, logger *slog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, store: st, logger: logger}
}

// Measure runs code in a fresh runner process and returns its reply.
// Faults in the submitted code are part of a successful Run; errors are
// reserved for timeouts and runner failures.
func (s *Supervisor) Measure(ctx context.Context, code string) (*Run, error) {
	payload, err := json.Marshal(protocol.Request{Code: protocol.Escape(code)})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	timeout := s.cfg.RunnerTimeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.cfg.Runner.Path, s.cfg.Runner.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	stdout := &cappedBuffer{limit: protocol.MaxReplyBytes}
	stderr := &cappedBuffer{limit: maxStderrBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	run := &Run{ID: uuid.New().String()}
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrRunnerFailed, s.cfg.Runner.Path, err)
	}

	rss := watchRSS(cmd.Process.Pid, s.cfg.RSSSampleInterval())
	waitErr := cmd.Wait()
	run.PeakRSSKB = float64(rss.stop()) / 1024
	run.DurationMs = time.Since(start).Milliseconds()
	run.CreatedAt = time.Now().UTC()

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			run.Status = store.StatusTimeout
			s.record(code, run)
			s.logger.Warn("runner timed out", "run_id", run.ID, "timeout", timeout)
			return nil, fmt.Errorf("%w after %s (run %s)", ErrTimeout, timeout, run.ID)
		}
		return nil, ctxErr
	}

	rep, parseErr := protocol.ParseReply(stdout.Bytes())

	if waitErr != nil {
		var exitErr *exec.ExitError
		exitCode := -1
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		if exitCode == protocol.ExitMalformedRequest {
			run.Status = store.StatusFailed
			s.record(code, run)
			return nil, fmt.Errorf("%w: %s", ErrMalformedRequest, rep.Error)
		}
		if exitCode == protocol.ExitRuntimeCrash && parseErr != nil {
			// A runtime crash without a reply is the submitted code
			// exhausting the runner, reported like any other fault.
			run.Reply = protocol.Reply{
				Error:         crashFault(stderr.String()),
				ExecutionTime: float64(run.DurationMs),
			}
			run.Status = store.StatusFault
			s.record(code, run)
			s.logger.Warn("runner crashed", "run_id", run.ID, "fault", run.Reply.Error)
			return run, nil
		}
		run.Status = store.StatusFailed
		s.record(code, run)
		return nil, fmt.Errorf("%w: %v: %s", ErrRunnerFailed, waitErr, strings.TrimSpace(stderr.String()))
	}
	if parseErr != nil {
		run.Status = store.StatusFailed
		s.record(code, run)
		return nil, fmt.Errorf("%w: %v", ErrRunnerFailed, parseErr)
	}

	run.Reply = rep
	run.Status = store.StatusOK
	if rep.Error != "" {
		run.Status = store.StatusFault
	}
	s.record(code, run)

	s.logger.Info("measured",
		"run_id", run.ID,
		"status", run.Status,
		"execution_time_ms", rep.ExecutionTime,
		"memory_usage", units.BytesSize(rep.MemoryUsage*1024),
		"peak_rss", units.BytesSize(run.PeakRSSKB*1024),
		"duration_ms", run.DurationMs,
	)
	return run, nil
}

// crashFault describes a Go runtime crash of the runner as a fault message.
func crashFault(stderr string) string {
	switch {
	case strings.Contains(stderr, "fatal error: stack overflow"):
		return "RecursionError: maximum recursion depth exceeded"
	case strings.Contains(stderr, "out of memory"):
		return "MemoryError: out of memory"
	}
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "panic: ") || strings.HasPrefix(line, "fatal error: ") {
			return "RuntimeError: interpreter crashed: " + line
		}
	}
	return "RuntimeError: interpreter crashed"
}

// record persists run; failures are logged, never returned.
func (s *Supervisor) record(code string, run *Run) {
	if s.store == nil {
		return
	}
	sum := sha256.Sum256([]byte(code))
	err := s.store.CreateRun(&store.Run{
		ID:              run.ID,
		CodeSHA256:      hex.EncodeToString(sum[:]),
		CodeBytes:       len(code),
		Stdout:          run.Reply.Stdout,
		Error:           run.Reply.Error,
		ExecutionTimeMs: run.Reply.ExecutionTime,
		MemoryUsageKB:   run.Reply.MemoryUsage,
		PeakRSSKB:       run.PeakRSSKB,
		Status:          run.Status,
		CreatedAt:       run.CreatedAt,
	})
	if err != nil {
		s.logger.Error("record run", "run_id", run.ID, "error", err)
	}
}

// cappedBuffer keeps the first limit bytes written to it.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte  { return b.buf.Bytes() }
func (b *cappedBuffer) String() string { return b.buf.String() }
