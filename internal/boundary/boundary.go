// Package boundary is the runner's request/reply loop: one request from
// stdin, one reply line on stdout.
package boundary

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/codive-dev/codive/internal/profiler"
	"github.com/codive-dev/codive/protocol"
)

// ErrMalformedRequest is returned after an error reply has been written
// for input that is not a JSON request object.
var ErrMalformedRequest = errors.New("malformed request")

// Measurer produces a record for a source string. *profiler.Profiler
// satisfies it.
type Measurer interface {
	Measure(src string) (profiler.Record, error)
}

// Serve reads one request from in, measures it and writes one reply to out.
//
// A malformed request still gets a reply (empty stdout, zero measurements,
// error text set) and Serve returns ErrMalformedRequest. When the
// measurement itself fails nothing is written and the error is returned.
func Serve(in io.Reader, out io.Writer, m Measurer, logger *slog.Logger) error {
	req, err := protocol.DecodeRequest(in)
	if err != nil {
		logger.Warn("rejecting request", "error", err)
		rep := protocol.Reply{Error: "invalid request: " + err.Error()}
		if werr := protocol.WriteReply(out, rep); werr != nil {
			return werr
		}
		return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}

	code := protocol.Unescape(req.Code)
	logger.Debug("measuring", "code_bytes", len(code))

	rec, err := m.Measure(code)
	if err != nil {
		return err
	}
	if rec.Truncated {
		logger.Warn("output truncated", "kept_bytes", len(rec.Stdout))
	}
	logger.Debug("measured",
		"execution_time_ms", rec.ExecutionTimeMs,
		"memory_usage_kb", rec.MemoryUsageKB,
		"fault", rec.Error != "",
	)

	return protocol.WriteReply(out, rec.Reply())
}

// ExitCode maps the result of Serve to the runner's process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return protocol.ExitOK
	case errors.Is(err, ErrMalformedRequest):
		return protocol.ExitMalformedRequest
	default:
		return protocol.ExitHarnessFailure
	}
}
