// Package profiler wraps a harness run with wall-clock timing and heap
// tracking and produces one Record per run.
package profiler

import (
	"fmt"
	"time"

	"github.com/codive-dev/codive/internal/harness"
	"github.com/codive-dev/codive/internal/memtrack"
	"github.com/codive-dev/codive/protocol"
)

// Executor prepares source code for a captured run. *harness.Harness
// satisfies it.
type Executor interface {
	Prepare(src string) (harness.Job, error)
}

type Options struct {
	// SampleInterval is the heap sampling period while code runs.
	SampleInterval time.Duration
}

// Record is the measurement for one run. ExecutionTimeMs and MemoryUsageKB
// are always present and non-negative, faults included.
type Record struct {
	Stdout          string
	Error           string
	ExecutionTimeMs float64
	MemoryUsageKB   float64
	Truncated       bool
}

// Reply converts the record to its wire form.
func (r Record) Reply() protocol.Reply {
	return protocol.Reply{
		Stdout:        r.Stdout,
		Error:         r.Error,
		ExecutionTime: r.ExecutionTimeMs,
		MemoryUsage:   r.MemoryUsageKB,
	}
}

type Profiler struct {
	exec Executor
	opts Options
}

func New(exec Executor, opts Options) *Profiler {
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = memtrack.DefaultInterval
	}
	return &Profiler{exec: exec, opts: opts}
}

// Measure runs src and reports its output, fault, elapsed time and peak
// traced heap. An error is returned only when the run could not be
// captured at all.
//
// The interpreter context is built before measurement starts, so neither
// figure includes interpreter start-up.
func (p *Profiler) Measure(src string) (Record, error) {
	job, err := p.exec.Prepare(src)
	if err != nil {
		return Record{}, fmt.Errorf("measure: %w", err)
	}

	start := time.Now()
	tracker := memtrack.Start(p.opts.SampleInterval)

	res, err := job.Run()

	mem := tracker.Stop()
	elapsed := time.Since(start)

	if err != nil {
		return Record{}, fmt.Errorf("measure: %w", err)
	}

	return Record{
		Stdout:          res.Stdout,
		Error:           res.Fault,
		ExecutionTimeMs: millis(elapsed),
		MemoryUsageKB:   float64(mem.Peak) / 1024,
		Truncated:       res.Truncated,
	}, nil
}

func millis(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
