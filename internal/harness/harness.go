// Package harness runs submitted Python source on an embedded interpreter
// and captures what it prints.
//
// Every Run gets its own interpreter context whose sys.stdout is bound to a
// private pipe, so the process-wide os.Stdout is never touched and nothing
// defined by one run is visible to the next.
package harness

import (
	"errors"
	"fmt"

	"github.com/go-python/gpython/py"
	_ "github.com/go-python/gpython/stdlib"

	"github.com/codive-dev/codive/protocol"
)

// ErrCapture reports a failure of the output capture itself, as opposed to
// a fault raised by the submitted code.
var ErrCapture = errors.New("output capture failed")

// sourceName is the filename shown in tracebacks and syntax errors.
const sourceName = "<submission>"

type Options struct {
	// MaxOutputBytes caps captured output; the rest is dropped.
	MaxOutputBytes int64
	// KeepPartialOutput retains what was printed before a fault. The
	// default discards it and reports an empty stdout.
	KeepPartialOutput bool
}

// Result is the outcome of one run. Fault is empty when the code completed.
type Result struct {
	Stdout    string
	Fault     string
	Truncated bool
}

type Harness struct {
	opts Options
}

func New(opts Options) *Harness {
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = protocol.DefaultMaxOutputBytes
	}
	return &Harness{opts: opts}
}

// Job is a run whose interpreter context and capture are already set up.
// Run must be called exactly once; it releases the context and the pipe.
type Job interface {
	Run() (Result, error)
}

type job struct {
	src  string
	opts Options
	ctx  py.Context
	out  *capture
}

// Prepare builds a fresh interpreter context for src with sys.stdout bound
// to a private pipe. Nothing from src is compiled or executed yet.
func (h *Harness) Prepare(src string) (Job, error) {
	c, err := newCapture(h.opts.MaxOutputBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapture, err)
	}

	ctx := py.NewContext(py.DefaultContextOpts())
	sys, err := ctx.GetModule("sys")
	if err != nil {
		ctx.Close()
		c.finish()
		return nil, fmt.Errorf("%w: sys module: %v", ErrCapture, err)
	}
	sys.Globals["stdout"] = &py.File{File: c.w, FileMode: py.FileWrite | py.FileText}

	return &job{src: src, opts: h.opts, ctx: ctx, out: c}, nil
}

// Run prepares and executes src in one step. Faults raised by src never
// surface as an error; only ErrCapture does.
func (h *Harness) Run(src string) (Result, error) {
	j, err := h.Prepare(src)
	if err != nil {
		return Result{}, err
	}
	return j.Run()
}

func (j *job) Run() (Result, error) {
	fault := execute(j.ctx, j.src)
	j.ctx.Close()
	out, truncated, err := j.out.finish()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrCapture, err)
	}

	if fault != "" && !j.opts.KeepPartialOutput {
		out, truncated = "", false
	}
	return Result{Stdout: out, Fault: fault, Truncated: truncated}, nil
}

// execute compiles src as a module and runs it in ctx, returning the fault
// text or "" on success.
func execute(ctx py.Context, src string) (fault string) {
	defer func() {
		if r := recover(); r != nil {
			fault = fmt.Sprintf("InternalError: %v", r)
		}
	}()

	code, err := py.Compile(src+"\n", sourceName, py.ExecMode, 0, true)
	if err != nil {
		return describe(err)
	}
	if _, err := py.RunCode(ctx, code, sourceName, nil); err != nil {
		return describe(err)
	}
	return ""
}
