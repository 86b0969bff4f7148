package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"testing"
	"time"

	"github.com/codive-dev/codive/internal/boundary"
	"github.com/codive-dev/codive/internal/config"
	"github.com/codive-dev/codive/internal/harness"
	"github.com/codive-dev/codive/internal/profiler"
	"github.com/codive-dev/codive/internal/store"
	"github.com/codive-dev/codive/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// The test binary doubles as the runner when CODIVE_TEST_RUNNER is set.
func TestMain(m *testing.M) {
	if mode := os.Getenv("CODIVE_TEST_RUNNER"); mode != "" {
		os.Exit(helperRunner(mode))
	}
	os.Exit(m.Run())
}

func helperRunner(mode string) int {
	switch mode {
	case "hang":
		time.Sleep(time.Hour)
		return 0
	case "garbage":
		fmt.Println("this is not json")
		return 0
	case "crash":
		fmt.Fprintln(os.Stderr, "runner exploded")
		return 1
	case "panic":
		panic("interpreter exploded")
	}
	debug.SetMaxStack(64 << 20)
	p := profiler.New(harness.New(harness.Options{}), profiler.Options{})
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	in := io.Reader(os.Stdin)
	if mode == "reject" {
		in = strings.NewReader("not json")
	}
	return boundary.ExitCode(boundary.Serve(in, os.Stdout, p, logger))
}

type MockRunStore struct {
	mock.Mock
}

func (m *MockRunStore) CreateRun(run *store.Run) error {
	args := m.Called(run)
	return args.Error(0)
}

func helperConfig(t *testing.T, mode string) *config.Config {
	t.Helper()
	t.Setenv("CODIVE_TEST_RUNNER", mode)
	cfg := testutil.TestConfig()
	cfg.Runner.Path = os.Args[0]
	return cfg
}

func TestMeasurePrint(t *testing.T) {
	st := testutil.NewTestStore(t)
	sup := New(helperConfig(t, "serve"), st, testutil.DiscardLogger())

	run, err := sup.Measure(context.Background(), "print(1+1)")
	require.NoError(t, err)

	assert.Equal(t, "2\n", run.Reply.Stdout)
	assert.Empty(t, run.Reply.Error)
	assert.GreaterOrEqual(t, run.Reply.ExecutionTime, 0.0)
	assert.GreaterOrEqual(t, run.Reply.MemoryUsage, 0.0)
	assert.Equal(t, store.StatusOK, run.Status)
	assert.NotEmpty(t, run.ID)

	saved, err := st.GetRun(run.ID)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, "2\n", saved.Stdout)
	assert.Equal(t, store.StatusOK, saved.Status)
	assert.Equal(t, len("print(1+1)"), saved.CodeBytes)
	assert.Len(t, saved.CodeSHA256, 64)
}

func TestMeasureMultilineRoundTrip(t *testing.T) {
	sup := New(helperConfig(t, "serve"), nil, testutil.DiscardLogger())

	run, err := sup.Measure(context.Background(), "for i in range(3):\n\tprint(i)\nprint('end')")
	require.NoError(t, err)

	assert.Equal(t, "0\n1\n2\nend\n", run.Reply.Stdout)
	assert.Empty(t, run.Reply.Error)
}

func TestMeasureFault(t *testing.T) {
	st := testutil.NewTestStore(t)
	sup := New(helperConfig(t, "serve"), st, testutil.DiscardLogger())

	run, err := sup.Measure(context.Background(), "raise ValueError('bad')")
	require.NoError(t, err)

	assert.Contains(t, run.Reply.Error, "bad")
	assert.Empty(t, run.Reply.Stdout)
	assert.Equal(t, store.StatusFault, run.Status)

	saved, err := st.GetRun(run.ID)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, store.StatusFault, saved.Status)
}

func TestMeasureProgramWithSeveralStatements(t *testing.T) {
	sup := New(helperConfig(t, "serve"), nil, testutil.DiscardLogger())

	run, err := sup.Measure(context.Background(), "def square(n):\n\treturn n * n\n\nprint(square(3))\nprint(square(4))")
	require.NoError(t, err)

	assert.Equal(t, "9\n16\n", run.Reply.Stdout)
	assert.Empty(t, run.Reply.Error)
	assert.Equal(t, store.StatusOK, run.Status)
}

func TestMeasureEmptyProgram(t *testing.T) {
	sup := New(helperConfig(t, "serve"), nil, testutil.DiscardLogger())

	run, err := sup.Measure(context.Background(), "")
	require.NoError(t, err)

	assert.Empty(t, run.Reply.Stdout)
	assert.Empty(t, run.Reply.Error)
	assert.Equal(t, store.StatusOK, run.Status)
}

func TestMeasureUnboundedRecursionIsFault(t *testing.T) {
	st := testutil.NewTestStore(t)
	sup := New(helperConfig(t, "serve"), st, testutil.DiscardLogger())

	run, err := sup.Measure(context.Background(), "def f(n):\n\treturn f(n + 1)\n\nprint('start')\nf(0)")
	require.NoError(t, err)

	assert.Equal(t, store.StatusFault, run.Status)
	assert.Equal(t, "RecursionError: maximum recursion depth exceeded", run.Reply.Error)
	assert.Empty(t, run.Reply.Stdout)
	assert.GreaterOrEqual(t, run.Reply.ExecutionTime, 0.0)
	assert.Equal(t, 0.0, run.Reply.MemoryUsage)

	saved, err := st.GetRun(run.ID)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, store.StatusFault, saved.Status)
}

func TestMeasureRuntimeCrashIsNotMalformedRequest(t *testing.T) {
	sup := New(helperConfig(t, "panic"), nil, testutil.DiscardLogger())

	run, err := sup.Measure(context.Background(), "print(1)")
	require.NoError(t, err)

	assert.Equal(t, store.StatusFault, run.Status)
	assert.Contains(t, run.Reply.Error, "interpreter exploded")
}

func TestMeasureRejectedRequest(t *testing.T) {
	sup := New(helperConfig(t, "reject"), nil, testutil.DiscardLogger())

	_, err := sup.Measure(context.Background(), "print(1)")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedRequest))
	assert.Contains(t, err.Error(), "invalid request")
}

func TestCrashFault(t *testing.T) {
	tests := []struct {
		stderr string
		want   string
	}{
		{"runtime: goroutine stack exceeds 67108864-byte limit\nfatal error: stack overflow\n", "RecursionError: maximum recursion depth exceeded"},
		{"fatal error: runtime: out of memory\n", "MemoryError: out of memory"},
		{"panic: boom\n\ngoroutine 1 [running]:\n", "RuntimeError: interpreter crashed: panic: boom"},
		{"", "RuntimeError: interpreter crashed"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, crashFault(tt.stderr))
	}
}

func TestMeasureTimeout(t *testing.T) {
	st := testutil.NewTestStore(t)
	cfg := helperConfig(t, "hang")
	cfg.Runner.TimeoutMs = 300
	sup := New(cfg, st, testutil.DiscardLogger())

	start := time.Now()
	run, err := sup.Measure(context.Background(), "while True:\n\tpass")
	require.Error(t, err)
	assert.Nil(t, run)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Less(t, time.Since(start), 5*time.Second)

	runs, err := st.ListRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.StatusTimeout, runs[0].Status)
}

func TestMeasureGarbageReply(t *testing.T) {
	sup := New(helperConfig(t, "garbage"), nil, testutil.DiscardLogger())

	_, err := sup.Measure(context.Background(), "print(1)")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRunnerFailed))
}

func TestMeasureRunnerCrash(t *testing.T) {
	sup := New(helperConfig(t, "crash"), nil, testutil.DiscardLogger())

	_, err := sup.Measure(context.Background(), "print(1)")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRunnerFailed))
	assert.Contains(t, err.Error(), "runner exploded")
}

func TestMeasureMissingRunner(t *testing.T) {
	cfg := testutil.TestConfig()
	cfg.Runner.Path = "/nonexistent/codive-runner"
	sup := New(cfg, nil, testutil.DiscardLogger())

	_, err := sup.Measure(context.Background(), "print(1)")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRunnerFailed))
}

func TestMeasureCanceledContext(t *testing.T) {
	sup := New(helperConfig(t, "hang"), nil, testutil.DiscardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := sup.Measure(ctx, "print(1)")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestMeasureStoreFailureIsNotFatal(t *testing.T) {
	st := &MockRunStore{}
	st.On("CreateRun", mock.AnythingOfType("*store.Run")).Return(errors.New("disk full"))
	sup := New(helperConfig(t, "serve"), st, testutil.DiscardLogger())

	run, err := sup.Measure(context.Background(), "print('ok')")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", run.Reply.Stdout)
	st.AssertExpectations(t)
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 5}
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = b.Write([]byte("defg"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "abcde", b.String())
}
