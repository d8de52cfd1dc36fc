package controller_test

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/parallelpark/internal/config"
	"github.com/mattjoyce/parallelpark/internal/controller"
	"github.com/mattjoyce/parallelpark/internal/controller/mocks"
	"github.com/mattjoyce/parallelpark/internal/errors"
	"github.com/mattjoyce/parallelpark/internal/jobs"
	"github.com/mattjoyce/parallelpark/internal/journal"
	"github.com/mattjoyce/parallelpark/internal/stack"
	"github.com/mattjoyce/parallelpark/internal/worker"
)

func newController(t *testing.T) *controller.Controller {
	t.Helper()
	return controller.New(controller.Options{TerminationGrace: 2 * time.Second})
}

func TestDelegate_NoInput(t *testing.T) {
	c := newController(t)
	raw, err := c.DelegateNoInput(context.Background(), controller.Task("answer"))
	require.NoError(t, err)
	assert.JSONEq(t, `52`, string(raw))
}

func TestDelegate_NilInputIsEmptyObject(t *testing.T) {
	c := newController(t)
	raw, err := c.Delegate(context.Background(), nil, controller.Task("answer"))
	require.NoError(t, err)
	assert.JSONEq(t, `52`, string(raw))
}

func TestDelegate_WithInput(t *testing.T) {
	c := newController(t)
	got, err := controller.Call[string](context.Background(), c,
		map[string]string{"first": "potato", "second": "knishes"}, controller.Task("concat"))
	require.NoError(t, err)
	assert.Equal(t, "potato knishes", got)
}

func TestDelegate_Lua(t *testing.T) {
	c := newController(t)
	got, err := controller.Call[string](context.Background(), c,
		map[string]string{"first": "potato", "second": "knishes"},
		controller.Lua(`function(input) return input.first .. " " .. input.second end`))
	require.NoError(t, err)
	assert.Equal(t, "potato knishes", got)
}

func TestDelegate_LuaRelativeRequire(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sample.lua"), []byte(`return "Hello!"`), 0o644))

	c := newController(t)
	fn := controller.Lua(`function() return require("sample") end`).WithOrigin(filepath.Join(dir, "caller.go"))
	got, err := controller.Call[string](context.Background(), c, nil, fn)
	require.NoError(t, err)
	assert.Equal(t, "Hello!", got)
}

func TestDelegate_OriginDefaultsToCallingFile(t *testing.T) {
	c := newController(t)
	got, err := controller.Call[string](context.Background(), c, nil, controller.Task("origin"))
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got), got)
	assert.Equal(t, "controller_test.go", filepath.Base(got))
}

func triggerSad(c *controller.Controller) error {
	_, err := c.DelegateNoInput(context.Background(), controller.Task("sad"))
	return err
}

func TestDelegate_SyncError(t *testing.T) {
	c := newController(t)
	err := triggerSad(c)

	var appErr *errors.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "Error", appErr.Name)
	assert.Equal(t, "sad :(", appErr.Message)
	assert.True(t, strings.HasPrefix(appErr.Stack, "Error: sad :(\n"), appErr.Stack)

	for _, line := range strings.Split(appErr.Stack, "\n") {
		assert.False(t, strings.HasPrefix(strings.TrimSpace(line), "at runtime."), line)
		assert.NotContains(t, line, stack.Marker)
	}

	// Failing frame, then the worker, then the dispatch path, then the caller.
	order := []string{
		stack.Placeholder,
		"worker.(*Runtime).invoke",
		"controller.reconcile",
		"controller_test.triggerSad",
		"controller_test.TestDelegate_SyncError",
	}
	last := -1
	for _, want := range order {
		idx := strings.Index(appErr.Stack, want)
		require.NotEqual(t, -1, idx, "stack is missing %q:\n%s", want, appErr.Stack)
		assert.Greater(t, idx, last, "%q is out of order:\n%s", want, appErr.Stack)
		last = idx
	}
}

func TestDelegate_DeferredError(t *testing.T) {
	c := newController(t)
	_, err := c.DelegateNoInput(context.Background(), controller.Task("uhoh"))

	var appErr *errors.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "Error", appErr.Name)
	assert.Equal(t, "uh oh!", appErr.Message)
	assert.Equal(t, "Error: uh oh!", appErr.Error())
	assert.Contains(t, appErr.Stack, "controller_test.TestDelegate_DeferredError")
}

func TestDelegate_LuaError(t *testing.T) {
	c := newController(t)
	_, err := c.DelegateNoInput(context.Background(), controller.Lua(`function() error("sad :(") end`))

	var appErr *errors.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "RuntimeError", appErr.Name)
	assert.Equal(t, "sad :(", appErr.Message)
	assert.True(t, strings.HasPrefix(appErr.Stack, "RuntimeError: sad :("), appErr.Stack)
	assert.Contains(t, appErr.Stack, "at <anonymous> ("+stack.Placeholder, appErr.Stack)
	assert.NotContains(t, appErr.Stack, "at <main>", appErr.Stack)
}

func TestDelegate_LuaCyclicResult(t *testing.T) {
	c := newController(t)
	_, err := c.DelegateNoInput(context.Background(), controller.Lua(`function() local t = {} t.self = t return t end`))

	var appErr *errors.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "TypeError", appErr.Name)
	assert.Contains(t, appErr.Message, "contains itself")
}

func TestDelegate_LuaMixedTableKeepsKeys(t *testing.T) {
	c := newController(t)
	raw, err := c.DelegateNoInput(context.Background(), controller.Lua(`function() return {1, 2, x = 3} end`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"1": 1, "2": 2, "x": 3}`, string(raw))
}

func TestDelegate_UnknownCode(t *testing.T) {
	c := newController(t)
	_, err := c.DelegateNoInput(context.Background(), controller.Task("no-such-task"))

	var appErr *errors.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "ReferenceError", appErr.Name)
}

func TestDelegate_ProcessExit(t *testing.T) {
	c := newController(t)
	_, err := c.DelegateNoInput(context.Background(), controller.Task("exit3"))

	var pe *errors.ProcessError
	require.ErrorAs(t, err, &pe)
	require.NotNil(t, pe.Code)
	assert.Equal(t, 3, *pe.Code)
	assert.Empty(t, pe.Signal)
	assert.Contains(t, pe.Error(), `"code":3`)
	assert.Contains(t, pe.Error(), `"signal":null`)
}

func TestDelegate_ExitCodeWinsOverResponse(t *testing.T) {
	c := newController(t)
	raw, err := c.DelegateNoInput(context.Background(), controller.Task("replyThenExit5"))

	assert.Nil(t, raw)
	var pe *errors.ProcessError
	require.ErrorAs(t, err, &pe)
	require.NotNil(t, pe.Code)
	assert.Equal(t, 5, *pe.Code)
	assert.Contains(t, pe.Error(), `"code":5`)
}

func TestDelegate_WorkerEnvCannotOverrideReserved(t *testing.T) {
	c := controller.New(controller.Options{
		WorkerEnv: map[string]string{
			worker.EnvWorker:          "0",
			worker.EnvCallID:          "fixed",
			"PARALLELPARK_TEST_EXTRA": "kept",
		},
	})
	raw, err := c.Delegate(context.Background(),
		map[string]any{"names": []string{worker.EnvWorker, worker.EnvCallID, "PARALLELPARK_TEST_EXTRA"}},
		controller.Task("env"))
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "1", got[worker.EnvWorker])
	assert.NotEqual(t, "fixed", got[worker.EnvCallID])
	assert.NotEmpty(t, got[worker.EnvCallID])
	assert.Equal(t, "kept", got["PARALLELPARK_TEST_EXTRA"])
}

func TestDelegate_CancelTerminatesWorker(t *testing.T) {
	c := newController(t)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.DelegateNoInput(ctx, controller.Task("hang"))
	elapsed := time.Since(start)

	var pe *errors.ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Nil(t, pe.Code)
	assert.Contains(t, []string{"SIGTERM", "SIGKILL"}, pe.Signal)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, elapsed, 30*time.Second)
}

func TestDelegate_CancelEscalatesToKill(t *testing.T) {
	c := controller.New(controller.Options{TerminationGrace: 200 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := c.DelegateNoInput(ctx, controller.Task("stubborn"))

	var pe *errors.ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "SIGKILL", pe.Signal)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDelegate_AlreadyCancelled(t *testing.T) {
	c := controller.New(controller.Options{WorkerPath: "/nonexistent/worker"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.DelegateNoInput(ctx, controller.Task("answer"))
	assert.ErrorIs(t, err, context.Canceled)
	var spawnErr *errors.SpawnError
	assert.False(t, stderrors.As(err, &spawnErr))
}

func TestDelegate_GarbageResponse(t *testing.T) {
	c := newController(t)
	_, err := c.DelegateNoInput(context.Background(), controller.Task("garbage"))

	var pe *errors.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "garbage", pe.Raw)
	assert.Contains(t, pe.Error(), "internal parallelpark error")
}

func TestDelegate_UnknownResultType(t *testing.T) {
	c := newController(t)
	_, err := c.DelegateNoInput(context.Background(), controller.Task("mystery"))

	var pe *errors.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Error(), "unhandled result type: mystery")
}

func TestDelegate_LargePayloads(t *testing.T) {
	c := newController(t)
	big := strings.Repeat("W", 1024*1024)

	n, err := controller.Call[int](context.Background(), c, map[string]string{"w": big}, controller.Task("length"))
	require.NoError(t, err)
	assert.Equal(t, 1024*1024, n)

	out, err := controller.Call[string](context.Background(), c, nil, controller.Task("big"))
	require.NoError(t, err)
	assert.Equal(t, big, out)
}

func TestDelegate_UsageErrors(t *testing.T) {
	// A spawn attempt would surface as a SpawnError.
	c := controller.New(controller.Options{WorkerPath: "/nonexistent/worker"})

	tests := []struct {
		name  string
		input any
		fn    controller.Callable
	}{
		{name: "array input", input: []int{1, 2}, fn: controller.Task("answer")},
		{name: "string input", input: "hello", fn: controller.Task("answer")},
		{name: "number input", input: 5, fn: controller.Task("answer")},
		{name: "unserializable input", input: map[string]any{"ch": make(chan int)}, fn: controller.Task("answer")},
		{name: "empty callable", input: nil, fn: controller.Callable{}},
		{name: "blank callable", input: nil, fn: controller.Task("  ")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Delegate(context.Background(), tt.input, tt.fn)
			var usage *errors.UsageError
			assert.ErrorAs(t, err, &usage)
		})
	}
}

func TestDelegate_SpawnError(t *testing.T) {
	c := controller.New(controller.Options{WorkerPath: filepath.Join(t.TempDir(), "missing")})
	_, err := c.DelegateNoInput(context.Background(), controller.Task("answer"))

	var spawnErr *errors.SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Contains(t, err.Error(), "failed to spawn worker process")
}

func TestCall_DecodeMismatch(t *testing.T) {
	c := newController(t)
	_, err := controller.Call[bool](context.Background(), c, nil, controller.Task("answer"))

	var pe *errors.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "52", pe.Raw)
}

func TestDelegate_RecordsSuccess(t *testing.T) {
	ctrl := gomock.NewController(t)
	rec := mocks.NewMockRecorder(ctrl)
	rec.EXPECT().Record(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, e journal.Entry) error {
		assert.NoError(t, ctx.Err())
		assert.NotEmpty(t, e.ID)
		assert.Equal(t, "answer", e.Code)
		assert.Equal(t, journal.StatusSucceeded, e.Status)
		assert.Equal(t, journal.Digest([]byte(`{}`)), e.InputDigest)
		assert.Equal(t, "controller_test.go", filepath.Base(e.OriginContext))
		assert.False(t, e.CompletedAt.Before(e.StartedAt))
		return nil
	})

	c := controller.New(controller.Options{Recorder: rec})
	_, err := c.DelegateNoInput(context.Background(), controller.Task("answer"))
	require.NoError(t, err)
}

func TestDelegate_RecordsFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	rec := mocks.NewMockRecorder(ctrl)
	rec.EXPECT().Record(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, e journal.Entry) error {
		assert.Equal(t, journal.StatusFailed, e.Status)
		assert.Equal(t, "Error", e.ErrorName)
		assert.Equal(t, "uh oh!", e.ErrorMessage)
		return stderrors.New("disk full")
	})

	c := controller.New(controller.Options{Recorder: rec})
	_, err := c.DelegateNoInput(context.Background(), controller.Task("uhoh"))

	// A recorder failure does not replace the call's own outcome.
	var appErr *errors.ApplicationError
	assert.ErrorAs(t, err, &appErr)
}

func TestDelegate_UsageErrorsAreNotRecorded(t *testing.T) {
	ctrl := gomock.NewController(t)
	rec := mocks.NewMockRecorder(ctrl)
	rec.EXPECT().Record(gomock.Any(), gomock.Any()).Times(0)

	c := controller.New(controller.Options{Recorder: rec})
	_, err := c.Delegate(context.Background(), []string{"nope"}, controller.Task("answer"))
	var usage *errors.UsageError
	assert.ErrorAs(t, err, &usage)
}

func TestFromConfig_Journal(t *testing.T) {
	cfg := config.Defaults()
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.db")
	cfg.Worker.TerminationGrace = time.Second

	ctx := context.Background()
	j, err := journal.Open(ctx, cfg.Journal.Path)
	require.NoError(t, err)
	defer j.Close()

	c := controller.FromConfig(cfg, j)
	_, err = c.DelegateNoInput(ctx, controller.Task("answer"))
	require.NoError(t, err)
	_, err = c.DelegateNoInput(ctx, controller.Task("exit3"))
	require.Error(t, err)

	entries, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, journal.StatusProcessFailed, entries[0].Status)
	assert.Equal(t, "exit3", entries[0].Code)
	assert.Equal(t, journal.StatusSucceeded, entries[1].Status)
}

func TestDelegate_WithJobs(t *testing.T) {
	c := newController(t)
	inputs := []int{1, 2, 3, 4, 5}

	out, err := jobs.Run(context.Background(), inputs, func(ctx context.Context, n, _, _ int) (slowResult, error) {
		return controller.Call[slowResult](ctx, c, map[string]int{"n": n}, controller.Task("slowIncrement"))
	}, jobs.WithConcurrency(3))
	require.NoError(t, err)

	want := make([]slowResult, len(inputs))
	for i, n := range inputs {
		want[i] = slowResult{Input: n, Value: n + 4}
	}
	assert.Equal(t, want, out)
}
