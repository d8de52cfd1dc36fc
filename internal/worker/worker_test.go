package worker

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/parallelpark/internal/materialize"
	"github.com/mattjoyce/parallelpark/internal/protocol"
	"github.com/mattjoyce/parallelpark/internal/stack"
)

type sink struct {
	bytes.Buffer
	closed bool
}

func (s *sink) Close() error {
	s.closed = true
	return nil
}

type failingSink struct{}

func (failingSink) Write([]byte) (int, error) { return 0, stderrors.New("broken pipe") }
func (failingSink) Close() error              { return nil }

func sadTask(_ context.Context, _ materialize.Env, _ json.RawMessage) (materialize.Outcome, error) {
	inside := func() {
		panic(stderrors.New("sad :("))
	}
	inside()
	return materialize.Immediate(nil), nil
}

func testMaterializer() materialize.Materializer {
	r := materialize.NewRegistry()
	r.MustRegister("answer", materialize.Func(func(context.Context, struct{}) (int, error) {
		return 52, nil
	}))
	r.MustRegister("sad", materialize.NewTask(sadTask))
	r.MustRegister("plain", materialize.Func(func(context.Context, struct{}) (int, error) {
		return 0, stderrors.New("plain failure")
	}))
	r.MustRegister("later", materialize.Async(func(ctx context.Context, in struct{ N int }) materialize.Future {
		return materialize.Go(ctx, func(context.Context) (any, error) {
			time.Sleep(10 * time.Millisecond)
			return in.N * 2, nil
		})
	}))
	r.MustRegister("rejected", materialize.Async(func(ctx context.Context, _ struct{}) materialize.Future {
		return materialize.Go(ctx, func(context.Context) (any, error) {
			return nil, materialize.NewError("Error", "uh oh!")
		})
	}))
	r.MustRegister("unserializable", materialize.Func(func(context.Context, struct{}) (chan int, error) {
		return make(chan int), nil
	}))
	r.MustRegister("nilmap", materialize.Func(func(context.Context, struct{}) (int, error) {
		var m map[string]int
		m["x"] = 1
		return 0, nil
	}))
	return materialize.Chain{r, materialize.NewLua()}
}

func serve(t *testing.T, request string) (*protocol.Response, *Runtime) {
	t.Helper()
	rt := New(testMaterializer(), "test-call", nil)
	out := &sink{}
	status := rt.Serve(context.Background(), strings.NewReader(request), out)
	require.Equal(t, ExitOK, status)
	require.True(t, out.closed, "response channel must be closed")
	assert.Equal(t, Terminated, rt.State())

	resp, err := protocol.DecodeResponse(out.String())
	require.NoError(t, err)
	return resp, rt
}

func request(code string, input string) string {
	return `{"input":` + input + `,"code":` + mustJSON(code) + `,"originContext":"/srv/app/main.go"}`
}

func mustJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestServe_Success(t *testing.T) {
	resp, _ := serve(t, request("answer", `{}`))
	assert.Equal(t, protocol.TypeSuccess, resp.Type)
	assert.JSONEq(t, `52`, string(resp.Data))
}

func TestServe_Deferred(t *testing.T) {
	resp, _ := serve(t, request("later", `{"N":21}`))
	assert.Equal(t, protocol.TypeSuccess, resp.Type)
	assert.JSONEq(t, `42`, string(resp.Data))
}

func TestServe_Lua(t *testing.T) {
	resp, _ := serve(t, request("function(input) return input.first .. ' ' .. input.second end", `{"first":"potato","second":"knishes"}`))
	assert.Equal(t, protocol.TypeSuccess, resp.Type)
	assert.JSONEq(t, `"potato knishes"`, string(resp.Data))
}

func TestServe_Panic(t *testing.T) {
	resp, _ := serve(t, request("sad", `{}`))
	require.Equal(t, protocol.TypeError, resp.Type)
	require.NotNil(t, resp.Error)

	assert.Equal(t, "Error", resp.Error.Name)
	assert.Equal(t, "sad :(", resp.Error.Message)

	lines := strings.Split(resp.Error.Stack, "\n")
	assert.Equal(t, "Error: sad :(", lines[0])
	// Both the closure and the task body are attributed to materialized code.
	assert.GreaterOrEqual(t, strings.Count(resp.Error.Stack, "("+stack.Marker+":"), 2, resp.Error.Stack)
	assert.Contains(t, resp.Error.Stack, "worker.(*Runtime).invoke")
}

func TestServe_RuntimePanic(t *testing.T) {
	resp, _ := serve(t, request("nilmap", `{}`))
	require.Equal(t, protocol.TypeError, resp.Type)
	assert.Equal(t, "RuntimeError", resp.Error.Name)
	assert.Contains(t, resp.Error.Message, "nil map")
}

func TestServe_PlainError(t *testing.T) {
	resp, _ := serve(t, request("plain", `{}`))
	require.Equal(t, protocol.TypeError, resp.Type)
	assert.Equal(t, "Error", resp.Error.Name)
	assert.Equal(t, "plain failure", resp.Error.Message)
	// No stack of its own: reported from where the worker observed it.
	assert.Contains(t, resp.Error.Stack, "worker.(*Runtime).handle")
}

func TestServe_DeferredRejection(t *testing.T) {
	resp, _ := serve(t, request("rejected", `{}`))
	require.Equal(t, protocol.TypeError, resp.Type)
	assert.Equal(t, "Error", resp.Error.Name)
	assert.Equal(t, "uh oh!", resp.Error.Message)
	assert.Contains(t, resp.Error.Stack, stack.Marker)
}

func TestServe_Unserializable(t *testing.T) {
	resp, _ := serve(t, request("unserializable", `{}`))
	require.Equal(t, protocol.TypeError, resp.Type)
	assert.Equal(t, "TypeError", resp.Error.Name)
}

func TestServe_UnknownCode(t *testing.T) {
	resp, _ := serve(t, request("nope", `{}`))
	require.Equal(t, protocol.TypeError, resp.Type)
	assert.Equal(t, "ReferenceError", resp.Error.Name)
}

func TestServe_MalformedRequest(t *testing.T) {
	for _, req := range []string{``, `{"input":`, `{"input":{},"code":"","originContext":"/"}`} {
		resp, rt := serve(t, req)
		require.Equal(t, protocol.TypeError, resp.Type, "request %q", req)
		assert.Equal(t, "ParseError", resp.Error.Name)
		assert.Equal(t, Terminated, rt.State())
	}
}

func TestServe_ResponseWriteFailure(t *testing.T) {
	rt := New(testMaterializer(), "", nil)
	status := rt.Serve(context.Background(), strings.NewReader(request("answer", `{}`)), failingSink{})
	assert.Equal(t, ExitProtocolFault, status)
}

func TestServe_LargePayload(t *testing.T) {
	big := strings.Repeat("W", 1024*1024)
	resp, _ := serve(t, request("function(input) return #input.s end", mustJSON(map[string]string{"s": big})))
	require.Equal(t, protocol.TypeSuccess, resp.Type)
	assert.JSONEq(t, `1048576`, string(resp.Data))
}

func TestIsWorkerProcess(t *testing.T) {
	t.Setenv(EnvWorker, "")
	assert.False(t, IsWorkerProcess())
	t.Setenv(EnvWorker, "1")
	assert.True(t, IsWorkerProcess())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting_result", AwaitingResult.String())
	assert.Equal(t, "state(9)", State(9).String())
}
