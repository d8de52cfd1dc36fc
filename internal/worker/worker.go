// Package worker is the child-process side of a delegated call: it reads one
// request, materializes and runs the callable, writes one response and exits.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattjoyce/parallelpark/internal/log"
	"github.com/mattjoyce/parallelpark/internal/materialize"
	"github.com/mattjoyce/parallelpark/internal/protocol"
	"github.com/mattjoyce/parallelpark/internal/stack"
	"github.com/mattjoyce/parallelpark/internal/transport"
)

// Environment variables set by the controller on the worker process.
const (
	EnvWorker   = "PARALLELPARK_WORKER"
	EnvCallID   = "PARALLELPARK_CALL_ID"
	EnvLogLevel = "PARALLELPARK_LOG_LEVEL"
)

// Exit statuses.
const (
	ExitOK            = 0
	ExitProtocolFault = 2
)

// State is the worker's position in its single request/response cycle.
type State int

const (
	AwaitingRequest State = iota
	Executing
	AwaitingResult
	Responding
	Terminated
)

func (s State) String() string {
	switch s {
	case AwaitingRequest:
		return "awaiting_request"
	case Executing:
		return "executing"
	case AwaitingResult:
		return "awaiting_result"
	case Responding:
		return "responding"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// IsWorkerProcess reports whether this process was started as a worker.
func IsWorkerProcess() bool {
	return os.Getenv(EnvWorker) == "1"
}

// Main runs the worker against the inherited channels and returns the
// process exit status. Binaries call it first thing when IsWorkerProcess
// is true:
//
//	if worker.IsWorkerProcess() {
//		os.Exit(worker.Main(materializer))
//	}
func Main(m materialize.Materializer) int {
	log.Setup(os.Getenv(EnvLogLevel))
	callID := os.Getenv(EnvCallID)
	logger := log.WithComponent("worker").With("call_id", callID, "pid", os.Getpid())

	req, err := transport.ChildRequest()
	if err != nil {
		logger.Error("request channel unavailable", "error", err)
		return ExitProtocolFault
	}
	resp, err := transport.ChildResponse()
	if err != nil {
		logger.Error("response channel unavailable", "error", err)
		return ExitProtocolFault
	}

	rt := New(m, callID, logger)
	return rt.Serve(context.Background(), req, resp)
}

// Runtime executes one delegated call.
type Runtime struct {
	materializer materialize.Materializer
	callID       string
	logger       *slog.Logger
	state        State
}

// New creates a Runtime.
func New(m materialize.Materializer, callID string, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = log.WithComponent("worker")
	}
	return &Runtime{materializer: m, callID: callID, logger: logger}
}

// State returns the current state.
func (rt *Runtime) State() State {
	return rt.state
}

func (rt *Runtime) transition(next State) {
	rt.logger.Debug("worker state change", "from", rt.state.String(), "to", next.String())
	rt.state = next
}

// Serve reads the request from r, runs it and writes the response to w,
// closing w to mark the end of the response. It returns the exit status the
// process should use.
func (rt *Runtime) Serve(ctx context.Context, r io.Reader, w io.WriteCloser) int {
	rt.transition(AwaitingRequest)
	resp := rt.handle(ctx, r)

	rt.transition(Responding)
	out := transport.NewWriter(w)
	if err := protocol.EncodeResponse(out, resp); err != nil {
		rt.logger.Error("failed to write response", "error", err)
		_ = out.EndOutput()
		return ExitProtocolFault
	}
	if err := out.EndOutput(); err != nil {
		rt.logger.Error("failed to close response channel", "error", err)
		return ExitProtocolFault
	}

	rt.transition(Terminated)
	return ExitOK
}

func (rt *Runtime) handle(ctx context.Context, r io.Reader) *protocol.Response {
	text, err := transport.ReadUntilClosed(r)
	if err != nil {
		return rt.failure(materialize.WithFrames("ParseError", err.Error(), stack.Callers(0)), nil)
	}
	req, err := protocol.DecodeRequest(text)
	if err != nil {
		return rt.failure(materialize.WithFrames("ParseError", err.Error(), stack.Callers(0)), nil)
	}

	rt.transition(Executing)
	env := materialize.NewEnv(req.OriginContext, rt.callID)
	callable, err := rt.materializer.Materialize(req.Code, env)
	if err != nil {
		return rt.failure(err, nil)
	}
	if c, ok := callable.(io.Closer); ok {
		defer c.Close()
	}

	value, err := rt.invoke(ctx, callable, req.Input)
	if err != nil {
		return rt.failure(err, callable)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return rt.failure(materialize.WithFrames("TypeError",
			fmt.Sprintf("result is not JSON-serializable: %v", err), stack.Callers(0)), callable)
	}
	rt.logger.Debug("call succeeded", "bytes", len(data))
	return protocol.Success(data)
}

// invoke runs the callable and waits for a deferred outcome. A panic is
// recovered into an error carrying the panicking stack.
func (rt *Runtime) invoke(ctx context.Context, callable materialize.Callable, input json.RawMessage) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = materialize.Panic(r, stack.AfterPanic(stack.Callers(0)))
		}
	}()

	out, err := callable.Invoke(ctx, input)
	if err != nil {
		return nil, err
	}
	if future, ok := out.Future(); ok {
		rt.transition(AwaitingResult)
		return future.Await(ctx)
	}
	return out.Value(), nil
}

// failure builds the error response for err. Errors that recorded their own
// stack report it; anything else reports the stack at which the worker
// observed it.
func (rt *Runtime) failure(err error, callable materialize.Callable) *protocol.Response {
	name := materialize.NameOf(err)
	message := materialize.MessageOf(err)

	frames, ok := materialize.FramesOf(err)
	if !ok {
		frames = stack.Callers(1)
	}
	if loc, ok := callable.(materialize.Locator); ok {
		frames = locate(loc, frames)
	}

	// The header must stay on one line; readers drop exactly one.
	header := strings.ReplaceAll(stack.Compose(name, message, ""), "\n", " ")

	rt.logger.Debug("call failed", "name", name, "message", message)
	return protocol.Error(protocol.Failure{
		Name:    name,
		Message: message,
		Stack:   stack.Format(header, frames),
	})
}

func locate(loc materialize.Locator, frames []stack.Frame) []stack.Frame {
	out := make([]stack.Frame, len(frames))
	for i, f := range frames {
		if mapped, ok := loc.Locate(f); ok {
			f = mapped
		}
		out[i] = f
	}
	return out
}
