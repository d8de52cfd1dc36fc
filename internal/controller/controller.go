// Package controller runs callables in freshly spawned worker processes and
// turns their outcome back into a value or an error in the calling process.
package controller

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/parallelpark/internal/config"
	"github.com/mattjoyce/parallelpark/internal/errors"
	"github.com/mattjoyce/parallelpark/internal/journal"
	"github.com/mattjoyce/parallelpark/internal/log"
	"github.com/mattjoyce/parallelpark/internal/protocol"
	"github.com/mattjoyce/parallelpark/internal/stack"
)

//go:generate mockgen -destination=mocks/mock_recorder.go -package=mocks github.com/mattjoyce/parallelpark/internal/controller Recorder

// DefaultTerminationGrace is how long a cancelled worker gets between SIGTERM
// and SIGKILL when Options leaves it unset.
const DefaultTerminationGrace = 5 * time.Second

// Recorder receives one journal entry per delegated call that reached the
// spawn stage.
type Recorder interface {
	Record(ctx context.Context, e journal.Entry) error
}

// Callable names the code a worker should run. Code is either the name of a
// task registered in the worker binary or the source of a Lua function.
type Callable struct {
	Code string
	// Origin is the path relative resolution in the worker starts from.
	// Empty means the file that called Delegate.
	Origin string
}

// Task refers to a task registered in the worker binary.
func Task(name string) Callable {
	return Callable{Code: name}
}

// Lua wraps the source of a Lua function expression.
func Lua(source string) Callable {
	return Callable{Code: source}
}

// WithOrigin returns a copy of c resolving relative lookups from path.
func (c Callable) WithOrigin(path string) Callable {
	c.Origin = path
	return c
}

// Options configures a Controller.
type Options struct {
	// WorkerPath is the worker executable. Empty re-executes the current
	// binary, which must call worker.Main when worker.IsWorkerProcess.
	WorkerPath string
	WorkerArgs []string
	// WorkerEnv is added to the inherited environment of every worker.
	WorkerEnv map[string]string
	// TerminationGrace is the delay between SIGTERM and SIGKILL on
	// cancellation.
	TerminationGrace time.Duration
	// LogLevel is forwarded to workers.
	LogLevel string

	Recorder Recorder
	Logger   *slog.Logger
}

// Controller delegates calls to worker processes. It is safe for concurrent
// use; every call gets its own process.
type Controller struct {
	opts   Options
	logger *slog.Logger
}

// New creates a Controller.
func New(opts Options) *Controller {
	if opts.TerminationGrace <= 0 {
		opts.TerminationGrace = DefaultTerminationGrace
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("controller")
	}
	return &Controller{opts: opts, logger: logger}
}

// FromConfig creates a Controller from loaded configuration.
func FromConfig(cfg *config.Config, rec Recorder) *Controller {
	return New(Options{
		WorkerPath:       cfg.Worker.Path,
		WorkerArgs:       cfg.Worker.Args,
		WorkerEnv:        cfg.Worker.Env,
		TerminationGrace: cfg.Worker.TerminationGrace,
		LogLevel:         cfg.Log.Level,
		Recorder:         rec,
	})
}

// Delegate runs fn in a new worker process with input and returns the JSON
// encoding of its result. input must encode as a JSON object; nil means an
// empty object.
//
// Failures are reported as *errors.UsageError (nothing spawned),
// *errors.SpawnError, *errors.ProcessError, *errors.ProtocolError or
// *errors.ApplicationError. When ctx is cancelled the worker is terminated
// and its outcome, usually a ProcessError wrapping ctx's error, is returned.
func (c *Controller) Delegate(ctx context.Context, input any, fn Callable) (json.RawMessage, error) {
	return c.delegate(ctx, input, fn, stack.Callers(1))
}

// DelegateNoInput is Delegate with an empty input object.
func (c *Controller) DelegateNoInput(ctx context.Context, fn Callable) (json.RawMessage, error) {
	return c.delegate(ctx, nil, fn, stack.Callers(1))
}

// DelegateDepth is Delegate for wrappers. The call site is reported from
// depth frames above the caller of DelegateDepth.
func (c *Controller) DelegateDepth(ctx context.Context, depth int, input any, fn Callable) (json.RawMessage, error) {
	return c.delegate(ctx, input, fn, stack.Callers(depth+1))
}

// Call is Delegate with the result decoded into T.
func Call[T any](ctx context.Context, c *Controller, input any, fn Callable) (T, error) {
	return call[T](ctx, c, input, fn, 2)
}

// CallDepth is Call for wrappers; depth works as in DelegateDepth.
func CallDepth[T any](ctx context.Context, depth int, c *Controller, input any, fn Callable) (T, error) {
	return call[T](ctx, c, input, fn, depth+2)
}

func call[T any](ctx context.Context, c *Controller, input any, fn Callable, skip int) (T, error) {
	var out T
	raw, err := c.delegate(ctx, input, fn, stack.Callers(skip))
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, &errors.ProtocolError{Msg: "result does not decode into the requested type", Raw: string(raw), Err: err}
	}
	return out, nil
}

func (c *Controller) delegate(ctx context.Context, input any, fn Callable, site []stack.Frame) (json.RawMessage, error) {
	payload, err := encodeInput(input)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(fn.Code) == "" {
		return nil, errors.Usage("delegate", "a callable is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	origin := fn.Origin
	if origin == "" {
		origin = originOf(site)
	}
	if abs, err := filepath.Abs(origin); err == nil {
		origin = abs
	}

	req := &protocol.Request{Input: payload, Code: fn.Code, OriginContext: origin}
	callID := uuid.NewString()
	logger := c.logger.With("call_id", callID)
	started := time.Now()

	data, err := c.execute(ctx, callID, logger, req, stack.Format("Delegate call site", site))
	c.record(ctx, logger, journal.Entry{
		ID:            callID,
		Code:          fn.Code,
		OriginContext: origin,
		InputDigest:   journal.Digest(payload),
		StartedAt:     started,
		CompletedAt:   time.Now(),
	}, err)
	return data, err
}

func (c *Controller) execute(ctx context.Context, callID string, logger *slog.Logger, req *protocol.Request, callSite string) (json.RawMessage, error) {
	h, err := c.spawn(callID, logger)
	if err != nil {
		logger.Error("failed to spawn worker", "error", err)
		return nil, err
	}
	go h.supervise(req, callSite)

	select {
	case out := <-h.done:
		return out.data, out.err
	case <-ctx.Done():
		h.terminate(c.opts.TerminationGrace)
		out := <-h.done
		var pe *errors.ProcessError
		if stderrors.As(out.err, &pe) && pe.Cause == nil {
			pe.Cause = context.Cause(ctx)
		}
		return out.data, out.err
	}
}

func (c *Controller) record(ctx context.Context, logger *slog.Logger, e journal.Entry, err error) {
	e.Status = statusOf(err)
	if e.Status == "" || c.opts.Recorder == nil {
		return
	}
	if err != nil {
		var appErr *errors.ApplicationError
		if stderrors.As(err, &appErr) {
			e.ErrorName, e.ErrorMessage = appErr.Name, appErr.Message
		} else {
			e.ErrorMessage = err.Error()
		}
	}
	if rerr := c.opts.Recorder.Record(context.WithoutCancel(ctx), e); rerr != nil {
		logger.Warn("failed to record call", "error", rerr)
	}
}

func statusOf(err error) journal.Status {
	var (
		spawnErr    *errors.SpawnError
		processErr  *errors.ProcessError
		protocolErr *errors.ProtocolError
		appErr      *errors.ApplicationError
	)
	switch {
	case err == nil:
		return journal.StatusSucceeded
	case stderrors.As(err, &appErr):
		return journal.StatusFailed
	case stderrors.As(err, &processErr):
		return journal.StatusProcessFailed
	case stderrors.As(err, &protocolErr):
		return journal.StatusProtocolError
	case stderrors.As(err, &spawnErr):
		return journal.StatusSpawnFailed
	default:
		return ""
	}
}

func encodeInput(input any) (json.RawMessage, error) {
	if input == nil {
		return json.RawMessage(`{}`), nil
	}
	data, err := json.Marshal(input)
	if err != nil {
		return nil, errors.Usage("delegate", "input is not JSON-serializable: %v", err)
	}
	data = bytes.TrimSpace(data)
	if string(data) == "null" {
		return json.RawMessage(`{}`), nil
	}
	if len(data) == 0 || data[0] != '{' {
		return nil, errors.Usage("delegate", "the input to Delegate should be an object of input data to pass to the worker process")
	}
	return data, nil
}

// originOf is the file of the innermost call-site frame.
func originOf(site []stack.Frame) string {
	for _, f := range site {
		if f.File != "" {
			return f.File
		}
	}
	return "."
}
