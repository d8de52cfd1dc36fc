// Package parallelpark runs a function in a freshly spawned child process
// and hands its result, or its error, back to the caller as though the work
// had run inline.
//
// The child is normally the calling binary itself. Programs that delegate
// must serve worker requests before doing anything else:
//
//	func main() {
//		tasks := parallelpark.NewRegistry()
//		tasks.MustRegister("resize", parallelpark.Func(resize))
//		if parallelpark.IsWorker() {
//			os.Exit(parallelpark.ServeWorker(parallelpark.Chain{tasks, parallelpark.NewLua()}))
//		}
//
//		c := parallelpark.New(parallelpark.Options{})
//		out, err := parallelpark.Call[Image](ctx, c, req, parallelpark.Named("resize"))
//		...
//	}
//
// Failures inside the child come back as *ApplicationError whose Stack runs
// from the failing frame in the child through to the call site in the parent.
package parallelpark

import (
	"context"
	"encoding/json"
	"iter"

	"github.com/mattjoyce/parallelpark/internal/controller"
	"github.com/mattjoyce/parallelpark/internal/errors"
	"github.com/mattjoyce/parallelpark/internal/jobs"
	"github.com/mattjoyce/parallelpark/internal/materialize"
	"github.com/mattjoyce/parallelpark/internal/worker"
)

type (
	Controller = controller.Controller
	Options    = controller.Options
	Callable   = controller.Callable
	Recorder   = controller.Recorder

	UsageError       = errors.UsageError
	SpawnError       = errors.SpawnError
	ProcessError     = errors.ProcessError
	ProtocolError    = errors.ProtocolError
	ApplicationError = errors.ApplicationError

	Materializer = materialize.Materializer
	Chain        = materialize.Chain
	Registry     = materialize.Registry
	Task         = materialize.Task
	Env          = materialize.Env
	Future       = materialize.Future
	Promise      = materialize.Promise
	Error        = materialize.Error

	JobOption = jobs.Option
)

// NewError creates a named error to return from a task. It records the stack
// of its caller.
var NewError = materialize.NewError

// New creates a Controller.
func New(opts Options) *Controller {
	return controller.New(opts)
}

// Named refers to a task registered in the worker binary.
func Named(name string) Callable {
	return controller.Task(name)
}

// Lua wraps the source of a Lua function expression.
func Lua(source string) Callable {
	return controller.Lua(source)
}

// Delegate runs fn in a new worker process. See Controller.Delegate.
func Delegate(ctx context.Context, c *Controller, input any, fn Callable) (json.RawMessage, error) {
	return c.DelegateDepth(ctx, 1, input, fn)
}

// Call runs fn in a new worker process and decodes its result into T.
func Call[T any](ctx context.Context, c *Controller, input any, fn Callable) (T, error) {
	return controller.CallDepth[T](ctx, 1, c, input, fn)
}

// RunJobs maps inputs with at most the configured number of mapper calls in
// flight and returns the results in input order.
func RunJobs[T, U any](ctx context.Context, inputs []T, mapper func(ctx context.Context, item T, index, total int) (U, error), opts ...JobOption) ([]U, error) {
	return jobs.Run(ctx, inputs, mapper, opts...)
}

// RunJobsSeq is RunJobs over items that become available one at a time. The
// mapper is passed a total of -1.
func RunJobsSeq[T, U any](ctx context.Context, items iter.Seq2[T, error], mapper func(ctx context.Context, item T, index, total int) (U, error), opts ...JobOption) ([]U, error) {
	return jobs.RunSeq(ctx, items, mapper, opts...)
}

// WithConcurrency bounds the number of mapper calls in flight.
func WithConcurrency(n int) JobOption {
	return jobs.WithConcurrency(n)
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return materialize.NewRegistry()
}

// Func adapts a typed synchronous function into a Task.
func Func[I, O any](fn func(ctx context.Context, in I) (O, error)) Task {
	return materialize.Func(fn)
}

// Async adapts a typed function whose result arrives later into a Task.
func Async[I any](fn func(ctx context.Context, in I) Future) Task {
	return materialize.Async(fn)
}

// Go runs fn in a goroutine and returns a Future for its result.
func Go(ctx context.Context, fn func(ctx context.Context) (any, error)) *Promise {
	return materialize.Go(ctx, fn)
}

// NewLua creates a Materializer for Lua function source.
func NewLua() Materializer {
	return materialize.NewLua()
}

// EnvFrom returns the environment of the call a task is serving.
func EnvFrom(ctx context.Context) (Env, bool) {
	return materialize.EnvFrom(ctx)
}

// IsWorker reports whether this process was spawned to serve a call.
func IsWorker() bool {
	return worker.IsWorkerProcess()
}

// ServeWorker serves the single call this worker process was spawned for and
// returns the exit code to pass to os.Exit.
func ServeWorker(m Materializer) int {
	return worker.Main(m)
}
