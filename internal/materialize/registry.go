package materialize

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/mattjoyce/parallelpark/internal/stack"
)

// Task is a Go function that can be delegated by name.
type Task struct {
	run func(ctx context.Context, env Env, input json.RawMessage) (Outcome, error)
	fn  any
}

// NewTask wraps a function that handles raw input and the call environment.
func NewTask(fn func(ctx context.Context, env Env, input json.RawMessage) (Outcome, error)) Task {
	return Task{run: fn, fn: fn}
}

// Func adapts a typed synchronous function. The input is decoded from JSON
// into I; the result is returned as an immediate value.
func Func[I, O any](fn func(ctx context.Context, in I) (O, error)) Task {
	return Task{
		fn: fn,
		run: func(ctx context.Context, _ Env, raw json.RawMessage) (Outcome, error) {
			in, err := decodeInput[I](raw)
			if err != nil {
				return Outcome{}, err
			}
			out, err := fn(ctx, in)
			if err != nil {
				return Outcome{}, err
			}
			return Immediate(out), nil
		},
	}
}

// Async adapts a typed function whose result arrives later.
func Async[I any](fn func(ctx context.Context, in I) Future) Task {
	return Task{
		fn: fn,
		run: func(ctx context.Context, _ Env, raw json.RawMessage) (Outcome, error) {
			in, err := decodeInput[I](raw)
			if err != nil {
				return Outcome{}, err
			}
			return Deferred(fn(ctx, in)), nil
		},
	}
}

func decodeInput[I any](raw json.RawMessage) (I, error) {
	var in I
	if len(raw) == 0 || string(raw) == "null" {
		return in, nil
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return in, &Error{Name: "TypeError", Message: fmt.Sprintf("decode input: %v", err), Cause: err, frames: stack.Callers(1)}
	}
	return in, nil
}

type entry struct {
	name      string
	task      Task
	function  string
	file      string
	startLine int
}

func newEntry(name string, task Task) *entry {
	e := &entry{name: name, task: task}
	pc := reflect.ValueOf(task.fn).Pointer()
	if fn := runtime.FuncForPC(pc); fn != nil {
		e.function = fn.Name()
		e.file, e.startLine = fn.FileLine(fn.Entry())
	}
	return e
}

// owns reports whether function is the task's function or a closure
// declared inside it.
func (e *entry) owns(function string) bool {
	if e.function == "" {
		return false
	}
	return function == e.function || strings.HasPrefix(function, e.function+".")
}

// Registry resolves code text as the name of a registered task.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*entry)}
}

// Register adds task under name.
func (r *Registry) Register(name string, task Task) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("task name is required")
	}
	if task.run == nil {
		return fmt.Errorf("task %q: function is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[name]; exists {
		return fmt.Errorf("task %q already registered", name)
	}
	r.tasks[name] = newEntry(name, task)
	return nil
}

// MustRegister is like Register but panics on error. Intended for init-time
// registration tables.
func (r *Registry) MustRegister(name string, task Task) {
	if err := r.Register(name, task); err != nil {
		panic(err)
	}
}

// Names returns the registered task names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Materialize implements Materializer.
func (r *Registry) Materialize(code string, env Env) (Callable, error) {
	name := strings.TrimSpace(code)
	r.mu.RLock()
	e, ok := r.tasks[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("task %q: %w", name, ErrUnknownCode)
	}
	return &registered{entry: e, env: env}, nil
}

type registered struct {
	entry *entry
	env   Env
}

func (c *registered) Invoke(ctx context.Context, input json.RawMessage) (Outcome, error) {
	return c.entry.task.run(WithEnv(ctx, c.env), c.env, input)
}

// Locate maps frames of the task's own function onto the materialized
// marker, numbering lines from the function's declaration.
func (c *registered) Locate(f stack.Frame) (stack.Frame, bool) {
	e := c.entry
	if !e.owns(f.Function) || f.File != e.file || f.Line < e.startLine {
		return f, false
	}
	return stack.Materialized(f.Function, f.Line-e.startLine+1), true
}
