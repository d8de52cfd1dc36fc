package materialize

import (
	"context"

	"github.com/mattjoyce/parallelpark/internal/stack"
)

// Future is a result that becomes available later.
type Future interface {
	// Await blocks until the result is available or ctx is done.
	Await(ctx context.Context) (any, error)
}

// Outcome is what invoking a callable produced: either a value right away or
// a Future to wait on.
type Outcome struct {
	value  any
	future Future
}

// Immediate wraps a value that is already available.
func Immediate(v any) Outcome {
	return Outcome{value: v}
}

// Deferred wraps a value that will be available later.
func Deferred(f Future) Outcome {
	return Outcome{future: f}
}

// Value returns the immediate value.
func (o Outcome) Value() any {
	return o.value
}

// Future returns the deferred result, if there is one.
func (o Outcome) Future() (Future, bool) {
	return o.future, o.future != nil
}

// Promise is a Future fulfilled by a goroutine.
type Promise struct {
	done  chan struct{}
	value any
	err   error
}

// Go runs fn on its own goroutine and returns a Promise for its result. A
// panic in fn rejects the Promise instead of crashing the process.
func Go(ctx context.Context, fn func(ctx context.Context) (any, error)) *Promise {
	p := &Promise{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		defer func() {
			if r := recover(); r != nil {
				p.value, p.err = nil, Panic(r, stack.AfterPanic(stack.Callers(0)))
			}
		}()
		p.value, p.err = fn(ctx)
	}()
	return p
}

// Resolved returns a Promise already fulfilled with v.
func Resolved(v any) *Promise {
	p := &Promise{done: make(chan struct{}), value: v}
	close(p.done)
	return p
}

// Rejected returns a Promise already failed with err.
func Rejected(err error) *Promise {
	p := &Promise{done: make(chan struct{}), err: err}
	close(p.done)
	return p
}

// Await implements Future.
func (p *Promise) Await(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
