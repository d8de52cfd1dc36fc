// Package jobs maps inputs through a function with bounded concurrency,
// returning results in input order.
package jobs

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/parallelpark/internal/errors"
)

const (
	// DefaultConcurrency is the number of mappers allowed in flight when no
	// WithConcurrency option is given.
	DefaultConcurrency = 8

	// UnknownTotal is passed to mappers when the input count is not known
	// ahead of time.
	UnknownTotal = -1
)

// Mapper transforms one input. index is the input's position and total the
// number of inputs, or UnknownTotal.
type Mapper[T, U any] func(ctx context.Context, input T, index, total int) (U, error)

// Option configures Run and RunSeq.
type Option func(*options)

type options struct {
	concurrency int
}

// WithConcurrency sets the maximum number of mappers in flight.
func WithConcurrency(n int) Option {
	return func(o *options) {
		o.concurrency = n
	}
}

func resolve(op string, opts []Option) (options, error) {
	o := options{concurrency: DefaultConcurrency}
	for _, opt := range opts {
		opt(&o)
	}
	if o.concurrency < 1 {
		return o, errors.Usage(op, "concurrency must be at least 1 (got %d)", o.concurrency)
	}
	return o, nil
}

// Run applies mapper to every input with at most the configured number in
// flight, and returns the results in input order.
//
// On the first mapper error no further mappers are started; those already
// running are allowed to finish, and the first error is returned. Mappers
// receive ctx itself, so cancelling it (rather than a mapper failing) is what
// interrupts work that is already running.
func Run[T, U any](ctx context.Context, inputs []T, mapper Mapper[T, U], opts ...Option) ([]U, error) {
	o, err := resolve("run jobs", opts)
	if err != nil {
		return nil, err
	}
	if mapper == nil {
		return nil, errors.Usage("run jobs", "mapper is nil")
	}
	if len(inputs) == 0 {
		return []U{}, nil
	}

	results, err := schedule(ctx, withNilErrors(slices.Values(inputs)), len(inputs), mapper, o)
	if err != nil {
		return nil, err
	}
	return results, nil
}

// RunSeq is Run over a lazily produced sequence. Inputs are pulled only when
// a slot is free, and mappers see UnknownTotal as the total. A non-nil error
// from the sequence stops scheduling as a mapper error would.
func RunSeq[T, U any](ctx context.Context, seq iter.Seq2[T, error], mapper Mapper[T, U], opts ...Option) ([]U, error) {
	o, err := resolve("run jobs", opts)
	if err != nil {
		return nil, err
	}
	if mapper == nil {
		return nil, errors.Usage("run jobs", "mapper is nil")
	}
	return schedule(ctx, seq, UnknownTotal, mapper, o)
}

func withNilErrors[T any](seq iter.Seq[T]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for v := range seq {
			if !yield(v, nil) {
				return
			}
		}
	}
}

func schedule[T, U any](ctx context.Context, seq iter.Seq2[T, error], total int, mapper Mapper[T, U], o options) ([]U, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)

	var (
		mu      sync.Mutex
		results []U
		count   int
		srcErr  error
	)
	if total > 0 {
		results = make([]U, 0, total)
	}

	for input, err := range seq {
		if err != nil {
			srcErr = fmt.Errorf("read input %d: %w", count, err)
			break
		}
		if gctx.Err() != nil {
			break
		}

		index := count
		count++
		mu.Lock()
		var zero U
		results = append(results, zero)
		mu.Unlock()

		// Go blocks until a slot is free.
		g.Go(func() error {
			// A failure may have happened while this job waited for its slot.
			if gctx.Err() != nil {
				return nil
			}
			out, err := mapper(ctx, input, index, total)
			if err != nil {
				return err
			}
			mu.Lock()
			results[index] = out
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if srcErr != nil {
		return nil, srcErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if results == nil {
		results = []U{}
	}
	return results, nil
}
