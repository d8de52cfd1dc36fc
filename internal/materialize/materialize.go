// Package materialize turns the code text of a delegated call back into an
// invocable callable inside the worker process.
//
// Two materializers are provided: Registry resolves the code text as the name
// of a Go function registered ahead of time in the worker binary, and Lua
// evaluates it as Lua source. Chain tries several in order.
package materialize

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/parallelpark/internal/stack"
)

// ErrUnknownCode is returned by a Materializer that does not recognise the
// code text. Chain moves on to the next materializer when it sees it.
var ErrUnknownCode = stderrors.New("code not recognised")

// Env is the evaluation environment of one delegated call.
type Env struct {
	// OriginContext is the path the call was made from.
	OriginContext string
	// Dir is the directory relative module lookups resolve against.
	Dir string
	// CallID identifies the delegated call in logs.
	CallID string
}

// NewEnv derives the environment for origin. A directory origin is used as
// is; a file origin resolves relative to its containing directory.
func NewEnv(origin, callID string) Env {
	dir := origin
	if info, err := os.Stat(origin); err != nil || !info.IsDir() {
		dir = filepath.Dir(origin)
	}
	return Env{OriginContext: origin, Dir: dir, CallID: callID}
}

type envKey struct{}

// WithEnv attaches env to ctx.
func WithEnv(ctx context.Context, env Env) context.Context {
	return context.WithValue(ctx, envKey{}, env)
}

// EnvFrom returns the Env attached to ctx, if any.
func EnvFrom(ctx context.Context) (Env, bool) {
	env, ok := ctx.Value(envKey{}).(Env)
	return env, ok
}

// Callable is materialized code ready to run.
type Callable interface {
	Invoke(ctx context.Context, input json.RawMessage) (Outcome, error)
}

// Locator is implemented by callables that can attribute raw frames to their
// own source, rewriting them onto stack.Marker.
type Locator interface {
	Locate(f stack.Frame) (stack.Frame, bool)
}

// Materializer builds a Callable from code text.
type Materializer interface {
	Materialize(code string, env Env) (Callable, error)
}

// Chain tries each materializer in order and uses the first one that
// recognises the code.
type Chain []Materializer

// Materialize implements Materializer.
func (c Chain) Materialize(code string, env Env) (Callable, error) {
	for _, m := range c {
		callable, err := m.Materialize(code, env)
		if stderrors.Is(err, ErrUnknownCode) {
			continue
		}
		return callable, err
	}
	return nil, &Error{
		Name:    "ReferenceError",
		Message: fmt.Sprintf("%q is not a registered task or Lua function", Abbreviate(code, 60)),
		Cause:   ErrUnknownCode,
		frames:  stack.Callers(1),
	}
}

// Abbreviate shortens code text for messages and listings: only the first
// line is kept, and the result is at most n runes, ending in "…" when
// anything was cut.
func Abbreviate(code string, n int) string {
	line, _, multiline := strings.Cut(strings.TrimSpace(code), "\n")
	r := []rune(strings.TrimRight(line, " \t\r"))
	switch {
	case n < 1:
		return ""
	case len(r) > n || (multiline && len(r) >= n):
		return string(r[:n-1]) + "…"
	case multiline:
		return string(r) + "…"
	}
	return string(r)
}
