package materialize

import (
	stderrors "errors"
	"fmt"
	"runtime"

	"github.com/mattjoyce/parallelpark/internal/stack"
)

// DefaultErrorName is reported for failures that carry no name of their own.
const DefaultErrorName = "Error"

// Error is a failure raised by callable code. It remembers where it was
// created so the worker can report that position rather than its own.
type Error struct {
	Name    string
	Message string
	Cause   error

	frames []stack.Frame
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// ErrorName returns the error's name.
func (e *Error) ErrorName() string {
	if e.Name == "" {
		return DefaultErrorName
	}
	return e.Name
}

// Frames returns the stack captured when the error was created.
func (e *Error) Frames() []stack.Frame {
	return e.frames
}

// NewError creates a named error and records the caller's stack.
func NewError(name, message string) error {
	return &Error{Name: name, Message: message, frames: stack.Callers(1)}
}

// Errorf formats an error like fmt.Errorf and records the caller's stack.
func Errorf(format string, args ...any) error {
	cause := fmt.Errorf(format, args...)
	return &Error{
		Name:    DefaultErrorName,
		Message: cause.Error(),
		Cause:   stderrors.Unwrap(cause),
		frames:  stack.Callers(1),
	}
}

// WithFrames creates a named error carrying frames captured elsewhere.
func WithFrames(name, message string, frames []stack.Frame) *Error {
	return &Error{Name: name, Message: message, frames: frames}
}

// Panic converts a recovered panic value into an Error.
func Panic(v any, frames []stack.Frame) *Error {
	switch x := v.(type) {
	case runtime.Error:
		return &Error{Name: "RuntimeError", Message: x.Error(), Cause: x, frames: frames}
	case *Error:
		if len(x.frames) == 0 {
			x.frames = frames
		}
		return x
	case error:
		return &Error{Name: NameOf(x), Message: x.Error(), Cause: x, frames: frames}
	default:
		return &Error{Name: "Panic", Message: fmt.Sprint(v), frames: frames}
	}
}

// NameOf returns the name err reports through an ErrorName method, or
// DefaultErrorName.
func NameOf(err error) string {
	var named interface{ ErrorName() string }
	if stderrors.As(err, &named) {
		return named.ErrorName()
	}
	return DefaultErrorName
}

// MessageOf returns the message of err without any name prefix.
func MessageOf(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Message
	}
	return err.Error()
}

// FramesOf returns the stack captured by err, if it recorded one.
func FramesOf(err error) ([]stack.Frame, bool) {
	var carrier interface{ Frames() []stack.Frame }
	if stderrors.As(err, &carrier) {
		if frames := carrier.Frames(); len(frames) > 0 {
			return frames, true
		}
	}
	return nil, false
}
