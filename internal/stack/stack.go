// Package stack captures, formats and reconciles stack traces that span the
// controller/worker process boundary.
//
// All traces share one textual form: a header line followed by one frame per
// line, each rendered as
//
//	    at <function> (<file>:<line>[:<column>])
//
// Frames belonging to a materialized callable use Marker as their file and a
// line number offset by the invisible wrapper line the materializer adds in
// front of the callable's text.
package stack

import (
	"runtime"
	"strconv"
	"strings"
)

const (
	// Marker is the synthetic file name of materialized callable code.
	Marker = "<materialized>"

	// Placeholder replaces Marker in reconciled traces.
	Placeholder = "<callable passed to Delegate>"

	// WrapPrefix is injected ahead of the callable's text on its first line.
	WrapPrefix = "return "

	// WrapperLines is the number of invisible lines preceding the callable.
	WrapperLines = 1

	maxDepth = 64
)

// Frame is a single stack frame. Column is zero when unknown.
type Frame struct {
	Function string
	File     string
	Line     int
	Column   int
}

// String renders the frame in the shared trace form.
func (f Frame) String() string {
	loc := f.File
	if f.Line > 0 {
		loc += ":" + strconv.Itoa(f.Line)
		if f.Column > 0 {
			loc += ":" + strconv.Itoa(f.Column)
		}
	}
	if f.Function == "" {
		return "    at " + loc
	}
	return "    at " + ShortName(f.Function) + " (" + loc + ")"
}

// Materialized returns the frame for line (1-based within the callable's own
// text) of a materialized callable.
func Materialized(function string, line int) Frame {
	return Frame{Function: function, File: Marker, Line: line + WrapperLines}
}

// Callers returns the calling goroutine's frames. skip 0 starts at the caller
// of Callers.
func Callers(skip int) []Frame {
	pcs := make([]uintptr, maxDepth)
	n := runtime.Callers(skip+2, pcs)
	return FromPCs(pcs[:n])
}

// FromPCs expands program counters into frames, including inlined calls.
func FromPCs(pcs []uintptr) []Frame {
	if len(pcs) == 0 {
		return nil
	}
	iter := runtime.CallersFrames(pcs)
	out := make([]Frame, 0, len(pcs))
	for {
		fr, more := iter.Next()
		out = append(out, Frame{Function: fr.Function, File: fr.File, Line: fr.Line})
		if !more {
			break
		}
	}
	return out
}

// AfterPanic drops everything up to and including runtime.gopanic, leaving
// the panicking frame on top. Frames captured outside a panic are returned
// unchanged.
func AfterPanic(frames []Frame) []Frame {
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Function == "runtime.gopanic" {
			return frames[i+1:]
		}
	}
	return frames
}

// Format renders header followed by frames.
func Format(header string, frames []Frame) string {
	var b strings.Builder
	b.WriteString(header)
	for _, f := range frames {
		b.WriteByte('\n')
		b.WriteString(f.String())
	}
	return b.String()
}

// Capture formats the caller's stack under header. skip 0 starts at the
// caller of Capture.
func Capture(header string, skip int) string {
	return Format(header, Callers(skip+1))
}

// ShortName strips the import path from a fully qualified function name,
// keeping the package name: "github.com/a/b/pkg.(*T).M" becomes "pkg.(*T).M".
func ShortName(function string) string {
	if i := strings.LastIndexByte(function, '/'); i >= 0 {
		return function[i+1:]
	}
	return function
}
