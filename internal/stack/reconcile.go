package stack

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	// internalFrame matches frames that belong to the execution engine
	// itself: the Go runtime, the test harness and the Lua VM's host
	// functions.
	internalFrame = regexp.MustCompile(`^\s*at (?:runtime|reflect|syscall|testing)\.|\(\[G\]\)$`)

	// location matches the trailing ":line[:column]" of a frame, with the
	// closing parenthesis when the function name was present.
	location = regexp.MustCompile(`:(\d+)(?::(\d+))?(\))?$`)
)

// IsInternal reports whether line is an engine-internal frame.
func IsInternal(line string) bool {
	return internalFrame.MatchString(line)
}

// Remap rewrites a frame that points into materialized code so it names the
// callable passed to Delegate and carries positions relative to the
// callable's own text. Other lines are returned unchanged.
func Remap(line string) string {
	if !strings.Contains(line, Marker) {
		return line
	}
	replaced := strings.ReplaceAll(line, Marker, Placeholder)

	m := location.FindStringSubmatchIndex(replaced)
	if m == nil {
		return replaced
	}

	row, _ := strconv.Atoi(replaced[m[2]:m[3]])
	row -= WrapperLines

	loc := ":" + strconv.Itoa(row)
	if m[4] >= 0 {
		col, _ := strconv.Atoi(replaced[m[4]:m[5]])
		if row == 1 {
			col -= len(WrapPrefix)
		}
		loc += ":" + strconv.Itoa(col-1)
	}
	if m[6] >= 0 {
		loc += ")"
	}
	return replaced[:m[0]] + loc
}

// Reconcile merges the worker's raw stack, the controller's dispatch stack
// and the call-site stack into one trace, top to bottom. The first line of
// each input is a header and is dropped. Internal frames are removed from all
// three; materialized frames in rawStack are remapped.
func Reconcile(rawStack, dispatch, callSite string) string {
	var out []string
	for _, line := range frameLines(rawStack) {
		out = append(out, Remap(line))
	}
	out = append(out, frameLines(dispatch)...)
	out = append(out, frameLines(callSite)...)
	return strings.Join(out, "\n")
}

// Compose builds the complete trace text for an error.
func Compose(name, message, reconciled string) string {
	header := message
	if name != "" {
		header = name + ": " + message
	}
	if reconciled == "" {
		return header
	}
	return header + "\n" + reconciled
}

func frameLines(text string) []string {
	lines := strings.Split(text, "\n")
	if len(lines) <= 1 {
		return nil
	}
	out := make([]string, 0, len(lines)-1)
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" || IsInternal(line) {
			continue
		}
		out = append(out, line)
	}
	return out
}
