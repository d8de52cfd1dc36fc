package materialize

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/mattjoyce/parallelpark/internal/stack"
)

// luaPreamble binds the origin globals on the invisible line that precedes
// the callable. Keep it at stack.WrapperLines lines.
const luaPreamble = "local __filename, __dirname = ...\n"

var (
	luaMessagePosition = regexp.MustCompile(`^` + regexp.QuoteMeta(stack.Marker) + `:\d+:\s*`)
	luaTraceLine       = regexp.MustCompile(`^\s*(\[G\]|.+?):(?:(\d+):)?\s+in\s+(.+)$`)
	luaNamedFunction   = regexp.MustCompile(`^function '(.+)'$`)
)

// Lua materializes Lua function source. The code text must be a single
// function expression, e.g. "function(input) return input.n * 2 end".
type Lua struct{}

// NewLua creates a Lua materializer.
func NewLua() *Lua {
	return &Lua{}
}

// Materialize implements Materializer. Code that does not start with the
// function keyword is left to other materializers.
func (l *Lua) Materialize(code string, env Env) (Callable, error) {
	if !strings.HasPrefix(strings.TrimSpace(code), "function") {
		return nil, fmt.Errorf("not a Lua function: %w", ErrUnknownCode)
	}

	L := lua.NewState()
	if env.Dir != "" {
		pkg := L.GetGlobal("package")
		path := lua.LVAsString(L.GetField(pkg, "path"))
		L.SetField(pkg, "path", lua.LString(
			filepath.Join(env.Dir, "?.lua")+";"+filepath.Join(env.Dir, "?", "init.lua")+";"+path))
	}

	chunk, err := L.Load(strings.NewReader(luaPreamble+stack.WrapPrefix+code), stack.Marker)
	if err != nil {
		L.Close()
		return nil, &Error{Name: "SyntaxError", Message: err.Error(), Cause: err, frames: stack.Callers(1)}
	}

	L.Push(chunk)
	L.Push(lua.LString(env.OriginContext))
	L.Push(lua.LString(env.Dir))
	if err := L.PCall(2, 1, nil); err != nil {
		L.Close()
		return nil, luaError(err, "<main>")
	}
	fn, ok := L.Get(-1).(*lua.LFunction)
	L.Pop(1)
	if !ok {
		L.Close()
		return nil, &Error{Name: "TypeError", Message: "code did not evaluate to a function", frames: stack.Callers(1)}
	}
	return &luaCallable{state: L, fn: fn}, nil
}

type luaCallable struct {
	state *lua.LState
	fn    *lua.LFunction
}

func (c *luaCallable) Invoke(ctx context.Context, input json.RawMessage) (Outcome, error) {
	var in any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return Outcome{}, &Error{Name: "TypeError", Message: fmt.Sprintf("decode input: %v", err), Cause: err, frames: stack.Callers(1)}
		}
	}

	L := c.state
	L.SetContext(ctx)
	if err := L.CallByParam(lua.P{Fn: c.fn, NRet: 1, Protect: true}, toLua(L, in)); err != nil {
		return Outcome{}, luaError(err, "<anonymous>")
	}
	ret := L.Get(-1)
	L.Pop(1)
	value, err := fromLua(ret, make(map[*lua.LTable]bool))
	if err != nil {
		return Outcome{}, err
	}
	return Immediate(value), nil
}

// Close releases the interpreter.
func (c *luaCallable) Close() error {
	c.state.Close()
	return nil
}

// luaError converts an interpreter failure into an Error whose frames are the
// Lua traceback followed by the Go frames that invoked the interpreter. The
// outermost Lua frame is named root.
func luaError(err error, root string) *Error {
	host := stack.Callers(1)

	apiErr, ok := err.(*lua.ApiError)
	if !ok {
		return &Error{Name: "RuntimeError", Message: err.Error(), Cause: err, frames: host}
	}

	name, message := "RuntimeError", ""
	switch obj := apiErr.Object.(type) {
	case *lua.LTable:
		if n := lua.LVAsString(obj.RawGetString("name")); n != "" {
			name = n
		} else {
			name = DefaultErrorName
		}
		message = lua.LVAsString(obj.RawGetString("message"))
	case nil:
		message = apiErr.Error()
	default:
		message = luaMessagePosition.ReplaceAllString(obj.String(), "")
	}

	frames := parseLuaTrace(apiErr.StackTrace, root)
	return &Error{Name: name, Message: message, Cause: err, frames: append(frames, host...)}
}

// parseLuaTrace reads a gopher-lua traceback into frames. Lines that carry no
// location are skipped. gopher-lua calls the outermost frame the main chunk
// even when it is a function called from Go, so that frame is named root.
func parseLuaTrace(trace, root string) []stack.Frame {
	var frames []stack.Frame
	for _, line := range strings.Split(trace, "\n") {
		m := luaTraceLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		f := stack.Frame{File: m[1], Function: luaFunctionName(strings.TrimSpace(m[3]), root)}
		if m[2] != "" {
			f.Line, _ = strconv.Atoi(m[2])
		}
		frames = append(frames, f)
	}
	return frames
}

func luaFunctionName(what, root string) string {
	if m := luaNamedFunction.FindStringSubmatch(what); m != nil {
		return m[1]
	}
	switch {
	case what == "main chunk":
		return root
	case strings.HasPrefix(what, "function <"):
		return "<anonymous>"
	}
	return what
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case float64:
		return lua.LNumber(x)
	case string:
		return lua.LString(x)
	case []any:
		t := L.NewTable()
		for _, item := range x {
			t.Append(toLua(L, item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, item := range x {
			t.RawSetString(k, toLua(L, item))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(x))
	}
}

// fromLua converts a returned Lua value into its JSON shape. A table is an
// array when its keys are exactly 1..n, and an object otherwise. open holds
// the tables being converted further up, so a cycle fails instead of
// recursing forever.
func fromLua(v lua.LValue, open map[*lua.LTable]bool) (any, error) {
	switch x := v.(type) {
	case lua.LBool:
		return bool(x), nil
	case lua.LNumber:
		return float64(x), nil
	case lua.LString:
		return string(x), nil
	case *lua.LTable:
		if open[x] {
			return nil, &Error{Name: "TypeError", Message: "cannot convert a table that contains itself to JSON", frames: stack.Callers(1)}
		}
		open[x] = true
		defer delete(open, x)
		return fromLuaTable(x, open)
	}
	if v == lua.LNil {
		return nil, nil
	}
	return v.String(), nil
}

func fromLuaTable(t *lua.LTable, open map[*lua.LTable]bool) (any, error) {
	keys := 0
	t.ForEach(func(lua.LValue, lua.LValue) { keys++ })

	if n := t.MaxN(); n > 0 && n == keys {
		items := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			item, err := fromLua(t.RawGetInt(i), open)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	}

	m := make(map[string]any, keys)
	var err error
	t.ForEach(func(k, item lua.LValue) {
		if err != nil {
			return
		}
		var value any
		if value, err = fromLua(item, open); err == nil {
			m[k.String()] = value
		}
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
