package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/parallelpark/internal/controller"
)

type callableFlags struct {
	luaFile string
	origin  string
}

func (f *callableFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.luaFile, "lua", "", "Run the Lua function in this file instead of a named task")
	cmd.Flags().StringVar(&f.origin, "origin", "", "Path relative lookups in the worker start from (default: the Lua file, else the working directory)")
}

// resolve builds the callable from either a task name argument or --lua.
func (f *callableFlags) resolve(args []string) (controller.Callable, error) {
	switch {
	case f.luaFile != "" && len(args) > 0:
		return controller.Callable{}, fmt.Errorf("give either a task name or --lua, not both")
	case f.luaFile == "" && len(args) == 0:
		return controller.Callable{}, fmt.Errorf("a task name or --lua is required")
	}

	var fn controller.Callable
	origin := f.origin
	if f.luaFile != "" {
		source, err := os.ReadFile(f.luaFile)
		if err != nil {
			return controller.Callable{}, fmt.Errorf("read Lua source: %w", err)
		}
		fn = controller.Lua(strings.TrimSpace(string(source)))
		if origin == "" {
			origin = f.luaFile
		}
	} else {
		fn = controller.Task(args[0])
	}

	if origin == "" {
		wd, err := os.Getwd()
		if err != nil {
			return controller.Callable{}, fmt.Errorf("resolve working directory: %w", err)
		}
		origin = wd
	}
	abs, err := filepath.Abs(origin)
	if err != nil {
		return controller.Callable{}, fmt.Errorf("resolve origin %q: %w", origin, err)
	}
	return fn.WithOrigin(abs), nil
}

func newRunCmd(c *cli) *cobra.Command {
	var (
		fl     callableFlags
		input  string
		pretty bool
	)

	cmd := &cobra.Command{
		Use:   "run [task]",
		Short: "Run one call in a worker process and print its JSON result",
		Example: `  parallelpark run wordcount --input '{"text": "a b a"}'
  parallelpark run --lua ./greet.lua --input -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fn, err := fl.resolve(args)
			if err != nil {
				return err
			}
			payload, err := readInput(cmd.InOrStdin(), input)
			if err != nil {
				return err
			}

			ctl, done, err := c.controller(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			result, err := ctl.Delegate(cmd.Context(), payload, fn)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result, pretty)
		},
	}

	fl.register(cmd)
	cmd.Flags().StringVarP(&input, "input", "i", "", "JSON object passed to the call; - reads it from stdin")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Indent the result")
	return cmd
}

// readInput returns nil when no input was given, which the controller treats
// as an empty object.
func readInput(stdin io.Reader, input string) (json.RawMessage, error) {
	var data []byte
	switch input {
	case "":
		return nil, nil
	case "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read input from stdin: %w", err)
		}
		data = b
	default:
		data = []byte(input)
	}
	data = bytes.TrimSpace(data)
	if !json.Valid(data) {
		return nil, fmt.Errorf("input is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func writeJSON(w io.Writer, data json.RawMessage, pretty bool) error {
	if pretty {
		var buf bytes.Buffer
		if err := json.Indent(&buf, data, "", "  "); err != nil {
			return fmt.Errorf("format result: %w", err)
		}
		data = buf.Bytes()
	}
	_, err := fmt.Fprintln(w, string(data))
	return err
}
