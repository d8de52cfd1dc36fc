package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/parallelpark/internal/materialize"
)

// taskHelp describes the tasks compiled into this binary.
var taskHelp = map[string]string{
	"echo":      "Return the input unchanged",
	"env":       "Report the worker's pid, call id and origin",
	"fail":      `Fail with {"name", "message"} from the input`,
	"sleep":     `Resolve {"value"} after {"ms"} milliseconds`,
	"wordcount": `Count words in {"text"}, or in the file {"path"} relative to the origin`,
}

type sleepInput struct {
	MS    int             `json:"ms"`
	Value json.RawMessage `json:"value"`
}

type failInput struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

type wordcountInput struct {
	Text string `json:"text"`
	Path string `json:"path"`
}

type wordcountResult struct {
	Words  int            `json:"words"`
	Counts map[string]int `json:"counts"`
}

type envResult struct {
	PID    int    `json:"pid"`
	CallID string `json:"call_id"`
	Origin string `json:"origin"`
	Dir    string `json:"dir"`
}

func echoTask(_ context.Context, in json.RawMessage) (json.RawMessage, error) {
	return in, nil
}

func envTask(ctx context.Context, _ struct{}) (envResult, error) {
	env, _ := materialize.EnvFrom(ctx)
	return envResult{PID: os.Getpid(), CallID: env.CallID, Origin: env.OriginContext, Dir: env.Dir}, nil
}

func failTask(_ context.Context, in failInput) (any, error) {
	if in.Message == "" {
		in.Message = "failed on request"
	}
	if in.Name == "" {
		in.Name = materialize.DefaultErrorName
	}
	return nil, materialize.NewError(in.Name, in.Message)
}

func sleepTask(ctx context.Context, in sleepInput) materialize.Future {
	if in.MS < 0 {
		return materialize.Rejected(materialize.NewError("RangeError", fmt.Sprintf("ms must not be negative (got %d)", in.MS)))
	}
	return materialize.Go(ctx, func(ctx context.Context) (any, error) {
		timer := time.NewTimer(time.Duration(in.MS) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
			return in.Value, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

func wordcountTask(ctx context.Context, in wordcountInput) (wordcountResult, error) {
	text := in.Text
	if in.Path != "" {
		path := in.Path
		if env, ok := materialize.EnvFrom(ctx); ok && !filepath.IsAbs(path) {
			path = filepath.Join(env.Dir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return wordcountResult{}, materialize.Errorf("read %s: %v", in.Path, err)
		}
		text = string(data)
	}

	res := wordcountResult{Counts: map[string]int{}}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, `.,;:!?"'()[]{}`)
		if w == "" {
			continue
		}
		res.Counts[w]++
		res.Words++
	}
	return res, nil
}

// builtinTasks is what a parallelpark worker can run: the tasks above by
// name, anything else as Lua source.
func builtinTasks() materialize.Materializer {
	r := materialize.NewRegistry()
	r.MustRegister("echo", materialize.Func(echoTask))
	r.MustRegister("env", materialize.Func(envTask))
	r.MustRegister("fail", materialize.Func(failTask))
	r.MustRegister("sleep", materialize.Async(sleepTask))
	r.MustRegister("wordcount", materialize.Func(wordcountTask))
	return materialize.Chain{r, materialize.NewLua()}
}

func newTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List the tasks built into this binary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			names := make([]string, 0, len(taskHelp))
			for name := range taskHelp {
				names = append(names, name)
			}
			sort.Strings(names)
			w := cmd.OutOrStdout()
			for _, name := range names {
				fmt.Fprintf(w, "%-10s  %s\n", name, taskHelp[name])
			}
			fmt.Fprintln(w, "\nAnything passed with --lua runs as a Lua function.")
			return nil
		},
	}
}
