package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/parallelpark/internal/errors"
	"github.com/mattjoyce/parallelpark/internal/jobs"
	"github.com/mattjoyce/parallelpark/internal/log"
)

const maxInputLine = 64 * 1024 * 1024

// batchFailure is written in place of a result under --keep-going.
type batchFailure struct {
	Error struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}

func newBatchCmd(c *cli) *cobra.Command {
	var (
		fl          callableFlags
		file        string
		concurrency int
		keepGoing   bool
	)

	cmd := &cobra.Command{
		Use:   "batch [task]",
		Short: "Run one call per JSON line of input, a bounded number at a time",
		Long: `batch reads JSON objects, one per line, and delegates each to its own worker
process. Results are printed one per line in input order once every call has
finished. The first failure stops new calls from starting unless --keep-going
is set.`,
		Example: `  seq 1 20 | jq -c '{ms: 100, value: .}' | parallelpark batch sleep --concurrency 4`,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fn, err := fl.resolve(args)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("concurrency") {
				concurrency = c.cfg.Jobs.Concurrency
			}

			in := cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("open input file: %w", err)
				}
				defer f.Close()
				in = f
			}

			ctl, done, err := c.controller(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			logger := log.WithComponent("batch")
			results, err := jobs.RunSeq(cmd.Context(), jsonLines(in),
				func(ctx context.Context, input json.RawMessage, index, _ int) (json.RawMessage, error) {
					out, err := ctl.Delegate(ctx, input, fn)
					if err != nil && keepGoing {
						logger.Warn("call failed", "index", index, "error", err)
						return failureLine(err)
					}
					return out, err
				}, jobs.WithConcurrency(concurrency))
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			for _, r := range results {
				if err := writeJSON(w, r, false); err != nil {
					return err
				}
			}
			return nil
		},
	}

	fl.register(cmd)
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON lines input file; - reads stdin")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", jobs.DefaultConcurrency, "Maximum number of worker processes at once (default from config)")
	cmd.Flags().BoolVar(&keepGoing, "keep-going", false, "Print failed calls as {\"error\": ...} lines instead of stopping")
	return cmd
}

// jsonLines yields each non-blank line of r as it becomes available.
func jsonLines(r io.Reader) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), maxInputLine)
		line := 0
		for sc.Scan() {
			line++
			text := bytes.TrimSpace(sc.Bytes())
			if len(text) == 0 {
				continue
			}
			if !json.Valid(text) {
				yield(nil, fmt.Errorf("input line %d is not valid JSON", line))
				return
			}
			if !yield(append(json.RawMessage(nil), text...), nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(nil, fmt.Errorf("read input: %w", err))
		}
	}
}

func failureLine(err error) (json.RawMessage, error) {
	var (
		f           batchFailure
		appErr      *errors.ApplicationError
		usageErr    *errors.UsageError
		spawnErr    *errors.SpawnError
		processErr  *errors.ProcessError
		protocolErr *errors.ProtocolError
	)
	f.Error.Name, f.Error.Message = "Error", err.Error()
	switch {
	case stderrors.As(err, &appErr):
		f.Error.Name, f.Error.Message = appErr.Name, appErr.Message
	case stderrors.As(err, &usageErr):
		f.Error.Name = "UsageError"
	case stderrors.As(err, &spawnErr):
		f.Error.Name = "SpawnError"
	case stderrors.As(err, &processErr):
		f.Error.Name = "ProcessError"
	case stderrors.As(err, &protocolErr):
		f.Error.Name = "ProtocolError"
	}
	return json.Marshal(f)
}
