package main

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/parallelpark/internal/journal"
	"github.com/mattjoyce/parallelpark/internal/materialize"
)

type historyEntry struct {
	ID            string  `json:"id"`
	Code          string  `json:"code"`
	OriginContext string  `json:"origin"`
	Status        string  `json:"status"`
	InputDigest   string  `json:"input_digest"`
	ErrorName     string  `json:"error_name,omitempty"`
	ErrorMessage  string  `json:"error_message,omitempty"`
	StartedAt     string  `json:"started_at"`
	DurationMS    float64 `json:"duration_ms"`
}

func toHistoryEntry(e journal.Entry) historyEntry {
	return historyEntry{
		ID:            e.ID,
		Code:          e.Code,
		OriginContext: e.OriginContext,
		Status:        string(e.Status),
		InputDigest:   e.InputDigest,
		ErrorName:     e.ErrorName,
		ErrorMessage:  e.ErrorMessage,
		StartedAt:     e.StartedAt.UTC().Format(time.RFC3339Nano),
		DurationMS:    float64(e.Duration().Microseconds()) / 1000,
	}
}

func newHistoryCmd(c *cli) *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "history [call-id]",
		Short: "Show recently delegated calls, or one call in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !c.cfg.Journal.Enabled {
				return fmt.Errorf("the call journal is disabled (journal.enabled: false)")
			}
			j, err := journal.Open(cmd.Context(), c.cfg.Journal.Path)
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer j.Close()

			w := cmd.OutOrStdout()
			if len(args) == 1 {
				e, err := j.Get(cmd.Context(), args[0])
				if stderrors.Is(err, journal.ErrNotFound) {
					return fmt.Errorf("no call with id %s", args[0])
				}
				if err != nil {
					return err
				}
				return printJSON(w, toHistoryEntry(*e))
			}

			entries, err := j.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOut {
				out := make([]historyEntry, 0, len(entries))
				for _, e := range entries {
					out = append(out, toHistoryEntry(e))
				}
				return printJSON(w, out)
			}
			printHistoryTable(w, entries, time.Now())
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of calls to show")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func printHistoryTable(w io.Writer, entries []journal.Entry, now time.Time) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No calls recorded.")
		return
	}
	fmt.Fprintf(w, "%-36s  %-14s  %-24s  %10s  %s\n", "ID", "STATUS", "CODE", "DURATION", "STARTED")
	for _, e := range entries {
		fmt.Fprintf(w, "%-36s  %-14s  %-24s  %10s  %s\n",
			e.ID, e.Status, materialize.Abbreviate(e.Code, 24),
			e.Duration().Round(time.Millisecond), humanize.RelTime(e.StartedAt, now, "ago", "from now"))
	}
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("render JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
