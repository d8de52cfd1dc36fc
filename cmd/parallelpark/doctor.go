package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/parallelpark/internal/controller"
	"github.com/mattjoyce/parallelpark/internal/doctor"
)

func newDoctorCmd(c *cli) *cobra.Command {
	var (
		jsonOut bool
		probe   bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the configuration and, with --probe, a real delegated call",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d := doctor.New(c.cfg)
			r := d.Validate()
			if probe && r.Valid {
				d.Probe(cmd.Context(), controller.FromConfig(c.cfg, nil), r)
			}

			w := cmd.OutOrStdout()
			if jsonOut {
				out, err := doctor.FormatJSON(r)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, out)
			} else {
				fmt.Fprint(w, doctor.FormatHuman(r))
			}
			if !r.Valid {
				return fmt.Errorf("configuration check failed")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&probe, "probe", false, "Also delegate a trivial Lua call to a worker")
	return cmd
}
