package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run a single reconciliation cycle and print its report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load(true)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.reconciler.RunCycle(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			fmt.Fprintf(out, "cycle %s finished in %s\n", rep.ID, rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))
			fmt.Fprintf(out, "  listed:      %d\n", rep.Listed)
			fmt.Fprintf(out, "  undecodable: %d\n", rep.Undecodable)
			fmt.Fprintf(out, "  handle only: %d\n", rep.HandleOnly)
			fmt.Fprintf(out, "  exempt:      %d\n", rep.Exempt)
			fmt.Fprintf(out, "  checked:     %d (unknown %d)\n", rep.Checked, rep.Unknown)
			fmt.Fprintf(out, "  revoked:     %d (failed %d)\n", rep.Revoked, rep.Failed)
			fmt.Fprintf(out, "  orphans:     %d\n", rep.Orphans)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the report as JSON")
	return cmd
}
