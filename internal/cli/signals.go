package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/jobshell/internal/status"
)

func newSignalsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signals",
		Short: "List the signal statuses jobshell reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NUM\tSTATUS\tMESSAGE")
			for _, sig := range status.Signals() {
				msg := status.SignalMessage(sig)
				if msg == "" {
					msg = "-"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\n", int(sig), status.SignalName(sig), msg)
			}
			return w.Flush()
		},
	}
}
