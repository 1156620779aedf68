package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/ticketops-framework/ticketops/internal/orchestrator"
)

// RegisterRunCommands adds run-history commands.
func RegisterRunCommands(root *cobra.Command) {
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect past orchestrator runs",
	}

	runsCmd.AddCommand(newRunListCmd())
	runsCmd.AddCommand(newRunShowCmd())

	root.AddCommand(runsCmd)
}

func newRunListCmd() *cobra.Command {
	var status, account string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := loadEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			store := orchestrator.NewRunStore(engine.MetadataDB)
			runs, err := store.List(status, account)
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Println("No runs recorded.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CORRELATION\tTICKET\tKIND\tACCOUNT\tSTATUS\tSTARTED")
			for _, r := range runs {
				ticket := r.TicketID
				if ticket == "" {
					ticket = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.CorrelationID[:8],
					ticket,
					r.Kind,
					r.AccountID,
					r.Status,
					r.StartedAt.Format(time.RFC3339),
				)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (SUCCEEDED, ROLLED_BACK, FAILED, SCHEDULED)")
	cmd.Flags().StringVar(&account, "account", "", "filter by target account id")
	return cmd
}

func newRunShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <correlation-id>",
		Short: "Show one run in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := loadEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			store := orchestrator.NewRunStore(engine.MetadataDB)
			rec, err := store.Get(args[0])
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}
}
