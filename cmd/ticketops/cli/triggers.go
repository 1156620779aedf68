package cli

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/ticketops-framework/ticketops/internal/sched"
)

// RegisterTriggerCommands adds deferred-trigger management commands.
func RegisterTriggerCommands(root *cobra.Command) {
	trigCmd := &cobra.Command{
		Use:   "triggers",
		Short: "Manage deferred-execution triggers",
	}

	trigCmd.AddCommand(newTriggerListCmd())
	trigCmd.AddCommand(newTriggerFireCmd())
	trigCmd.AddCommand(newTriggerCancelCmd())

	root.AddCommand(trigCmd)
}

func newTriggerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := loadEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			store := sched.NewTriggerStore(engine.MetadataDB)
			triggers, err := store.List()
			if err != nil {
				return err
			}

			if len(triggers) == 0 {
				fmt.Println("No pending triggers.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TRIGGER\tKIND\tACCOUNT\tFIRE_AT\tREMAINING")
			for _, t := range triggers {
				remaining := time.Until(t.FireAt)
				rem := "due"
				if remaining > 0 {
					rem = remaining.Round(time.Minute).String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					t.TriggerID,
					t.Request.Kind,
					t.AccountID,
					t.FireAt.Format(time.RFC3339),
					rem,
				)
			}
			w.Flush()
			return nil
		},
	}
}

func newTriggerFireCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "fire <trigger-id>",
		Short: "Fire a trigger now, executing its stored request",
		Long: `Fire a trigger's stored request immediately, as the scheduled wakeup
would. Duplicate deliveries are safe: a trigger already consumed is a no-op.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := loadEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			scheduler, err := newScheduler(cmd.Context(), engine)
			if err != nil {
				return err
			}
			o, err := newOrchestrator(cmd.Context(), engine)
			if err != nil {
				return err
			}

			outcome, err := scheduler.OnFire(cmd.Context(), args[0], o.ExecuteTriggered)
			if errors.Is(err, sched.ErrTriggerNotFound) {
				fmt.Printf("Trigger %s not found or already consumed.\n", args[0])
				return nil
			}
			if err != nil && outcome == nil {
				return err
			}
			if err != nil {
				// Executed but not deleted; surface both.
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}
			return printOutcome(outcome, asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the outcome as JSON")
	return cmd
}

func newTriggerCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <trigger-id>",
		Short: "Cancel a pending trigger and its wakeup schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := loadEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			scheduler, err := newScheduler(cmd.Context(), engine)
			if err != nil {
				return err
			}
			if err := scheduler.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}

			fmt.Printf("Trigger cancelled: %s\n", args[0])
			return nil
		},
	}
}
