package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/ticketops-framework/ticketops/internal/audit"
)

// RegisterAuditCommands adds audit-log commands.
func RegisterAuditCommands(root *cobra.Command) {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect and verify the audit log",
	}

	auditCmd.AddCommand(newAuditVerifyCmd())
	auditCmd.AddCommand(newAuditTailCmd())

	root.AddCommand(auditCmd)
}

func newAuditVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit log hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := loadEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			ok, count, err := audit.Verify(engine.AuditDB)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("audit chain INVALID after %d records", count)
			}

			fmt.Printf("Audit chain valid: %d records.\n", count)
			return nil
		},
	}
}

func newAuditTailCmd() *cobra.Command {
	var limit int
	var correlation string

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent audit records",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := loadEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			query := `SELECT timestamp, event_type, correlation_id, account_id, detail
			          FROM audit_log`
			var qargs []any
			if correlation != "" {
				query += " WHERE correlation_id = ?"
				qargs = append(qargs, correlation)
			}
			query += " ORDER BY id DESC LIMIT ?"
			qargs = append(qargs, limit)

			rows, err := engine.AuditDB.Query(query, qargs...)
			if err != nil {
				return err
			}
			defer rows.Close()

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIMESTAMP\tEVENT\tCORRELATION\tACCOUNT\tDETAIL")
			for rows.Next() {
				var ts, event, corr, account, detail string
				if err := rows.Scan(&ts, &event, &corr, &account, &detail); err != nil {
					return err
				}
				if len(corr) > 8 {
					corr = corr[:8]
				}
				if len(detail) > 60 {
					detail = detail[:57] + "..."
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", ts, event, corr, account, detail)
			}
			w.Flush()
			return rows.Err()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of records to show")
	cmd.Flags().StringVar(&correlation, "correlation", "", "filter by correlation id")
	return cmd
}
