// ticketops — ticket-driven AWS action orchestrator.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/ticketops-framework/ticketops/cmd/ticketops/cli"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "ticketops",
		Short: "ticketops — ticket-driven AWS action orchestrator",
		Long: `ticketops executes classified ticket actions against customer AWS
accounts: starting and stopping instances, changing security group rules,
and provisioning access. Every mutation runs under short-lived cross-account
credentials, records its inverse, and rolls back on failure.`,
		Version:      version,
		SilenceUsage: true,
	}

	// Register command groups
	cli.RegisterExecuteCommands(rootCmd)
	cli.RegisterTriggerCommands(rootCmd)
	cli.RegisterRunCommands(rootCmd)
	cli.RegisterRenderCommands(rootCmd)
	cli.RegisterAuditCommands(rootCmd)
	cli.RegisterConfigCommands(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
