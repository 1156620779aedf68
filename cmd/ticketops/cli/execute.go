package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/ticketops-framework/ticketops/internal/core"
)

// RegisterExecuteCommands adds the action execution command.
func RegisterExecuteCommands(root *cobra.Command) {
	root.AddCommand(newExecuteCmd())
}

func newExecuteCmd() *cobra.Command {
	var (
		kind     string
		ticketID string
		account  string
		region   string
		selector string
		at       string
		asJSON   bool

		ruleDirection string
		ruleProtocol  string
		rulePorts     []int32
		ruleCIDR      string

		userName    string
		policyARNs  []string
		console     bool
		accessKey   bool
		rotateAfter int
	)

	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Execute a classified ticket action",
		Long: `Execute one ticket action against the target account: acquire scoped
credentials, apply the mutation, and roll back on failure. With --at the
action is stored as a durable trigger and executed when the time arrives.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := core.ActionRequest{
				Kind:             core.ActionKind(kind),
				TicketID:         ticketID,
				AccountID:        account,
				Region:           region,
				ResourceSelector: selector,
			}

			switch req.Kind {
			case core.ActionNetworkRuleAdd, core.ActionNetworkRuleRemove:
				req.NetworkRule = &core.NetworkRuleSpec{
					Direction: ruleDirection,
					Protocol:  ruleProtocol,
					Ports:     rulePorts,
					CIDR:      ruleCIDR,
				}
			case core.ActionIdentityProvision:
				req.Identity = &core.IdentitySpec{
					UserName:        userName,
					PolicyARNs:      policyARNs,
					ConsoleAccess:   console,
					AccessKey:       accessKey,
					RotateAfterDays: rotateAfter,
				}
			}

			if at != "" {
				t, err := parseScheduleTime(at)
				if err != nil {
					return err
				}
				req.ScheduledAt = &t
			}

			engine, err := loadEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			o, err := newOrchestrator(cmd.Context(), engine)
			if err != nil {
				return err
			}

			outcome := o.Execute(cmd.Context(), req)
			return printOutcome(outcome, asJSON)
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "action kind (compute_start, compute_stop, network_rule_add, network_rule_remove, identity_provision)")
	cmd.Flags().StringVar(&ticketID, "ticket", "", "originating ticket id")
	cmd.Flags().StringVar(&account, "account", "", "target account id")
	cmd.Flags().StringVar(&region, "region", "", "target region (defaults to configured region)")
	cmd.Flags().StringVar(&selector, "selector", "", "resource selector (id or name tag)")
	cmd.Flags().StringVar(&at, "at", "", "defer execution until this time (RFC3339 or 2006-01-02 15:04)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the outcome as JSON")

	cmd.Flags().StringVar(&ruleDirection, "direction", "ingress", "rule direction (ingress or egress)")
	cmd.Flags().StringVar(&ruleProtocol, "protocol", "tcp", "rule protocol (tcp, udp, icmp)")
	cmd.Flags().Int32SliceVar(&rulePorts, "port", nil, "rule port (repeatable; all ports form one atomic batch)")
	cmd.Flags().StringVar(&ruleCIDR, "cidr", "", "rule CIDR range")

	cmd.Flags().StringVar(&userName, "user", "", "user name to provision")
	cmd.Flags().StringSliceVar(&policyARNs, "policy", nil, "managed policy ARN to attach (repeatable)")
	cmd.Flags().BoolVar(&console, "console-access", false, "create a console login profile")
	cmd.Flags().BoolVar(&accessKey, "access-key", false, "create a programmatic access key")
	cmd.Flags().IntVar(&rotateAfter, "rotate-after", 0, "tag keys for rotation after this many days")

	cmd.MarkFlagRequired("kind")
	cmd.MarkFlagRequired("account")

	return cmd
}

// parseScheduleTime accepts RFC3339 or a local "2006-01-02 15:04" form.
func parseScheduleTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04", s, time.Local); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q (want RFC3339 or 2006-01-02 15:04)", s)
}

func printOutcome(outcome *core.Outcome, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(outcome)
	}

	fmt.Printf("Status:        %s\n", outcome.Status)
	fmt.Printf("Correlation:   %s\n", outcome.CorrelationID)
	fmt.Printf("Template:      %s\n", outcome.Status.MessageTemplate())
	if outcome.TriggerID != "" {
		fmt.Printf("Trigger:       %s\n", outcome.TriggerID)
	}
	if len(outcome.AppliedSteps) > 0 {
		fmt.Printf("Steps:\n")
		for _, s := range outcome.AppliedSteps {
			fmt.Printf("  - %s\n", s)
		}
	}
	if outcome.ErrorDetail != "" {
		fmt.Printf("Error:         %s\n", outcome.ErrorDetail)
	}
	if outcome.Attachment != nil && outcome.Attachment.Diagnostic != "" {
		fmt.Printf("Attachment:    %s\n", outcome.Attachment.Diagnostic)
	}

	if outcome.Status == core.StatusFailed {
		return fmt.Errorf("action failed: %s", firstLine(outcome.ErrorDetail))
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
