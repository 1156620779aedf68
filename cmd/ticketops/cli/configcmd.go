package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/ticketops-framework/ticketops/internal/config"
)

// RegisterConfigCommands adds configuration commands.
func RegisterConfigCommands(root *cobra.Command) {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage ticketops configuration",
	}

	cfgCmd.AddCommand(newConfigShowCmd())
	cfgCmd.AddCommand(newConfigSetCmd())
	cfgCmd.AddCommand(newConfigInitCmd())

	root.AddCommand(cfgCmd)
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Save(config.DefaultConfig()); err != nil {
				return err
			}
			fmt.Printf("Config written to %s/%s\n", config.ConfigDir(), config.ConfigFileName)
			return nil
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set one configuration value",
		Long: `Set one configuration value and save the config file. Keys:
default_region, log_level, execution_role_name, external_id,
session_duration_secs, poll_attempts, poll_interval_seconds,
rate_limit_per_service, scheduler_group_name, scheduler_target_arn,
scheduler_role_arn.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			key, value := args[0], args[1]
			switch key {
			case "default_region":
				cfg.DefaultRegion = value
			case "log_level":
				cfg.LogLevel = value
			case "data_dir":
				cfg.DataDir = value
			case "execution_role_name":
				cfg.ExecutionRoleName = value
			case "external_id":
				cfg.ExternalID = value
			case "scheduler_group_name":
				cfg.SchedulerGroupName = value
			case "scheduler_target_arn":
				cfg.SchedulerTargetARN = value
			case "scheduler_role_arn":
				cfg.SchedulerRoleARN = value
			case "session_duration_secs", "poll_attempts", "poll_interval_seconds", "rate_limit_per_service":
				n, err := strconv.Atoi(value)
				if err != nil {
					return fmt.Errorf("%s wants an integer: %w", key, err)
				}
				switch key {
				case "session_duration_secs":
					cfg.SessionDuration = n
				case "poll_attempts":
					cfg.PollAttempts = n
				case "poll_interval_seconds":
					cfg.PollIntervalSeconds = n
				case "rate_limit_per_service":
					cfg.RateLimitPerService = n
				}
			default:
				return fmt.Errorf("unknown config key %q", key)
			}

			if err := config.Save(cfg); err != nil {
				return err
			}
			fmt.Printf("Set %s = %s\n", key, value)
			return nil
		},
	}
}
