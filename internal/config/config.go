// Package config manages ticketops global configuration.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

const (
	ConfigDirName   = ".ticketops"
	ConfigFileName  = "config.json"
	DefaultLogLevel = "info"
)

// Config holds user-level configuration for the ticketops CLI.
type Config struct {
	DefaultRegion       string `json:"default_region"`
	LogLevel            string `json:"log_level"`
	DataDir             string `json:"data_dir"`
	ExecutionRoleName   string `json:"execution_role_name"`    // role assumed in every target account
	ExternalID          string `json:"external_id"`            // confused-deputy guard on AssumeRole
	SessionDuration     int    `json:"session_duration_secs"`  // requested credential lifetime
	PollAttempts        int    `json:"poll_attempts"`          // state-transition poll budget
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
	RateLimitPerService int    `json:"rate_limit_per_service"` // req/s
	SchedulerGroupName  string `json:"scheduler_group_name"`   // EventBridge Scheduler group
	SchedulerTargetARN  string `json:"scheduler_target_arn"`   // invoked when a trigger fires
	SchedulerRoleARN    string `json:"scheduler_role_arn"`     // role the scheduler invokes the target as
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DefaultRegion:       "us-east-1",
		LogLevel:            DefaultLogLevel,
		DataDir:             filepath.Join(home, ConfigDirName, "data"),
		ExecutionRoleName:   "TicketOpsExecutionRole",
		SessionDuration:     900,
		PollAttempts:        12,
		PollIntervalSeconds: 5,
		RateLimitPerService: 10,
		SchedulerGroupName:  "ticketops",
	}
}

// ConfigDir returns the global ticketops config directory path.
func ConfigDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ConfigDirName)
}

// Load reads the config from ~/.ticketops/config.json, returning defaults
// when the file does not exist.
func Load() (Config, error) {
	path := filepath.Join(ConfigDir(), ConfigFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return Config{}, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save persists the config to ~/.ticketops/config.json.
func Save(cfg Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, ConfigFileName), data, 0600)
}
