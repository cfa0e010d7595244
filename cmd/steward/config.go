package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/steward/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify steward configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/steward/config.yaml
Project-specific overrides can be placed in .steward.yaml
Every key can be overridden with STEWARD_<KEY>, dots replaced by underscores.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch len(args) {
		case 0, 1:
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				displayAllConfig(cmd, cfg)
				return nil
			}
			return displayConfigKey(cmd, cfg, args[0])
		default:
			return setConfigKey(cmd, args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cmd *cobra.Command, cfg *config.Config) {
	settings := cfg.Settings()
	for _, key := range config.Keys() {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", key, formatSetting(key, settings[key]))
	}
	if len(cfg.Agents) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "agents: %d profiles\n", len(cfg.Agents))
	}
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cmd *cobra.Command, cfg *config.Config, key string) error {
	key = strings.ToLower(key)
	value, ok := cfg.Settings()[key]
	if !ok {
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	fmt.Fprintln(cmd.OutOrStdout(), formatSetting(key, value))
	return nil
}

// setConfigKey validates and writes a value to the config file in use.
func setConfigKey(cmd *cobra.Command, key, value string) error {
	path := configPath
	if path == "" {
		path = config.GetUserConfigPath()
	}
	if _, err := config.Set(path, strings.ToLower(key), value); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
	return nil
}

// formatSetting renders a value, masking credentials in the NATS URL.
func formatSetting(key string, value any) string {
	switch v := value.(type) {
	case []string:
		return "[" + strings.Join(v, " ") + "]"
	case string:
		if key == "nats.url" {
			return config.MaskURL(v)
		}
		return v
	default:
		return fmt.Sprint(v)
	}
}
