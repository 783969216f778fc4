package cmd

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newConfigCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage relayctl configuration",
		Long:  `Manage relayctl configuration settings.`,
	}
	cmd.AddCommand(newConfigViewCmd(o), newConfigSetCmd(o), newConfigInitCmd(o))
	return cmd
}

func newConfigViewCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "view",
		Short: "View current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if o.outputJSON {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"server":  o.server,
					"timeout": o.timeout.String(),
					"json":    o.outputJSON,
					"token":   o.token != "",
				})
			}

			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "Current configuration:")
			fmt.Fprintf(w, "  Server: %s\n", o.server)
			fmt.Fprintf(w, "  Timeout: %s\n", o.timeout)
			fmt.Fprintf(w, "  JSON Output: %v\n", o.outputJSON)
			fmt.Fprintf(w, "  Token: %v\n", o.token != "")
			if used := o.v.ConfigFileUsed(); used != "" {
				fmt.Fprintf(w, "  Config file: %s\n", used)
			} else {
				fmt.Fprintln(w, "  Config file: none (using defaults)")
			}
			return nil
		},
	}
}

func newConfigSetCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Set a configuration value",
		Long: `Set a configuration value and save it to the config file.

Examples:
  relayctl config set server http://relay.internal:8080
  relayctl config set timeout 60s
  relayctl config set json true`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			if !slices.Contains(configKeys, key) {
				return fmt.Errorf("invalid configuration key: %s. Valid keys are: %s", key, strings.Join(configKeys, ", "))
			}

			switch key {
			case "json":
				b, err := strconv.ParseBool(value)
				if err != nil {
					return fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
				}
				o.v.Set(key, b)
			case "timeout":
				d, err := time.ParseDuration(value)
				if err != nil || d <= 0 {
					return fmt.Errorf("invalid duration for %s: %s", key, value)
				}
				o.v.Set(key, d.String())
			default:
				o.v.Set(key, value)
			}

			path, err := o.configPath()
			if err != nil {
				return err
			}
			if err := o.v.WriteConfigAs(path); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", path)
			return nil
		},
	}
}

func newConfigInitCmd(o *options) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration file",
		Long:  `Create a default configuration file in the home directory.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := o.configPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
			}

			o.v.Set("server", defaultServer)
			o.v.Set("timeout", defaultTimeout.String())
			o.v.Set("json", false)
			if err := o.v.WriteConfigAs(path); err != nil {
				return fmt.Errorf("failed to create config file: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created: %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config file")
	return cmd
}
