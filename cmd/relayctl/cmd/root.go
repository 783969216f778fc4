package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	defaultServer  = "http://localhost:8080"
	defaultTimeout = 30 * time.Second
	configName     = ".relayctl"
	envPrefix      = "RELAYCTL"
)

// options carries the global flags after config file and environment have been merged in
type options struct {
	cfgFile    string
	server     string
	token      string
	timeout    time.Duration
	outputJSON bool

	v *viper.Viper
}

// NewRootCmd builds the relayctl command tree
func NewRootCmd() *cobra.Command {
	o := &options{v: viper.New()}

	root := &cobra.Command{
		Use:   "relayctl",
		Short: "HookRelay CLI - Manage subscriptions and inspect webhook deliveries",
		Long: `relayctl is a command line tool for the HookRelay webhook relay.

You can use it to manage subscriptions, send signed test events, and follow
deliveries through their retry history.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return o.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&o.cfgFile, "config", "", "config file (default is $HOME/.relayctl.yaml)")
	flags.StringVar(&o.server, "server", defaultServer, "HookRelay API base URL")
	flags.DurationVar(&o.timeout, "timeout", defaultTimeout, "request timeout")
	flags.BoolVar(&o.outputJSON, "json", false, "output in JSON format")
	flags.StringVar(&o.token, "token", "", "JWT for the management routes (overrides JWT_TOKEN env var)")

	for _, name := range configKeys {
		_ = o.v.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(
		newSubscriptionCmd(o),
		newSendCmd(o),
		newStatusCmd(o),
		newLogsCmd(o),
		newHealthCmd(o),
		newConfigCmd(o),
		newVersionCmd(o),
		newCompletionCmd(),
	)
	return root
}

// Execute runs the command tree against os.Args
func Execute() error {
	root := NewRootCmd()
	err := root.Execute()
	if err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
	}
	return err
}

// configKeys are the settings a config file or RELAYCTL_* variable can provide
var configKeys = []string{"server", "timeout", "json", "token"}

// load reads the config file and environment. Flags set on the command line win.
func (o *options) load(cmd *cobra.Command) error {
	if o.cfgFile != "" {
		o.v.SetConfigFile(o.cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		o.v.AddConfigPath(home)
		o.v.SetConfigType("yaml")
		o.v.SetConfigName(configName)
	}

	o.v.SetEnvPrefix(envPrefix)
	o.v.AutomaticEnv()

	if err := o.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if o.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	o.server = strings.TrimRight(o.v.GetString("server"), "/")
	if d := o.v.GetDuration("timeout"); d > 0 {
		o.timeout = d
	}
	o.outputJSON = o.v.GetBool("json")
	o.token = o.v.GetString("token")
	if o.token == "" {
		o.token = os.Getenv("JWT_TOKEN")
	}
	return nil
}

// configPath is where config set and config init write
func (o *options) configPath() (string, error) {
	if o.cfgFile != "" {
		return o.cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, configName+".yaml"), nil
}

// printJSON writes v indented
func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
