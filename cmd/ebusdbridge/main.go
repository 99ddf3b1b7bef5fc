// Command ebusdbridge connects an ebusd daemon to MQTT.
//
// It reads each configured circuit's message catalog over ebusd's HTTP
// port, decodes the circuit's broadcasts from ebusd's MQTT tree and
// republishes them as typed state under its own prefix. Operator choices
// (kept messages, poll priorities) live in SQLite and are editable over
// the REST API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=... -X main.commit=... -X main.date=...".
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"
	configEnvVar      = "EBUSBRIDGE_CONFIG"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Running the root command without a
// subcommand starts the bridge.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "ebusdbridge",
		Short: "Bridge ebusd to typed MQTT state",
		Long: `ebusdbridge connects to an ebusd daemon, decodes the messages of the
configured eBUS circuits and republishes them on its own MQTT topic tree.

The configuration file is taken from --config, then the EBUSBRIDGE_CONFIG
environment variable, then configs/config.yaml.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), getConfigPath(configPath))
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")

	root.AddCommand(
		newServeCmd(&configPath),
		newInspectCmd(&configPath),
		newTokenCmd(&configPath),
	)
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), getConfigPath(*configPath))
		},
	}
}

// getConfigPath prefers the flag, then EBUSBRIDGE_CONFIG.
func getConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if path := os.Getenv(configEnvVar); path != "" {
		return path
	}
	return defaultConfigPath
}
