// bioauth - ZKTeco attendance bridge
//
// bioauth keeps a central attendance database in step with a ZKTeco
// biometric clock. "serve" runs the HTTP API, the realtime punch feed and
// automatic syncs; the other commands run one operation and print JSON.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// defaultConfigPath is used when present. Without it the service is
// configured from the environment alone.
const defaultConfigPath = "configs/config.yaml"

// configPath is bound to the persistent --config flag.
var configPath string

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bioauth",
		Short:         "ZKTeco attendance bridge",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", getConfigPath(),
		"path to the YAML config file (empty for environment only)")

	root.AddCommand(
		newServeCmd(),
		newSyncCmd(),
		newPingCmd(),
		newInfoCmd(),
		newEmployeesCmd(),
		newStatusCmd(),
		newMigrateCmd(),
	)
	return root
}

// getConfigPath returns BIOAUTH_CONFIG if set, otherwise the default path
// when that file exists.
func getConfigPath() string {
	if path := os.Getenv("BIOAUTH_CONFIG"); path != "" {
		return path
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath
	}
	return ""
}
