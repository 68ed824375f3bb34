// Package main is the entry point for the phoneagent CLI.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/szaher/phoneagent/internal/runtime"
	"github.com/szaher/phoneagent/internal/secrets"
	"github.com/szaher/phoneagent/internal/telemetry"
)

// Global flags.
var (
	configPath string
	verbose    bool
	logFormat  string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "phoneagent",
		Short: "Run phone automation agents against attached Android devices",
		Long: `phoneagent discovers attached Android devices, starts one agent
process per device on request and relays conversation between the user
and each agent, over a terminal chat or an HTTP control API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (YAML)")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json (overrides config)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newDevicesCmd())
	root.AddCommand(newChatCmd())
	root.AddCommand(newKeyCmd())
	root.AddCommand(newReapCmd())

	return root
}

// loadConfig reads the config file and applies the global flags.
func loadConfig() (*runtime.Config, error) {
	cfg, err := runtime.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. Every record passes through the
// returned redactor, which learns credentials as they are loaded.
func newLogger(cfg *runtime.Config) (*slog.Logger, *secrets.RedactFilter) {
	level, _ := telemetry.ParseLevel(cfg.Log.Level)
	redactor := secrets.NewRedactFilter(telemetry.NewHandler(os.Stderr, level, cfg.Log.Format))
	logger := slog.New(redactor)
	slog.SetDefault(logger)
	return logger, redactor
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
