package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/szaher/phoneagent/internal/runtime"
)

func newServeCmd() *cobra.Command {
	var (
		addr   string
		noAuth bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run device discovery and the HTTP control API",
		Long: `Serve refreshes the device list periodically and exposes connect, send,
cancel, transcript and an SSE event stream over HTTP. Every live agent is
torn down on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if noAuth {
				cfg.Server.NoAuth = true
			}
			logger, redactor := newLogger(cfg)

			rt, err := runtime.New(cfg, runtime.Options{
				Logger:   logger,
				Redactor: redactor,
			})
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return rt.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "Disable API key authentication")

	return cmd
}
