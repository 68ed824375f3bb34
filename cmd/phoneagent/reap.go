package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/szaher/phoneagent/internal/state"
)

func newReapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Terminate agents left running by a crashed phoneagent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, _ := newLogger(cfg)

			path, err := cfg.LedgerPath()
			if err != nil {
				return err
			}
			n, err := state.Reap(state.NewLocalBackend(path), logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reaped %d orphaned agent(s).\n", n)
			return nil
		},
	}
}
