package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/szaher/phoneagent/internal/adapters"
	"github.com/szaher/phoneagent/internal/discovery"
)

func newDevicesCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List attached devices once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, _ := newLogger(cfg)

			enum, err := adapters.New(cfg.Discovery.Enumerator, cfg.EnumeratorConfig())
			if err != nil {
				return err
			}
			registry := discovery.NewRegistry(enum, discovery.WithLogger(logger))

			timeout := cfg.Discovery.Timeout
			if timeout <= 0 {
				timeout = cfg.Discovery.Interval
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			snaps, err := registry.Refresh(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(snaps)
			}
			if len(snaps) == 0 {
				fmt.Fprintln(out, "No devices attached.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSTATE\tELIGIBLE")
			for _, s := range snaps {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%v\n", s.ID, s.DisplayName, s.State, registry.Eligible(s.ID))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print devices as JSON")
	return cmd
}
