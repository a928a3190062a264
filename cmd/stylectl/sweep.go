package main

import (
	"fmt"
	"time"

	"github.com/dunamismax/styleforge/internal/sweeper"
	"github.com/spf13/cobra"
)

func (c *cli) sweepCmd() *cobra.Command {
	var staleAfter time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fail jobs stuck in PROCESSING",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if staleAfter <= 0 {
				staleAfter = c.cfg.Sweeper.StaleAfter
			}
			sw, err := sweeper.New(c.logger, c.deps.Store, sweeper.Config{StaleAfter: staleAfter})
			if err != nil {
				return err
			}
			n, err := sw.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "failed %d stale job(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 0, "age after which a PROCESSING job is failed (default $SWEEPER_STALE_AFTER)")
	return cmd
}
