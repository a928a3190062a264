package main

import (
	"github.com/spf13/cobra"
)

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status of one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireOwner(); err != nil {
				return err
			}
			service, err := c.jobService(cmd.Context())
			if err != nil {
				return err
			}
			view, err := service.GetStatus(cmd.Context(), args[0], c.owner)
			if err != nil {
				return err
			}
			return c.printJSON(view)
		},
	}
}
