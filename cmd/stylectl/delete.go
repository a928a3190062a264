package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a job and its images",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireOwner(); err != nil {
				return err
			}
			service, err := c.jobService(cmd.Context())
			if err != nil {
				return err
			}
			if err := service.Delete(cmd.Context(), args[0], c.owner); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "deleted %s\n", args[0])
			return nil
		},
	}
}
