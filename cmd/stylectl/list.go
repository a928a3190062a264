package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func (c *cli) listCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the owner's jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireOwner(); err != nil {
				return err
			}
			service, err := c.jobService(cmd.Context())
			if err != nil {
				return err
			}
			views, err := service.ListLibrary(cmd.Context(), c.owner)
			if err != nil {
				return err
			}
			if asJSON {
				return c.printJSON(map[string]any{"jobs": views})
			}
			for _, v := range views {
				result := ""
				if v.Result != nil {
					result = *v.Result
				}
				fmt.Fprintf(c.out, "%s  %-10s  %s  result=%q  err=%q\n",
					v.ID, v.Status, v.CreatedAt.Format(time.RFC3339), result, v.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "JSON output")
	return cmd
}
