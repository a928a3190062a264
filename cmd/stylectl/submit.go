package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dunamismax/styleforge/internal/domain"
	"github.com/dunamismax/styleforge/internal/jobs"
	"github.com/spf13/cobra"
)

func (c *cli) submitCmd() *cobra.Command {
	var (
		contentPath string
		stylePath   string
		wait        bool
		poll        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Upload a content and a style image and queue a job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireOwner(); err != nil {
				return err
			}
			content, err := os.ReadFile(contentPath)
			if err != nil {
				return fmt.Errorf("read content image: %w", err)
			}
			style, err := os.ReadFile(stylePath)
			if err != nil {
				return fmt.Errorf("read style image: %w", err)
			}

			ctx := cmd.Context()
			service, err := c.jobService(ctx)
			if err != nil {
				return err
			}
			job, err := service.Create(ctx, domain.CreateJobRequest{
				OwnerID: c.owner,
				Content: content,
				Style:   style,
			})
			if err != nil {
				return err
			}

			// The inline pool dies with the process.
			if !wait && !c.inline() {
				return c.printJSON(map[string]any{
					"job_id": job.ID,
					"status": job.Status,
				})
			}
			view, err := waitForTerminal(ctx, service, job.ID, c.owner, poll)
			if err != nil {
				return err
			}
			return c.printJSON(view)
		},
	}
	cmd.Flags().StringVar(&contentPath, "content", "", "path to the content image")
	cmd.Flags().StringVar(&stylePath, "style", "", "path to the style image")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait until the job completes or fails")
	cmd.Flags().DurationVar(&poll, "poll", 500*time.Millisecond, "status poll interval while waiting")
	_ = cmd.MarkFlagRequired("content")
	_ = cmd.MarkFlagRequired("style")
	return cmd
}

func waitForTerminal(ctx context.Context, service *jobs.Service, jobID, owner string, poll time.Duration) (domain.JobView, error) {
	ticker := time.NewTicker(max(poll, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		view, err := service.GetStatus(ctx, jobID, owner)
		if err != nil {
			return domain.JobView{}, err
		}
		if view.Status.Terminal() {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return domain.JobView{}, fmt.Errorf("waiting for job %s: %w", jobID, ctx.Err())
		case <-ticker.C:
		}
	}
}
