package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"time"

	"github.com/dunamismax/styleforge/internal/bootstrap"
	"github.com/dunamismax/styleforge/internal/config"
	"github.com/dunamismax/styleforge/internal/jobs"
	"github.com/dunamismax/styleforge/internal/pipeline"
	"github.com/dunamismax/styleforge/internal/queue"
	"github.com/dunamismax/styleforge/internal/telemetry"
	"github.com/spf13/cobra"
)

// cli holds the flags shared by every command and the runtime opened for
// the duration of one invocation.
type cli struct {
	root   *cobra.Command
	out    io.Writer
	logger *log.Logger
	owner  string

	cfg     config.Config
	deps    *bootstrap.Deps
	pool    *pipeline.Pool
	service *jobs.Service
	closers []func()
}

func newCLI(out, logOut io.Writer) *cli {
	c := &cli{
		out:    out,
		logger: log.New(logOut, "[stylectl] ", log.LstdFlags|log.Lmsgprefix),
	}
	c.root = &cobra.Command{
		Use:           "stylectl",
		Short:         "Submit, inspect and clean up style transfer jobs.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.open(cmd.Context())
		},
	}
	c.root.PersistentFlags().StringVar(&c.owner, "owner", os.Getenv("STYLECTL_OWNER"), "owner id to act as (default $STYLECTL_OWNER)")
	c.root.AddCommand(
		c.submitCmd(),
		c.statusCmd(),
		c.listCmd(),
		c.deleteCmd(),
		c.sweepCmd(),
	)
	return c
}

func (c *cli) open(ctx context.Context) error {
	if c.deps != nil {
		return nil
	}
	c.cfg = config.Load()
	shutdownTracing, err := telemetry.SetupTracing(ctx, bootstrap.TraceConfig(c.cfg.Telemetry, telemetry.ServiceCLI), c.logger)
	if err != nil {
		return err
	}
	c.closers = append(c.closers, func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			c.logger.Printf("tracing shutdown error: %v", err)
		}
	})

	deps, err := bootstrap.Open(ctx, c.cfg)
	if err != nil {
		return err
	}
	c.deps = deps
	c.closers = append(c.closers, deps.Close)
	return nil
}

// jobService builds the job service on first use. In inline mode jobs run
// on a pool inside this process.
func (c *cli) jobService(ctx context.Context) (*jobs.Service, error) {
	if c.service != nil {
		return c.service, nil
	}

	var dispatcher jobs.Dispatcher
	if c.inline() {
		pool, _, err := bootstrap.NewInlinePool(c.logger, c.cfg, c.deps)
		if err != nil {
			return nil, err
		}
		pool.Start(ctx)
		c.pool = pool
		c.closers = append(c.closers, pipeline.Shutdown, pool.Stop)
		dispatcher = pool
	} else {
		client := queue.NewClient(c.cfg.Queue.RedisClientOpt(), c.cfg.Queue.Name, c.cfg.Queue.MaxRetry, c.cfg.Queue.TaskTimeout)
		c.closers = append(c.closers, func() { _ = client.Close() })
		dispatcher = client
	}

	service, err := jobs.NewService(c.logger, c.deps.Store, c.deps.Blobs, dispatcher, jobs.Config{
		MaxUploadBytes: c.cfg.API.MaxUploadBytes,
		UploadFolder:   c.cfg.Storage.UploadFolder,
	})
	if err != nil {
		return nil, err
	}
	c.service = service
	return service, nil
}

func (c *cli) inline() bool {
	return c.cfg.Worker.Mode == config.WorkerModeInline
}

func (c *cli) requireOwner() error {
	if c.owner == "" {
		return errors.New("--owner is required")
	}
	return nil
}

// close releases everything opened during the invocation, newest first.
func (c *cli) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
