package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/telemetry"
	"github.com/loomhq/loom/pkg/client"
	"github.com/loomhq/loom/pkg/worker"
	"github.com/loomhq/loom/workflows"
)

func newWorkerCmd(apiURL func() string) *cobra.Command {
	var taskQueue string
	var workerID string
	var concurrency int
	var leaseTTL time.Duration

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run an activity worker against a remote gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := telemetry.SetupLogger()

			w := worker.New(worker.Config{
				Engine:      client.New(apiURL()),
				TaskQueue:   taskQueue,
				WorkerID:    workerID,
				Logger:      logger,
				LeaseTTL:    leaseTTL,
				Concurrency: concurrency,
			})
			if err := workflows.RegisterActivities(w); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("worker starting",
				"worker_id", w.ID(),
				"task_queue", taskQueue,
				"gateway", apiURL(),
			)
			err := w.Run(ctx)
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			logger.Info("worker stopped")
			return err
		},
	}

	cmd.Flags().StringVar(&taskQueue, "task-queue", "default", "Task queue to poll")
	cmd.Flags().StringVar(&workerID, "worker-id", "", "Stable worker identity (random if empty)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "Concurrent activity slots")
	cmd.Flags().DurationVar(&leaseTTL, "lease-ttl", 30*time.Second, "Task lease duration")

	return cmd
}
