package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/suPer8Hu/jobtracker/internal/poller"
	"github.com/suPer8Hu/jobtracker/internal/status"
	"github.com/suPer8Hu/jobtracker/internal/store/rabbitmq"
	"github.com/suPer8Hu/jobtracker/internal/tracking"
)

func newWorkerCommand() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume track requests from RabbitMQ and poll each job to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if concurrency > 0 {
				cfg.WorkerConcurrency = concurrency
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log, appOptions{withDB: true, withEvents: true})
			if err != nil {
				return err
			}
			defer a.Close()

			consumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
				URL:         cfg.RabbitURL,
				Queue:       cfg.RabbitQueue,
				EventsQueue: cfg.RabbitEventsQueue,
				Concurrency: cfg.WorkerConcurrency,
				Log:         log,
			})
			if err != nil {
				return fmt.Errorf("rabbit consumer: %w", err)
			}
			defer consumer.Close()

			return consumer.Run(ctx, trackHandler(a.svc))
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "parallel jobs (overrides WORKER_CONCURRENCY)")
	return cmd
}

// trackHandler polls one job until its session ends. Client-side give-ups
// go back to the queue; a failed session already wrote its terminal record
// and is acked.
func trackHandler(svc *tracking.Service) rabbitmq.HandlerFunc {
	return func(ctx context.Context, msg rabbitmq.TrackMessage) error {
		kind := status.Kind(msg.Kind)
		if !kind.Valid() {
			return fmt.Errorf("unknown kind %q", msg.Kind)
		}
		h, err := svc.StartTracking(msg.JobID, kind, msg.UserID, tracking.TrackConfig{})
		if err != nil {
			return err
		}
		outcome, err := h.Wait(ctx)
		if err != nil {
			h.Stop()
			return err
		}
		return outcomeErr(outcome, h.Err())
	}
}

func outcomeErr(outcome poller.Outcome, err error) error {
	switch outcome {
	case poller.OutcomeSucceeded, poller.OutcomeCancelled, poller.OutcomeFailed:
		return nil
	case poller.OutcomeTimedOut:
		return fmt.Errorf("%w: %v", rabbitmq.ErrRetryLater, err)
	}
	return fmt.Errorf("unexpected outcome %s", outcome)
}
