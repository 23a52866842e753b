package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/suPer8Hu/jobtracker/internal/poller"
	"github.com/suPer8Hu/jobtracker/internal/status"
	"github.com/suPer8Hu/jobtracker/internal/store/rabbitmq"
	"github.com/suPer8Hu/jobtracker/internal/tracking"
)

func newTrackCommand() *cobra.Command {
	var (
		enqueue bool
		userID  uint64
	)
	cmd := &cobra.Command{
		Use:   "track <order|ai> <job-id>",
		Short: "Poll one job in the foreground, or hand it to the workers with --enqueue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := status.Kind(args[0])
			if !kind.Valid() {
				return fmt.Errorf("unknown kind %q", args[0])
			}
			jobID := args[1]

			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if enqueue {
				pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue, cfg.RabbitEventsQueue)
				if err != nil {
					return fmt.Errorf("rabbit publisher: %w", err)
				}
				defer pub.Close()
				if err := pub.PublishTrack(ctx, rabbitmq.TrackMessage{JobID: jobID, Kind: string(kind), UserID: userID}); err != nil {
					return err
				}
				log.WithFields(logrus.Fields{"job_id": jobID, "kind": kind}).Info("track request enqueued")
				return nil
			}

			a, err := newApp(ctx, cfg, log, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			return trackForeground(ctx, a.svc, kind, jobID, userID, cmd.OutOrStdout(), log)
		},
	}
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "publish a track request instead of polling here")
	cmd.Flags().Uint64Var(&userID, "user", 0, "owner user id recorded with the job")
	return cmd
}

func trackForeground(ctx context.Context, svc *tracking.Service, kind status.Kind, jobID string, userID uint64, out io.Writer, log logrus.FieldLogger) error {
	cb := tracking.Callbacks{
		OnStatusChange: func(st status.JobStatus) {
			fmt.Fprintf(out, "%s %s %d%% %s\n", st.JobID, st.State, st.Progress, st.Message)
		},
		OnCompletion: func(st status.JobStatus) {
			if len(st.Result) > 0 {
				fmt.Fprintf(out, "result: %s\n", st.Result)
			}
		},
		OnError: func(err error) {
			log.WithError(err).WithField("job_id", jobID).Warn("tracking error")
		},
		OnTimeout: func(te *poller.TimeoutError) {
			fmt.Fprintf(out, "%s still running after %s, check back later\n", te.JobID, te.Limit)
		},
	}
	h, err := svc.StartTracking(jobID, kind, userID, tracking.TrackConfig{Callbacks: cb})
	if err != nil {
		return err
	}
	outcome, err := h.Wait(ctx)
	if err != nil {
		h.Stop()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	switch outcome {
	case poller.OutcomeSucceeded, poller.OutcomeCancelled:
		return nil
	default:
		if err := h.Err(); err != nil {
			return err
		}
		return fmt.Errorf("job %s ended %s", jobID, outcome)
	}
}
