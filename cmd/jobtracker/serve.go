package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/suPer8Hu/jobtracker/internal/httpapi"
	"github.com/suPer8Hu/jobtracker/internal/httpapi/handlers"
	"github.com/suPer8Hu/jobtracker/internal/logging"
	"github.com/suPer8Hu/jobtracker/internal/tracking"
)

func newServeCommand() *cobra.Command {
	var (
		addr   string
		resume bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log, appOptions{withDB: true, withEvents: true})
			if err != nil {
				return err
			}
			defer a.Close()

			if resume {
				n, err := a.svc.ResumeActive(ctx, tracking.TrackConfig{})
				if err != nil {
					log.WithError(err).Warn("resume active jobs failed")
				} else if n > 0 {
					log.WithField("jobs", n).Info("resumed tracking")
				}
			}

			gin.SetMode(gin.ReleaseMode)
			h := handlers.NewHandler(a.svc, a.repo, tracking.TrackConfig{}, log)
			srv := &http.Server{
				Addr:              cfg.HTTPAddr,
				Handler:           httpapi.NewRouter(cfg, h, log),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logging.WithVersion(log, version).WithField("addr", cfg.HTTPAddr).Info("http server listening")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	cmd.Flags().BoolVar(&resume, "resume", true, "resume polling of unfinished jobs on start")
	return cmd
}
