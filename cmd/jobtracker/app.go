package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/suPer8Hu/jobtracker/internal/batch"
	"github.com/suPer8Hu/jobtracker/internal/cache"
	"github.com/suPer8Hu/jobtracker/internal/config"
	"github.com/suPer8Hu/jobtracker/internal/db"
	"github.com/suPer8Hu/jobtracker/internal/gateway"
	"github.com/suPer8Hu/jobtracker/internal/logging"
	"github.com/suPer8Hu/jobtracker/internal/poller"
	"github.com/suPer8Hu/jobtracker/internal/retry"
	"github.com/suPer8Hu/jobtracker/internal/store/rabbitmq"
	"github.com/suPer8Hu/jobtracker/internal/tracking"
)

// app holds the wired dependencies shared by every command.
type app struct {
	cfg  config.Config
	log  *logrus.Logger
	repo *tracking.Repo
	rdb  *redis.Client
	pub  *rabbitmq.Publisher
	rc   *cache.ResultCache
	svc  *tracking.Service

	closers []func()
}

type appOptions struct {
	withDB     bool
	withEvents bool
}

func loadConfig() (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat, nil)
	return cfg, log, nil
}

func newApp(ctx context.Context, cfg config.Config, log *logrus.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, log: log}

	if opts.withDB {
		gdb, err := db.Connect(cfg.DBDSN)
		if err != nil {
			return nil, err
		}
		a.repo = tracking.NewRepo(gdb)
		if err := a.repo.AutoMigrate(); err != nil {
			return nil, fmt.Errorf("automigrate: %w", err)
		}
	}

	if cfg.RedisAddr != "" {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("redis unavailable, result cache stays local")
			_ = a.rdb.Close()
			a.rdb = nil
		} else {
			a.closers = append(a.closers, func() { _ = a.rdb.Close() })
		}
	}

	if opts.withEvents {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue, cfg.RabbitEventsQueue)
		if err != nil {
			log.WithError(err).Warn("rabbitmq unavailable, job events disabled")
		} else {
			a.pub = pub
			a.closers = append(a.closers, func() { _ = pub.Close() })
		}
	}

	a.rc = cache.New(cache.Options{
		TerminalTTL:     cfg.CacheTerminalTTL,
		JanitorInterval: cfg.CacheJanitor,
		Redis:           a.rdb,
		RedisPrefix:     cfg.RedisPrefix,
		Log:             log,
	})

	gw := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayToken, cfg.GatewayTimeout, gateway.BreakerSettings{
		Enabled:      cfg.BreakerEnabled,
		MaxRequests:  cfg.BreakerMaxRequests,
		Interval:     cfg.BreakerInterval,
		Timeout:      cfg.BreakerTimeout,
		MinRequests:  cfg.BreakerMinRequests,
		FailureRatio: cfg.BreakerFailureRatio,
	})
	gw.Log = log

	so := tracking.Options{
		Gateway:  gw,
		Cache:    a.rc,
		Repo:     a.repo,
		Defaults: trackDefaults(cfg),
		Batch: batch.Config{
			MaxRetries:   cfg.BatchMaxRetries,
			Backoff:      retry.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax, Jitter: cfg.BackoffJitter},
			FetchTimeout: cfg.BatchFetchTimeout,
			Fresh:        cfg.BatchFresh,
		},
		Log: log,
	}
	if a.pub != nil {
		so.Events = a.pub
	}
	a.svc = tracking.NewService(so)
	return a, nil
}

// Close shuts the service down before the cache and connections it uses.
func (a *app) Close() {
	a.svc.Close()
	a.rc.Close()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func trackDefaults(cfg config.Config) tracking.TrackConfig {
	return tracking.TrackConfig{
		Policy:      pollPolicy(cfg),
		MaxDuration: cfg.PollMaxDuration,
		MaxRetries:  cfg.PollMaxRetries,
		Backoff:     retry.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax, Jitter: cfg.BackoffJitter},
	}
}

// pollPolicy maps POLL_POLICY onto a cadence: "table" (default), "fixed"
// or "growing".
func pollPolicy(cfg config.Config) poller.Policy {
	switch cfg.PollPolicy {
	case "fixed":
		return poller.Fixed(cfg.PollInterval)
	case "growing":
		return poller.Growing{Base: cfg.PollInterval, Step: cfg.PollGrowthStep, Max: cfg.PollMaxInterval}
	default:
		return poller.DefaultStateTable()
	}
}
