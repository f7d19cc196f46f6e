package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DevoteMe/webhookd/internal/collab"
	"github.com/DevoteMe/webhookd/internal/config"
	"github.com/DevoteMe/webhookd/internal/dispatch"
	"github.com/DevoteMe/webhookd/internal/id"
	"github.com/DevoteMe/webhookd/internal/ingest"
	"github.com/DevoteMe/webhookd/internal/lease"
	"github.com/DevoteMe/webhookd/internal/log"
	"github.com/DevoteMe/webhookd/internal/metrics"
	"github.com/DevoteMe/webhookd/internal/provider"
	"github.com/DevoteMe/webhookd/internal/retry"
	"github.com/DevoteMe/webhookd/internal/server"
	"github.com/DevoteMe/webhookd/internal/store"
	"github.com/DevoteMe/webhookd/internal/sweeper"
	"github.com/DevoteMe/webhookd/internal/wakeup"
	"github.com/DevoteMe/webhookd/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := log.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("webhookd stopped with error", zap.Error(err))
	}
	logger.Info("webhookd stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	st, err := store.Open(cfg.DatabaseURLs, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = st.Migrate(migrateCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	node, err := id.NewNode(cfg.NodeID)
	if err != nil {
		return fmt.Errorf("init id generator: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, logger)

	platform := collab.NewPlatformClient(cfg.PlatformAPIURL, cfg.PlatformAPIToken, cfg.PlatformAPITimeout)

	var notifications collab.Notifications
	if cfg.RabbitMQURL != "" {
		rn, err := collab.NewRabbitNotifier(cfg.RabbitMQURL, cfg.NotificationQueue)
		if err != nil {
			return fmt.Errorf("connect to rabbitmq: %w", err)
		}
		defer rn.Close()
		notifications = rn
	}

	var sink collab.EventSink
	if len(cfg.KafkaBrokers) > 0 {
		ks := collab.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer ks.Close()
		sink = ks
	}

	dispatcher := dispatch.New(sink, logger)
	dispatch.RegisterDefaultRoutes(dispatcher, &dispatch.Handlers{
		Subscriptions: platform,
		Payments:      platform,
		Gifts:         platform,
		Notifications: notifications,
		Profiles:      platform,
		Messages:      platform,
		Media:         platform,
	})

	notifier := wakeup.NewNotifier(rdb, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return st.Run(ctx) })
	g.Go(func() error {
		return m.Run(ctx, metrics.Server{
			Addr:        cfg.MetricsAddr,
			Gatherer:    reg,
			Source:      st,
			Redis:       rdb,
			TLSCertFile: cfg.TLSCertFile,
			TLSKeyFile:  cfg.TLSKeyFile,
		})
	})

	var pool *worker.Pool
	if cfg.RunMode != config.RunModeAPI {
		renewer := lease.NewRenewer(st, cfg.LeaseTTL, cfg.LeaseRenewPeriod, logger)
		pool = worker.NewPool(st, dispatcher, retry.NewManager(st, cfg.RetryBackoff, logger), renewer, m, logger, worker.Options{
			Owner:          cfg.WorkerID,
			Workers:        cfg.WorkersPerQueue,
			BatchSize:      cfg.WorkerBatchSize,
			PollInterval:   cfg.PollInterval,
			LeaseTTL:       cfg.LeaseTTL,
			HandlerTimeout: cfg.HandlerTimeout,
		})
		sw := sweeper.NewSweeper(st, cfg.SweepInterval, cfg.SucceededRetention, logger)

		g.Go(func() error { return renewer.Run(ctx) })
		g.Go(func() error { return pool.Run(ctx) })
		g.Go(func() error { return sw.Run(ctx) })
		g.Go(func() error {
			// Losing the subscription only costs latency; polling continues.
			if err := notifier.Subscribe(ctx, pool.TriggerQueue); err != nil {
				logger.Warn("Wake-up subscription ended", zap.Error(err))
			}
			return nil
		})
	}

	if cfg.RunMode != config.RunModeWorker {
		p := cfg.Providers
		registry := provider.NewRegistry(cfg.SyntheticIDWindow,
			provider.NewStripe(p.StripeSecret, p.StripeTolerance),
			provider.NewPayPal(p.PayPalWebhookID, p.PayPalSecret, p.PayPalTolerance),
			provider.NewMailchimp(p.MailchimpSecret),
			provider.NewTwilio(p.TwilioAuthToken),
			provider.NewMux(p.MuxSecret, p.MuxTolerance),
		)
		opts := ingest.Options{
			MaxAttempts:     cfg.MaxAttempts,
			StoreTimeout:    cfg.StoreTimeout,
			CriticalTimeout: cfg.CriticalTimeout,
		}
		if pool != nil {
			opts.Trigger = pool.Trigger
		}
		pipeline := ingest.NewPipeline(registry, st, dispatcher, notifier, node, m, logger, opts)

		deps := server.Deps{
			Ingester: pipeline,
			Admin:    st,
			Health: map[string]server.HealthCheck{
				"postgres": st.Ping,
				"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			},
		}
		if pool != nil {
			deps.Trigger = pool.Trigger
		}
		r := chi.NewRouter()
		server.SetupRouter(r, cfg, deps, logger)

		srv, err := newHTTPServer(cfg, r)
		if err != nil {
			return err
		}
		g.Go(func() error {
			logger.Info("Server starting", zap.String("addr", cfg.HTTPAddr), zap.Bool("tls", srv.TLSConfig != nil))
			var err error
			if srv.TLSConfig != nil {
				err = srv.ListenAndServeTLS("", "")
			} else {
				logger.Warn("TLS_CERT_FILE or TLS_KEY_FILE not set, using HTTP")
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			logger.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("Server shutdown failed", zap.Error(err))
			}
			return nil
		})
	}

	logger.Info("webhookd started", zap.String("mode", cfg.RunMode), zap.String("worker_id", cfg.WorkerID))
	return g.Wait()
}

func newHTTPServer(cfg *config.Config, h http.Handler) (*http.Server, error) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS certificates: %w", err)
		}
		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}
	return srv, nil
}
