package metrics

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/DevoteMe/webhookd/internal/log"
	"github.com/DevoteMe/webhookd/internal/store"
)

// Results used as label values.
const (
	ResultAccepted  = "accepted"
	ResultDuplicate = "duplicate"
	ResultIgnored   = "ignored"
	ResultAuth      = "rejected_auth"
	ResultMalformed = "rejected_malformed"
	ResultError     = "error"
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
	ResultSkipped   = "skipped"
	ResultRetried   = "retried"
	ResultExhausted = "exhausted"
	ResultDropped   = "dropped"
)

// Source is what the collector polls for gauges.
type Source interface {
	QueueDepths(ctx context.Context) (map[string]map[store.JobStatus]int, error)
	ShardHealth() map[int]bool
}

type Metrics struct {
	WebhooksReceived *prometheus.CounterVec
	CriticalPath     *prometheus.CounterVec
	JobsProcessed    *prometheus.CounterVec
	JobDuration      *prometheus.HistogramVec
	QueueDepth       *prometheus.GaugeVec
	ShardHealth      *prometheus.GaugeVec

	logger *log.Logger
}

func New(reg prometheus.Registerer, logger *log.Logger) *Metrics {
	m := &Metrics{
		WebhooksReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhookd_webhooks_received_total",
				Help: "Inbound webhook deliveries by provider and result",
			},
			[]string{"provider", "result"},
		),
		CriticalPath: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhookd_critical_path_total",
				Help: "Synchronous critical-path attempts by provider and result",
			},
			[]string{"provider", "result"},
		),
		JobsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhookd_jobs_processed_total",
				Help: "Queue job attempts by queue and result",
			},
			[]string{"queue", "result"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webhookd_job_duration_seconds",
				Help:    "Time spent dispatching one job attempt",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "webhookd_queue_depth",
				Help: "Jobs per queue and status",
			},
			[]string{"queue", "status"},
		),
		ShardHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "webhookd_shard_health",
				Help: "Health status of shards (1 = healthy, 0 = unhealthy)",
			},
			[]string{"shard", "type"},
		),
		logger: logger.Named("metrics"),
	}
	reg.MustRegister(
		m.WebhooksReceived,
		m.CriticalPath,
		m.JobsProcessed,
		m.JobDuration,
		m.QueueDepth,
		m.ShardHealth,
	)
	return m
}

// Server exposes a gatherer on its own listener and refreshes the gauges.
type Server struct {
	Addr        string
	Gatherer    prometheus.Gatherer
	Source      Source
	Redis       *redis.Client
	Interval    time.Duration
	TLSCertFile string
	TLSKeyFile  string
}

func (m *Metrics) Run(ctx context.Context, s Server) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if s.TLSCertFile != "" && s.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.TLSCertFile, s.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("load metrics TLS certificates: %w", err)
		}
		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	interval := s.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go m.collect(ctx, s, interval)

	errCh := make(chan error, 1)
	go func() {
		m.logger.Info("Metrics server starting", zap.String("addr", s.Addr), zap.Bool("tls", srv.TLSConfig != nil))
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		m.logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
	return nil
}

func (m *Metrics) collect(ctx context.Context, s Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(ctx, s.Source, s.Redis)
		}
	}
}

// Refresh updates the gauges once. Either argument may be nil.
func (m *Metrics) Refresh(ctx context.Context, src Source, rdb *redis.Client) {
	if src != nil {
		depths, err := src.QueueDepths(ctx)
		if err != nil {
			m.logger.Error("Failed to read queue depths", zap.Error(err))
		}
		m.QueueDepth.Reset()
		for queue, byStatus := range depths {
			for status, n := range byStatus {
				m.QueueDepth.WithLabelValues(queue, string(status)).Set(float64(n))
			}
		}
		for shard, healthy := range src.ShardHealth() {
			m.ShardHealth.WithLabelValues(strconv.Itoa(shard), "postgres").Set(boolGauge(healthy))
		}
	}
	if rdb != nil {
		err := rdb.Ping(ctx).Err()
		if err != nil {
			m.logger.Error("Redis unhealthy", zap.Error(err))
		}
		m.ShardHealth.WithLabelValues("0", "redis").Set(boolGauge(err == nil))
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
