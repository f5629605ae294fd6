package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"
)

// Config controls where a finished run publishes its metrics.
type Config struct {
	PushgatewayURL string
	Job            string
}

// Collector holds the counters of one pipeline invocation. A nil *Collector is
// valid and records nothing.
type Collector struct {
	logger *zap.Logger
	cfg    Config

	filesFetched     prometheus.Counter
	recordsStaged    prometheus.Counter
	rowsUpserted     *prometheus.CounterVec
	entityFailures   *prometheus.CounterVec
	nullsSubstituted *prometheus.CounterVec
	watermark        prometheus.Gauge
	runDuration      *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewCollector creates a collector on its own registry.
func NewCollector(cfg Config, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.Job) == "" {
		cfg.Job = "s3pgload"
	}

	c := &Collector{
		logger:   logger,
		cfg:      cfg,
		registry: prometheus.NewRegistry(),

		filesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "s3pgload_files_fetched_total",
			Help: "Source files fetched for the ingested partition",
		}),
		recordsStaged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "s3pgload_records_staged_total",
			Help: "Records written to the staged file",
		}),
		rowsUpserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "s3pgload_rows_upserted_total",
			Help: "Rows upserted into entity tables",
		}, []string{"entity"}),
		entityFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "s3pgload_entity_failures_total",
			Help: "Entities whose load failed",
		}, []string{"entity"}),
		nullsSubstituted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "s3pgload_nulls_substituted_total",
			Help: "Cells replaced by NULL after a failed type coercion",
		}, []string{"entity"}),
		watermark: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "s3pgload_watermark_timestamp_seconds",
			Help: "Hour partition fetched by the last ingestion, as a unix timestamp",
		}),
		runDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "s3pgload_run_duration_seconds",
			Help: "Wall time of the last run per phase",
		}, []string{"phase"}),
	}

	c.registry.MustRegister(
		c.filesFetched,
		c.recordsStaged,
		c.rowsUpserted,
		c.entityFailures,
		c.nullsSubstituted,
		c.watermark,
		c.runDuration,
	)
	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) FilesFetched(n int) {
	if c == nil {
		return
	}
	c.filesFetched.Add(float64(n))
}

func (c *Collector) RecordsStaged(n int) {
	if c == nil {
		return
	}
	c.recordsStaged.Add(float64(n))
}

func (c *Collector) RowsUpserted(entity string, n int) {
	if c == nil {
		return
	}
	c.rowsUpserted.WithLabelValues(entity).Add(float64(n))
}

func (c *Collector) EntityFailed(entity string) {
	if c == nil {
		return
	}
	c.entityFailures.WithLabelValues(entity).Inc()
}

func (c *Collector) NullsSubstituted(entity string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.nullsSubstituted.WithLabelValues(entity).Add(float64(n))
}

func (c *Collector) Watermark(hour time.Time) {
	if c == nil {
		return
	}
	c.watermark.Set(float64(hour.Unix()))
}

// ObserveRun records how long a phase took.
func (c *Collector) ObserveRun(phase string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.runDuration.WithLabelValues(phase).Set(elapsed.Seconds())
}

// Push sends the collected metrics to the configured Pushgateway. Without a
// gateway URL it does nothing.
func (c *Collector) Push(ctx context.Context) error {
	if c == nil || strings.TrimSpace(c.cfg.PushgatewayURL) == "" {
		return nil
	}
	pusher := push.New(c.cfg.PushgatewayURL, c.cfg.Job).Gatherer(c.registry)
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", c.cfg.PushgatewayURL, err)
	}
	c.logger.Debug("pushed metrics", zap.String("gateway", c.cfg.PushgatewayURL), zap.String("job", c.cfg.Job))
	return nil
}
