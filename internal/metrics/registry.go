package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registry holds the OpenTelemetry instruments for the pipeline. It mirrors
// the Prometheus surface at run granularity so deployments exporting over
// OTLP see the same story the scrape endpoint tells.
type Registry struct {
	meter metric.Meter

	// Run lifecycle
	RunsTotal     metric.Int64Counter
	RunDuration   metric.Float64Histogram
	PhaseDuration metric.Float64Histogram

	// Per-run totals
	InventoryURLs   metric.Int64Counter
	Downloads       metric.Int64Counter
	RecordsParsed   metric.Int64Counter
	RecordsUpserted metric.Int64Counter

	// System
	DBConnectionPool metric.Int64ObservableGauge
	RetryBacklog     metric.Int64ObservableGauge

	// State for observable metrics
	mu           sync.RWMutex
	dbPoolSize   int64
	retryBacklog int64
}

// RunTotals carries the outcome counts of one completed run.
type RunTotals struct {
	URLs       int64
	Downloaded int64
	Failed     int64
	Parsed     int64
	Upserted   int64
}

// NewRegistry creates a registry of pipeline instruments on the global
// meter provider. With telemetry disabled the provider is a no-op, so the
// registry is always safe to use.
func NewRegistry(meterName string) (*Registry, error) {
	r := &Registry{meter: otel.Meter(meterName)}

	if err := r.initRunMetrics(); err != nil {
		return nil, err
	}
	if err := r.initTotalMetrics(); err != nil {
		return nil, err
	}
	if err := r.initSystemMetrics(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) initRunMetrics() error {
	var err error

	r.RunsTotal, err = r.meter.Int64Counter(
		"capitol.pipeline.runs_total",
		metric.WithDescription("Pipeline runs by outcome"),
	)
	if err != nil {
		return err
	}

	r.RunDuration, err = r.meter.Float64Histogram(
		"capitol.pipeline.run_duration",
		metric.WithDescription("End-to-end run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 60, 300, 900, 3600, 7200),
	)
	if err != nil {
		return err
	}

	r.PhaseDuration, err = r.meter.Float64Histogram(
		"capitol.pipeline.phase_duration",
		metric.WithDescription("Duration of one pipeline phase in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 1, 5, 15, 60, 300, 900, 3600),
	)
	return err
}

func (r *Registry) initTotalMetrics() error {
	var err error

	r.InventoryURLs, err = r.meter.Int64Counter(
		"capitol.discovery.inventory_urls",
		metric.WithDescription("URLs in the inventory at the start of each run"),
	)
	if err != nil {
		return err
	}

	r.Downloads, err = r.meter.Int64Counter(
		"capitol.download.outcomes",
		metric.WithDescription("Download outcomes by result"),
	)
	if err != nil {
		return err
	}

	r.RecordsParsed, err = r.meter.Int64Counter(
		"capitol.parse.records",
		metric.WithDescription("Records parsed from the extracted trees"),
	)
	if err != nil {
		return err
	}

	r.RecordsUpserted, err = r.meter.Int64Counter(
		"capitol.store.upserts",
		metric.WithDescription("Records written to the database"),
	)
	return err
}

func (r *Registry) initSystemMetrics() error {
	var err error

	r.DBConnectionPool, err = r.meter.Int64ObservableGauge(
		"capitol.system.db_connection_pool_size",
		metric.WithDescription("Configured database connection pool size"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.dbPoolSize)
			return nil
		}),
	)
	if err != nil {
		return err
	}

	r.RetryBacklog, err = r.meter.Int64ObservableGauge(
		"capitol.retry.backlog",
		metric.WithDescription("Journal entries awaiting a retry run"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.retryBacklog)
			return nil
		}),
	)
	return err
}

// SetDBPoolSize records the connection pool capacity.
func (r *Registry) SetDBPoolSize(size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dbPoolSize = size
}

// SetRetryBacklog records the current retry journal size.
func (r *Registry) SetRetryBacklog(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryBacklog = n
}

// RecordRunCompleted records a successful run with its totals.
func (r *Registry) RecordRunCompleted(ctx context.Context, durationSeconds float64, totals RunTotals) {
	outcome := metric.WithAttributes(attribute.String("outcome", "completed"))
	r.RunsTotal.Add(ctx, 1, outcome)
	r.RunDuration.Record(ctx, durationSeconds, outcome)

	r.InventoryURLs.Add(ctx, totals.URLs)
	r.Downloads.Add(ctx, totals.Downloaded, metric.WithAttributes(attribute.String("result", "ok")))
	r.Downloads.Add(ctx, totals.Failed, metric.WithAttributes(attribute.String("result", "failed")))
	r.RecordsParsed.Add(ctx, totals.Parsed)
	r.RecordsUpserted.Add(ctx, totals.Upserted)
}

// RecordRunFailed counts a run that ended in an error.
func (r *Registry) RecordRunFailed(ctx context.Context) {
	r.RunsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
}

// RecordPhaseDuration records how long one phase took.
func (r *Registry) RecordPhaseDuration(ctx context.Context, phase string, seconds float64) {
	r.PhaseDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("phase", phase)))
}
