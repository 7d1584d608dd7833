package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages the service metrics.
type MetricsCollector struct {
	meter metric.Meter

	submissions      metric.Int64Counter
	downloadsOK      metric.Int64Counter
	downloadsFailed  metric.Int64Counter
	retryAttempts    metric.Int64Counter
	archiveBytes     metric.Int64Counter
	activeJobs       metric.Int64UpDownCounter
	downloadDuration metric.Float64Histogram

	prometheusServer *http.Server
}

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// NewMetricsCollector creates a new metrics collector. When disabled, all
// record methods are cheap no-ops.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("workshopd")

	submissions, err := meter.Int64Counter(
		"workshopd.downloads.submitted",
		metric.WithDescription("Total number of accepted download submissions"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create submissions counter: %w", err)
	}

	downloadsOK, err := meter.Int64Counter(
		"workshopd.downloads.completed",
		metric.WithDescription("Total number of downloads that reached Completed"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create completed counter: %w", err)
	}

	downloadsFailed, err := meter.Int64Counter(
		"workshopd.downloads.failed",
		metric.WithDescription("Total number of downloads that reached Error"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failed counter: %w", err)
	}

	retryAttempts, err := meter.Int64Counter(
		"workshopd.downloads.retries",
		metric.WithDescription("Total number of steam tool retry attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retries counter: %w", err)
	}

	archiveBytes, err := meter.Int64Counter(
		"workshopd.archive.bytes",
		metric.WithDescription("Total bytes of produced archives"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive bytes counter: %w", err)
	}

	activeJobs, err := meter.Int64UpDownCounter(
		"workshopd.jobs.active",
		metric.WithDescription("Jobs currently between admission and a terminal state"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active jobs gauge: %w", err)
	}

	downloadDuration, err := meter.Float64Histogram(
		"workshopd.downloads.duration",
		metric.WithDescription("End-to-end job duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return &MetricsCollector{
		meter:            meter,
		submissions:      submissions,
		downloadsOK:      downloadsOK,
		downloadsFailed:  downloadsFailed,
		retryAttempts:    retryAttempts,
		archiveBytes:     archiveBytes,
		activeJobs:       activeJobs,
		downloadDuration: downloadDuration,
	}, nil
}

// StartPrometheusServer starts the scrape endpoint on the configured port.
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	if m.meter == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())
	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		_ = m.prometheusServer.ListenAndServe()
	}()
	return nil
}

// Shutdown stops the scrape endpoint.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.prometheusServer == nil {
		return nil
	}
	return m.prometheusServer.Shutdown(ctx)
}

// RecordSubmission counts an accepted submission and bumps the active gauge.
func (m *MetricsCollector) RecordSubmission(ctx context.Context) {
	if m.meter == nil {
		return
	}
	m.submissions.Add(ctx, 1)
	m.activeJobs.Add(ctx, 1)
}

// RecordCompletion counts a terminal outcome and releases the active gauge.
func (m *MetricsCollector) RecordCompletion(ctx context.Context, ok bool, kind string, duration time.Duration, archiveSize int64) {
	if m.meter == nil {
		return
	}
	m.activeJobs.Add(ctx, -1)
	m.downloadDuration.Record(ctx, duration.Seconds())
	if ok {
		m.downloadsOK.Add(ctx, 1)
		m.archiveBytes.Add(ctx, archiveSize)
		return
	}
	m.downloadsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordRetry counts one steam tool retry attempt.
func (m *MetricsCollector) RecordRetry(ctx context.Context) {
	if m.meter == nil {
		return
	}
	m.retryAttempts.Add(ctx, 1)
}
