// Package telemetry provides OpenTelemetry metrics for the signature cache.
package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/sigcache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram

	operationsTotal      metric.Int64Counter
	operationDuration    metric.Float64Histogram
	cacheResultsTotal    metric.Int64Counter
	validationFailures   metric.Int64Counter
	attemptFailuresTotal metric.Int64Counter

	backendRequestsTotal   metric.Int64Counter
	backendRequestDuration metric.Float64Histogram
	backendItemsTotal      metric.Int64Counter

	breakerTransitionsTotal metric.Int64Counter
	breakerRejectedTotal    metric.Int64Counter

	batchChunksTotal metric.Int64Counter

	importJobsTotal  metric.Int64Counter
	importItemsTotal metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "sigcache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	// Setup OTLP exporter if endpoint configured
	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Setup Prometheus exporter if enabled
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Build meter provider options
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	// Create meter and instruments
	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter(
		"sigcache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"sigcache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	operationsTotal, err := meter.Int64Counter(
		"sigcache_operations_total",
		metric.WithDescription("Total resilient operations by operation and outcome"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	operationDuration, err := meter.Float64Histogram(
		"sigcache_operation_duration_seconds",
		metric.WithDescription("Resilient operation duration including retries"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	cacheResultsTotal, err := meter.Int64Counter(
		"sigcache_cache_results_total",
		metric.WithDescription("Result cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	validationFailures, err := meter.Int64Counter(
		"sigcache_validation_failures_total",
		metric.WithDescription("Rejected inputs by operation"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return err
	}

	attemptFailuresTotal, err := meter.Int64Counter(
		"sigcache_attempt_failures_total",
		metric.WithDescription("Failed backend attempts by operation and error kind"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return err
	}

	backendRequestsTotal, err := meter.Int64Counter(
		"sigcache_backend_requests_total",
		metric.WithDescription("Total backend requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	backendRequestDuration, err := meter.Float64Histogram(
		"sigcache_backend_request_duration_seconds",
		metric.WithDescription("Backend request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	backendItemsTotal, err := meter.Int64Counter(
		"sigcache_backend_items_total",
		metric.WithDescription("Total items carried by backend requests"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return err
	}

	breakerTransitionsTotal, err := meter.Int64Counter(
		"sigcache_breaker_transitions_total",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return err
	}

	breakerRejectedTotal, err := meter.Int64Counter(
		"sigcache_breaker_rejected_total",
		metric.WithDescription("Calls rejected while the circuit breaker was open"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return err
	}

	batchChunksTotal, err := meter.Int64Counter(
		"sigcache_batch_chunks_total",
		metric.WithDescription("Batch chunks issued by operation and outcome"),
		metric.WithUnit("{chunk}"),
	)
	if err != nil {
		return err
	}

	importJobsTotal, err := meter.Int64Counter(
		"sigcache_import_jobs_total",
		metric.WithDescription("Import jobs by terminal status"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return err
	}

	importItemsTotal, err := meter.Int64Counter(
		"sigcache_import_items_total",
		metric.WithDescription("Hashes processed by import jobs"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:           requestsTotal,
		requestDuration:         requestDuration,
		operationsTotal:         operationsTotal,
		operationDuration:       operationDuration,
		cacheResultsTotal:       cacheResultsTotal,
		validationFailures:      validationFailures,
		attemptFailuresTotal:    attemptFailuresTotal,
		backendRequestsTotal:    backendRequestsTotal,
		backendRequestDuration:  backendRequestDuration,
		backendItemsTotal:       backendItemsTotal,
		breakerTransitionsTotal: breakerTransitionsTotal,
		breakerRejectedTotal:    breakerRejectedTotal,
		batchChunksTotal:        batchChunksTotal,
		importJobsTotal:         importJobsTotal,
		importItemsTotal:        importItemsTotal,
		meterProvider:           mp,
		promHandler:             promHandler,
	}

	return nil
}

func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// PrometheusHandler returns the Prometheus metrics handler, or a 404 handler
// when metrics are not initialised.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// RecordHTTP records request metrics for the API server.
func RecordHTTP(ctx context.Context, r *http.Request, status int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	endpoint := "other"
	if tags := GetTags(r.Context()); tags != nil && tags.Endpoint != "" {
		endpoint = tags.Endpoint
	}

	attrs := []attribute.KeyValue{
		attribute.String("method", r.Method),
		attribute.String("endpoint", endpoint),
		attribute.String("status", strconv.Itoa(status)),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// StatusClass groups an HTTP status code into its class ("2xx", "4xx", ...).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "1xx"
	}
}

// RecordOperation records the outcome of one resilient operation, retries
// included.
func RecordOperation(ctx context.Context, op, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.operationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.operationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordCacheResult records a result cache hit or miss for an operation.
func RecordCacheResult(ctx context.Context, op string, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheResultsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("result", string(result)),
	))
}

// RecordValidationFailure records a rejected input.
func RecordValidationFailure(ctx context.Context, op string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.validationFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
	))
}

// RecordAttemptFailure records one failed backend attempt inside the retry loop.
func RecordAttemptFailure(ctx context.Context, op, kind string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.attemptFailuresTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("kind", kind),
	))
}

// RecordBackendOp records one backend request.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, items int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if items > 0 {
		globalMetrics.backendItemsTotal.Add(ctx, items, metric.WithAttributes(attrs...))
	}
}

// RecordBreakerTransition records a circuit breaker state change.
func RecordBreakerTransition(from, to string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.breakerTransitionsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordBreakerRejected records a call rejected by an open circuit breaker.
func RecordBreakerRejected(ctx context.Context, op string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.breakerRejectedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
	))
}

// RecordBatchChunk records the outcome of one batch chunk request.
func RecordBatchChunk(ctx context.Context, op, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.batchChunksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

// RecordImportJob records a job reaching a terminal status.
func RecordImportJob(ctx context.Context, status string, items int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.importJobsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
	if items > 0 {
		globalMetrics.importItemsTotal.Add(ctx, items, metric.WithAttributes(
			attribute.String("status", status),
		))
	}
}

type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
