package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/jobs take
// - Traffic: Request/job throughput
// - Errors: Rate of failures
// - Saturation: Resource utilization (concurrent jobs/requests)
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration    metric.Float64Histogram
	JobsTotal      metric.Int64Counter
	JobErrorsTotal metric.Int64Counter
	JobsActive     metric.Int64UpDownCounter

	// Dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration   metric.Float64Histogram
	DispatcherDelivered  metric.Int64Counter
	DispatcherFailed     metric.Int64Counter
	DispatcherDropped    metric.Int64Counter
	DispatcherRequeued   metric.Int64Counter
	DispatcherQueueSize  metric.Int64Gauge
	DispatcherBufferSize int64 // config value for saturation calculation

	// Queue/dispatch metrics (Latency, Traffic, Saturation)
	QueueDepth         metric.Int64Gauge
	DispatchLatency    metric.Float64Histogram
	DispatchAttempts   metric.Int64Counter
	DispatchFailures   metric.Int64Counter

	// Worker health metrics (Errors, Saturation)
	WorkerProbeOutcome metric.Int64Counter
	WorkersOnline      metric.Int64UpDownCounter
	WorkerQuarantines  metric.Int64Counter

	// SSE fan-out metrics (Saturation)
	SSESubscribers metric.Int64UpDownCounter
	SSEDropped     metric.Int64Counter

	// Worker transport metrics (Errors)
	TransportRetries metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("orchestrator")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Job metrics
	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Job execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of jobs created"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of failed jobs"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of currently running jobs (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Dispatcher metrics
	m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Callback delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherRequeued, err = meter.Int64Counter(
		"dispatcher_requeued_total",
		metric.WithDescription("Total events requeued due to open circuit"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.QueueDepth, err = meter.Int64Gauge(
		"queue_depth",
		metric.WithDescription("Current number of Pending jobs per queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatchLatency, err = meter.Float64Histogram(
		"dispatch_latency_seconds",
		metric.WithDescription("Time from job creation to dispatch reservation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatchAttempts, err = meter.Int64Counter(
		"dispatch_attempts_total",
		metric.WithDescription("Total dispatch-selection attempts"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatchFailures, err = meter.Int64Counter(
		"dispatch_failures_total",
		metric.WithDescription("Total dispatch attempts that lost the CAS race or hit a transport error"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WorkerProbeOutcome, err = meter.Int64Counter(
		"worker_probe_outcome_total",
		metric.WithDescription("Health probe outcomes by result"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WorkersOnline, err = meter.Int64UpDownCounter(
		"workers_online",
		metric.WithDescription("Number of workers currently status=online (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WorkerQuarantines, err = meter.Int64Counter(
		"worker_quarantines_total",
		metric.WithDescription("Total worker quarantines (persistent dispatch transport failure)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SSESubscribers, err = meter.Int64UpDownCounter(
		"sse_subscribers",
		metric.WithDescription("Number of currently connected SSE subscribers (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SSEDropped, err = meter.Int64Counter(
		"sse_dropped_total",
		metric.WithDescription("Total SSE subscribers dropped for failing to drain within the send timeout"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TransportRetries, err = meter.Int64Counter(
		"transport_retries_total",
		metric.WithDescription("Total Worker Transport Client retry attempts"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobCreated records a new job being created.
func (m *Metrics) RecordJobCreated(ctx context.Context, image string) {
	attrs := metric.WithAttributes(imageAttr(image))
	m.JobsTotal.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, 1, attrs)
}

// RecordJobCompleted records a job completing (success or failure).
func (m *Metrics) RecordJobCompleted(ctx context.Context, image string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(imageAttr(image), successAttr(success))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(imageAttr(image)))

	if !success {
		m.JobErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobCancelled records a job being cancelled.
func (m *Metrics) RecordJobCancelled(ctx context.Context, image string) {
	attrs := metric.WithAttributes(imageAttr(image))
	m.JobsActive.Add(ctx, -1, attrs)
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}

// RecordQueueDepth records the current Pending-job count for a queue.
func (m *Metrics) RecordQueueDepth(ctx context.Context, queueName string, depth int64) {
	m.QueueDepth.Record(ctx, depth, metric.WithAttributes(queueAttr(queueName)))
}

// RecordDispatchAttempt records one dispatch-selection attempt and, on
// success, the latency from job creation to reservation.
func (m *Metrics) RecordDispatchAttempt(ctx context.Context, queueName, strategy string, ok bool, latencySeconds float64) {
	attrs := metric.WithAttributes(queueAttr(queueName), strategyAttr(strategy))
	m.DispatchAttempts.Add(ctx, 1, attrs)
	if ok {
		m.DispatchLatency.Record(ctx, latencySeconds, attrs)
	} else {
		m.DispatchFailures.Add(ctx, 1, attrs)
	}
}

// RecordWorkerProbe records a health-probe outcome for a worker.
func (m *Metrics) RecordWorkerProbe(ctx context.Context, workerName string, success bool) {
	m.WorkerProbeOutcome.Add(ctx, 1, metric.WithAttributes(workerAttr(workerName), successAttr(success)))
}

// RecordWorkerOnline adjusts the online-worker saturation gauge by delta (+1/-1).
func (m *Metrics) RecordWorkerOnline(ctx context.Context, delta int64) {
	m.WorkersOnline.Add(ctx, delta)
}

// RecordWorkerQuarantine records a worker quarantined after a dispatch exhausted its retries.
func (m *Metrics) RecordWorkerQuarantine(ctx context.Context, workerName string) {
	m.WorkerQuarantines.Add(ctx, 1, metric.WithAttributes(workerAttr(workerName)))
}

// RecordSSESubscriberChange adjusts the connected-subscriber gauge by delta (+1/-1).
func (m *Metrics) RecordSSESubscriberChange(ctx context.Context, topic string, delta int64) {
	m.SSESubscribers.Add(ctx, delta, metric.WithAttributes(topicAttr(topic)))
}

// RecordSSEDropped records a subscriber dropped for a slow drain.
func (m *Metrics) RecordSSEDropped(ctx context.Context, topic string) {
	m.SSEDropped.Add(ctx, 1, metric.WithAttributes(topicAttr(topic)))
}

// RecordTransportRetry records one Worker Transport Client retry attempt.
func (m *Metrics) RecordTransportRetry(ctx context.Context, workerName string) {
	m.TransportRetries.Add(ctx, 1, metric.WithAttributes(workerAttr(workerName)))
}
