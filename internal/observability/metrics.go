package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricRequestsTotal    = "stanlens.requests.total"
	metricRequestDuration  = "stanlens.request.duration.seconds"
	metricErrorsTotal      = "stanlens.errors.total"
	metricInflightRequests = "stanlens.inflight.requests"

	metricRunsTotal       = "stanlens.runs.total"
	metricRunDuration     = "stanlens.run.duration.seconds"
	metricFindings        = "stanlens.findings"
	metricFilesWithIssues = "stanlens.files.with_issues"
	metricTriggersDropped = "stanlens.triggers.dropped.total"

	attrOp      = "op"
	attrStatus  = "status"
	attrOutcome = "outcome"

	// StatusOK marks a successful request.
	StatusOK = "ok"
	// StatusError marks a failed request.
	StatusError = "error"

	// OutcomeSuccess labels runs that updated the store.
	OutcomeSuccess = "success"
)

// durationBucketBoundaries covers 10ms to 600s; full-project analyses on
// large codebases take minutes.
var durationBucketBoundaries = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// REDMetrics holds the OTel instruments for Rate, Error, Duration metrics.
type REDMetrics struct {
	requestsTotal    metric.Int64Counter
	requestDuration  metric.Float64Histogram
	errorsTotal      metric.Int64Counter
	inflightRequests metric.Int64UpDownCounter
}

// NewREDMetrics creates RED metric instruments from the given meter.
func NewREDMetrics(mt metric.Meter) (*REDMetrics, error) {
	reqTotal, err := mt.Int64Counter(metricRequestsTotal,
		metric.WithDescription("Total number of requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricRequestsTotal, err)
	}

	reqDuration, err := mt.Float64Histogram(metricRequestDuration,
		metric.WithDescription("Request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBucketBoundaries...),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricRequestDuration, err)
	}

	errTotal, err := mt.Int64Counter(metricErrorsTotal,
		metric.WithDescription("Total number of errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricErrorsTotal, err)
	}

	inflight, err := mt.Int64UpDownCounter(metricInflightRequests,
		metric.WithDescription("Number of in-flight requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricInflightRequests, err)
	}

	return &REDMetrics{
		requestsTotal:    reqTotal,
		requestDuration:  reqDuration,
		errorsTotal:      errTotal,
		inflightRequests: inflight,
	}, nil
}

// RecordRequest records a completed request with its operation, status, and duration.
func (rm *REDMetrics) RecordRequest(ctx context.Context, op, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String(attrOp, op),
		attribute.String(attrStatus, status),
	)

	rm.requestsTotal.Add(ctx, 1, attrs)
	rm.requestDuration.Record(ctx, duration.Seconds(), attrs)

	if status == StatusError {
		rm.errorsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String(attrOp, op),
		))
	}
}

// TrackInflight increments the in-flight gauge and returns a function to decrement it.
func (rm *REDMetrics) TrackInflight(ctx context.Context, op string) func() {
	attrs := metric.WithAttributes(attribute.String(attrOp, op))
	rm.inflightRequests.Add(ctx, 1, attrs)

	return func() {
		rm.inflightRequests.Add(ctx, -1, attrs)
	}
}

// RunMetrics records analysis runs.
type RunMetrics struct {
	runsTotal       metric.Int64Counter
	runDuration     metric.Float64Histogram
	findings        metric.Int64Gauge
	filesWithIssues metric.Int64Gauge
	triggersDropped metric.Int64Counter
}

// NewRunMetrics creates the run instruments from the given meter.
func NewRunMetrics(mt metric.Meter) (*RunMetrics, error) {
	runsTotal, err := mt.Int64Counter(metricRunsTotal,
		metric.WithDescription("Analysis runs by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricRunsTotal, err)
	}

	runDuration, err := mt.Float64Histogram(metricRunDuration,
		metric.WithDescription("Analysis run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBucketBoundaries...),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricRunDuration, err)
	}

	findings, err := mt.Int64Gauge(metricFindings,
		metric.WithDescription("Findings reported by the latest successful run"),
		metric.WithUnit("{finding}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricFindings, err)
	}

	files, err := mt.Int64Gauge(metricFilesWithIssues,
		metric.WithDescription("Files listed by the latest successful run"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricFilesWithIssues, err)
	}

	dropped, err := mt.Int64Counter(metricTriggersDropped,
		metric.WithDescription("Debounced triggers dropped because a run was in progress"),
		metric.WithUnit("{trigger}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricTriggersDropped, err)
	}

	return &RunMetrics{
		runsTotal:       runsTotal,
		runDuration:     runDuration,
		findings:        findings,
		filesWithIssues: files,
		triggersDropped: dropped,
	}, nil
}

// RecordRun records one finished run. Outcome is OutcomeSuccess or an error
// kind; findings and files are only recorded on success. A nil receiver is a no-op.
func (rm *RunMetrics) RecordRun(ctx context.Context, outcome string, duration time.Duration, findings, files int) {
	if rm == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String(attrOutcome, outcome))

	rm.runsTotal.Add(ctx, 1, attrs)
	rm.runDuration.Record(ctx, duration.Seconds(), attrs)

	if outcome == OutcomeSuccess {
		rm.findings.Record(ctx, int64(findings))
		rm.filesWithIssues.Record(ctx, int64(files))
	}
}

// RecordDroppedTrigger counts a debounced trigger dropped while busy.
func (rm *RunMetrics) RecordDroppedTrigger(ctx context.Context) {
	if rm == nil {
		return
	}

	rm.triggersDropped.Add(ctx, 1)
}
