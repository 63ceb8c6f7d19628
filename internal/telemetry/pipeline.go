package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Pipeline metrics are lazy: instruments are created on first use so they
// bind to whichever meter provider Init installed. When telemetry is off the
// provider is a no-op and every record call is nearly free.
var (
	pipelineOnce sync.Once
	runCounter   metric.Int64Counter
	runDuration  metric.Float64Histogram
	itemCounter  metric.Int64Counter
	reqCounter   metric.Int64Counter
)

func pipelineInstruments() {
	pipelineOnce.Do(func() {
		m := Meter(instrumentationScope + "/pipeline")
		runCounter, _ = m.Int64Counter("gitpulse.pipeline.runs",
			metric.WithDescription("Completed pipeline runs by type and outcome"))
		runDuration, _ = m.Float64Histogram("gitpulse.pipeline.run.duration",
			metric.WithDescription("Pipeline run duration in seconds"),
			metric.WithUnit("s"))
		itemCounter, _ = m.Int64Counter("gitpulse.pipeline.items",
			metric.WithDescription("Items processed by pipeline runs"))
		reqCounter, _ = m.Int64Counter("gitpulse.provider.requests",
			metric.WithDescription("Requests issued to the provider API"))
	})
}

// RecordRun counts one finished pipeline run.
func RecordRun(ctx context.Context, pipelineType, outcome string, items int, dur time.Duration) {
	pipelineInstruments()
	attrs := metric.WithAttributes(
		attribute.String("pipeline.type", pipelineType),
		attribute.String("pipeline.outcome", outcome),
	)
	runCounter.Add(ctx, 1, attrs)
	runDuration.Record(ctx, dur.Seconds(), attrs)
	itemCounter.Add(ctx, int64(items), attrs)
}

// RecordProviderRequest counts one provider API request by response status.
func RecordProviderRequest(ctx context.Context, status int) {
	pipelineInstruments()
	reqCounter.Add(ctx, 1, metric.WithAttributes(attribute.Int("http.status_code", status)))
}
