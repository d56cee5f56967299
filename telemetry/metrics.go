package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce   sync.Once
	replansTotal  metric.Int64Counter
	stepDuration  metric.Float64Histogram
	metricsBroken bool
)

// instruments lazily creates the engine's meter instruments against
// whatever MeterProvider the process has installed. With no provider
// installed the otel global falls back to a no-op, so recording is
// always safe.
func instruments() bool {
	metricsOnce.Do(func() {
		meter := otel.Meter(tracerName)
		var err error
		replansTotal, err = meter.Int64Counter("reactor_replans_total",
			metric.WithDescription("Number of replan transitions taken"))
		if err != nil {
			metricsBroken = true
			return
		}
		stepDuration, err = meter.Float64Histogram("reactor_step_duration_ms",
			metric.WithDescription("Wall-clock duration of one worker step"),
			metric.WithUnit("ms"))
		if err != nil {
			metricsBroken = true
		}
	})
	return !metricsBroken
}

// CountReplan increments the replan counter for the run carried by ctx.
func CountReplan(ctx context.Context) {
	if !instruments() {
		return
	}
	replansTotal.Add(ctx, 1)
}

// RecordStepDuration records how long one worker step took, labeled by
// its tag.
func RecordStepDuration(ctx context.Context, tag string, d time.Duration) {
	if !instruments() {
		return
	}
	stepDuration.Record(ctx, float64(d.Nanoseconds())/1e6,
		metric.WithAttributes(attribute.String("tag", tag)))
}
