package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds all ClawControl metric instruments.
type Metrics struct {
	RequestDuration metric.Float64Histogram
	Transitions     metric.Int64Counter
	TasksSpawned    metric.Int64Counter
	SyncDuration    metric.Float64Histogram
	SyncErrors      metric.Int64Counter
	PushDuration    metric.Float64Histogram
	PushErrors      metric.Int64Counter
	NotifyFailures  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("clawcontrol.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Transitions, err = meter.Int64Counter("clawcontrol.task.transitions",
		metric.WithDescription("Task status transitions applied"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksSpawned, err = meter.Int64Counter("clawcontrol.recurring.spawned",
		metric.WithDescription("Tasks spawned from recurring templates"),
	)
	if err != nil {
		return nil, err
	}

	m.SyncDuration, err = meter.Float64Histogram("clawcontrol.mirror.pull.duration",
		metric.WithDescription("Remote cron pull duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SyncErrors, err = meter.Int64Counter("clawcontrol.mirror.pull.errors",
		metric.WithDescription("Endpoint-level pull failures"),
	)
	if err != nil {
		return nil, err
	}

	m.PushDuration, err = meter.Float64Histogram("clawcontrol.mirror.push.duration",
		metric.WithDescription("Remote cron push duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PushErrors, err = meter.Int64Counter("clawcontrol.mirror.push.errors",
		metric.WithDescription("Endpoint-level push failures"),
	)
	if err != nil {
		return nil, err
	}

	m.NotifyFailures, err = meter.Int64Counter("clawcontrol.notify.failures",
		metric.WithDescription("Agent notification delivery failures"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NopMetrics returns instruments backed by a no-op meter, for components
// constructed without telemetry.
func NopMetrics() *Metrics {
	// The no-op meter never fails to build an instrument.
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}
