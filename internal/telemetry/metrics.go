package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/encacl"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Registry operation metrics
	PermissionsGrantedTotal metric.Int64Counter
	EvaluationsTotal        metric.Int64Counter
	LevelUpdatesTotal       metric.Int64Counter
	RevocationsTotal        metric.Int64Counter
	RegistryErrorsTotal     metric.Int64Counter

	// Coprocessor metrics
	AdmissionDuration   metric.Float64Histogram
	CoprocessorDuration metric.Float64Histogram
	CoprocessorRetries  metric.Int64Counter

	// Event metrics
	EventsEmittedTotal    metric.Int64Counter
	EventsDroppedTotal    metric.Int64Counter
	ActiveSubscribers     metric.Int64UpDownCounter
	JournalAppendErrors   metric.Int64Counter
	JournalForwardRetries metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.PermissionsGrantedTotal, _ = meter.Int64Counter(
		"encacl.permissions.granted.total",
		metric.WithDescription("Total number of permissions granted"),
		metric.WithUnit("{permission}"),
	)

	m.EvaluationsTotal, _ = meter.Int64Counter(
		"encacl.permissions.evaluated.total",
		metric.WithDescription("Total number of access evaluations"),
		metric.WithUnit("{evaluation}"),
	)

	m.LevelUpdatesTotal, _ = meter.Int64Counter(
		"encacl.permissions.level_updates.total",
		metric.WithDescription("Total number of permission level updates"),
		metric.WithUnit("{update}"),
	)

	m.RevocationsTotal, _ = meter.Int64Counter(
		"encacl.permissions.revoked.total",
		metric.WithDescription("Total number of permissions revoked"),
		metric.WithUnit("{permission}"),
	)

	m.RegistryErrorsTotal, _ = meter.Int64Counter(
		"encacl.registry.errors.total",
		metric.WithDescription("Total number of failed registry operations by error kind"),
		metric.WithUnit("{error}"),
	)

	m.AdmissionDuration, _ = meter.Float64Histogram(
		"encacl.gateway.admission.duration",
		metric.WithDescription("Duration of encrypted input proof verification"),
		metric.WithUnit("ms"),
	)

	m.CoprocessorDuration, _ = meter.Float64Histogram(
		"encacl.coprocessor.call.duration",
		metric.WithDescription("Duration of coprocessor calls"),
		metric.WithUnit("ms"),
	)

	m.CoprocessorRetries, _ = meter.Int64Counter(
		"encacl.coprocessor.retries.total",
		metric.WithDescription("Total number of retried coprocessor calls"),
		metric.WithUnit("{retry}"),
	)

	m.EventsEmittedTotal, _ = meter.Int64Counter(
		"encacl.events.emitted.total",
		metric.WithDescription("Total number of registry events emitted"),
		metric.WithUnit("{event}"),
	)

	m.EventsDroppedTotal, _ = meter.Int64Counter(
		"encacl.events.dropped.total",
		metric.WithDescription("Total number of events dropped for slow subscribers"),
		metric.WithUnit("{event}"),
	)

	m.ActiveSubscribers, _ = meter.Int64UpDownCounter(
		"encacl.events.subscribers.active",
		metric.WithDescription("Number of active event subscribers"),
		metric.WithUnit("{subscriber}"),
	)

	m.JournalAppendErrors, _ = meter.Int64Counter(
		"encacl.journal.append.errors.total",
		metric.WithDescription("Total number of failed journal appends"),
		metric.WithUnit("{error}"),
	)

	m.JournalForwardRetries, _ = meter.Int64Counter(
		"encacl.journal.forward.retries.total",
		metric.WithDescription("Total number of retried journal forwards"),
		metric.WithUnit("{retry}"),
	)

	return m
}

// RecordAdmission records the duration and outcome of an input proof check.
func RecordAdmission(ctx context.Context, d time.Duration, ok bool) {
	GetMetrics().AdmissionDuration.Record(ctx, float64(d.Milliseconds()),
		metric.WithAttributes(attribute.Bool("admitted", ok)))
}

// RecordCoprocessorCall records the duration of a coprocessor operation.
func RecordCoprocessorCall(ctx context.Context, op string, d time.Duration, err error) {
	GetMetrics().CoprocessorDuration.Record(ctx, float64(d.Milliseconds()),
		metric.WithAttributes(
			attribute.String("operation", op),
			attribute.Bool("error", err != nil),
		))
}

// RecordRegistryError counts a failed registry operation.
func RecordRegistryError(ctx context.Context, op, kind string) {
	GetMetrics().RegistryErrorsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("kind", kind),
		))
}
