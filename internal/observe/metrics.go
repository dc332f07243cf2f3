// Package observe provides the runtime's observability primitives:
// OpenTelemetry metric instruments for the voice pipeline, a Prometheus
// exporter bridge, and HTTP middleware for request logging and latency.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for the hot paths; it is a no-op until [InitProvider] registers the SDK
// meter provider. Tests should use [NewMetrics] with their own provider to
// avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all runtime metrics.
const meterName = "github.com/dmdzco/donna2"

// Metrics holds the metric instruments for the call runtime. All fields are
// safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks one full turn: final transcription to last TTS
	// byte handed to the transport.
	TurnDuration metric.Float64Histogram

	// FirstTokenDuration tracks voice-LLM first-token latency.
	FirstTokenDuration metric.Float64Histogram

	// DirectorDuration tracks director analysis latency, including runs
	// that missed their budget.
	DirectorDuration metric.Float64Histogram

	// CallDuration tracks whole-call length in seconds.
	CallDuration metric.Float64Histogram

	// HTTPRequestDuration tracks webhook and API request processing time.
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed turns.
	Turns metric.Int64Counter

	// BargeIns counts user interruptions that cancelled a turn in flight.
	BargeIns metric.Int64Counter

	// ToolCalls counts tool invocations. Attributes: tool, status.
	ToolCalls metric.Int64Counter

	// DirectorTimeouts counts director runs that missed the budget.
	DirectorTimeouts metric.Int64Counter

	// ReminderDials counts scheduler dial outcomes. Attribute: status
	// (placed, duplicate, failed).
	ReminderDials metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live call sessions.
	ActiveCalls metric.Int64UpDownCounter
}

// latencyBuckets are histogram bounds (seconds) tuned for voice-pipeline
// stages.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 20,
}

// callBuckets are histogram bounds (seconds) for whole calls.
var callBuckets = []float64{
	30, 60, 120, 240, 360, 480, 600, 720, 900,
}

// NewMetrics creates every instrument on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TurnDuration, err = m.Float64Histogram("donna.turn.duration",
		metric.WithDescription("Turn latency from final transcription to end of playback hand-off."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstTokenDuration, err = m.Float64Histogram("donna.llm.first_token",
		metric.WithDescription("Voice-model first-token latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DirectorDuration, err = m.Float64Histogram("donna.director.duration",
		metric.WithDescription("Director analysis latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("donna.call.duration",
		metric.WithDescription("Whole-call duration."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("donna.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.Turns, err = m.Int64Counter("donna.turns",
		metric.WithDescription("Completed turns."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("donna.barge_ins",
		metric.WithDescription("User interruptions that cancelled an in-flight turn."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("donna.tool.calls",
		metric.WithDescription("Tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.DirectorTimeouts, err = m.Int64Counter("donna.director.timeouts",
		metric.WithDescription("Director runs that missed their budget."),
	); err != nil {
		return nil, err
	}
	if met.ReminderDials, err = m.Int64Counter("donna.reminder.dials",
		metric.WithDescription("Scheduler dial outcomes by status."),
	); err != nil {
		return nil, err
	}

	if met.ActiveCalls, err = m.Int64UpDownCounter("donna.active_calls",
		metric.WithDescription("Live call sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call from the global meter provider. Recording on it is a no-op
// until [InitProvider] has run. Panics if instrument creation fails, which
// cannot happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordTurn records one completed turn and its latency.
func (m *Metrics) RecordTurn(ctx context.Context, d time.Duration) {
	m.Turns.Add(ctx, 1)
	m.TurnDuration.Record(ctx, d.Seconds())
}

// RecordBargeIn counts one cancelled turn.
func (m *Metrics) RecordBargeIn(ctx context.Context) {
	m.BargeIns.Add(ctx, 1)
}

// RecordToolCall counts one tool invocation with the standard attributes.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	))
}

// RecordDirector records one director run; timed-out runs also bump the
// timeout counter.
func (m *Metrics) RecordDirector(ctx context.Context, d time.Duration, timedOut bool) {
	m.DirectorDuration.Record(ctx, d.Seconds())
	if timedOut {
		m.DirectorTimeouts.Add(ctx, 1)
	}
}

// RecordReminderDial counts one scheduler dial outcome.
func (m *Metrics) RecordReminderDial(ctx context.Context, status string) {
	m.ReminderDials.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// CallStarted bumps the active-call gauge.
func (m *Metrics) CallStarted(ctx context.Context) {
	m.ActiveCalls.Add(ctx, 1)
}

// CallEnded drops the active-call gauge and records the call length.
func (m *Metrics) CallEnded(ctx context.Context, d time.Duration) {
	m.ActiveCalls.Add(ctx, -1)
	m.CallDuration.Record(ctx, d.Seconds())
}
