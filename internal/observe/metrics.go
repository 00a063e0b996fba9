// Package observe wires OpenTelemetry metrics and traces, session-tagged
// structured logging, and the admin HTTP middleware for questvoice.
//
// Instruments are created through the OTel metrics API and exported to
// Prometheus by [InitProvider]. Production code uses [DefaultMetrics]; tests
// build their own with [NewMetrics] on a private meter provider.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every questvoice instrument.
const meterName = "github.com/MrWong99/questvoice"

// Metrics holds the application's instruments. Safe for concurrent use.
type Metrics struct {
	// ConnectDuration is the time from dial to provider readiness, by provider.
	ConnectDuration metric.Float64Histogram

	// ToolExecutionDuration is host tool callback latency, by tool.
	ToolExecutionDuration metric.Float64Histogram

	// HTTPRequestDuration is admin request latency, by method, path and status.
	HTTPRequestDuration metric.Float64Histogram

	// Connects counts session opens by provider and status.
	Connects metric.Int64Counter

	// Renewals counts continuity renewals by status.
	Renewals metric.Int64Counter

	Turns            metric.Int64Counter
	Interrupts       metric.Int64Counter
	PlaybackSegments metric.Int64Counter

	// ToolCalls counts tool invocations by tool and status.
	ToolCalls metric.Int64Counter

	// CaptureFrames counts microphone frames by status (forwarded, muted).
	CaptureFrames metric.Int64Counter

	// StateTransitions counts connection state changes by from and to.
	StateTransitions metric.Int64Counter

	// ProviderErrors counts provider errors by provider and kind
	// (provider, fatal, malformed).
	ProviderErrors metric.Int64Counter

	// ActiveSessions is the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets are histogram boundaries in seconds, sized for provider
// round trips and tool callbacks.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// instruments creates instruments on one meter and collects creation errors.
type instruments struct {
	meter metric.Meter
	err   error
}

func (in *instruments) latency(name, desc string) metric.Float64Histogram {
	h, err := in.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	in.err = errors.Join(in.err, err)
	return h
}

func (in *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc))
	in.err = errors.Join(in.err, err)
	return c
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	in := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		ConnectDuration:       in.latency("questvoice.connect.duration", "Latency of opening a provider session."),
		ToolExecutionDuration: in.latency("questvoice.tool_execution.duration", "Latency of host tool callbacks."),
		HTTPRequestDuration:   in.latency("questvoice.http.request.duration", "Admin HTTP request latency."),

		Connects:         in.counter("questvoice.session.connects", "Session opens by provider and status."),
		Renewals:         in.counter("questvoice.session.renewals", "Continuity renewals by status."),
		Turns:            in.counter("questvoice.turns", "Completed conversational turns."),
		Interrupts:       in.counter("questvoice.playback.interrupts", "Barge-in interruptions of model playback."),
		PlaybackSegments: in.counter("questvoice.playback.segments", "Scheduled model audio segments."),
		ToolCalls:        in.counter("questvoice.tool.calls", "Tool invocations by tool and status."),
		CaptureFrames:    in.counter("questvoice.capture.frames", "Captured microphone frames by status."),
		StateTransitions: in.counter("questvoice.state.transitions", "Connection state transitions."),
		ProviderErrors:   in.counter("questvoice.provider.errors", "Provider errors by provider and kind."),
	}

	var err error
	m.ActiveSessions, err = in.meter.Int64UpDownCounter("questvoice.active_sessions",
		metric.WithDescription("Live voice sessions."))
	if err = errors.Join(in.err, err); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] on the global meter
// provider, creating it on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic(err)
		}
	})
	return defaultMetrics
}

// outcome is the status attribute for err.
func outcome(err error) attribute.KeyValue {
	if err != nil {
		return attribute.String("status", "error")
	}
	return attribute.String("status", "ok")
}

// RecordConnect records a session open. Latency is only observed for
// successful opens.
func (m *Metrics) RecordConnect(ctx context.Context, provider string, took time.Duration, err error) {
	p := attribute.String("provider", provider)
	m.Connects.Add(ctx, 1, metric.WithAttributes(p, outcome(err)))
	if err == nil {
		m.ConnectDuration.Record(ctx, took.Seconds(), metric.WithAttributes(p))
	}
}

// RecordToolCall records one dispatched tool call and its latency.
func (m *Metrics) RecordToolCall(ctx context.Context, tool string, took time.Duration, err error) {
	t := attribute.String("tool", tool)
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(t, outcome(err)))
	m.ToolExecutionDuration.Record(ctx, took.Seconds(), metric.WithAttributes(t))
}

// RecordRenewal records a continuity renewal outcome.
func (m *Metrics) RecordRenewal(ctx context.Context, err error) {
	m.Renewals.Add(ctx, 1, metric.WithAttributes(outcome(err)))
}

// RecordCaptureFrame records one captured frame.
func (m *Metrics) RecordCaptureFrame(ctx context.Context, forwarded bool) {
	s := "muted"
	if forwarded {
		s = "forwarded"
	}
	m.CaptureFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("status", s)))
}

// RecordStateTransition records a state change and keeps ActiveSessions in
// step when the session becomes live or stops being live.
func (m *Metrics) RecordStateTransition(ctx context.Context, from, to string, wasLive, isLive bool) {
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
	switch {
	case isLive && !wasLive:
		m.ActiveSessions.Add(ctx, 1)
	case wasLive && !isLive:
		m.ActiveSessions.Add(ctx, -1)
	}
}

// RecordProviderError records a provider error of the given kind.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}
