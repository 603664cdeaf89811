package tlsession

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/polisai/tlsession"

var (
	metricsOnce    sync.Once
	metricsInitErr error
	metricsInst    *sessionMetrics
)

// sessionMetrics holds the OpenTelemetry instruments for session events.
type sessionMetrics struct {
	handshakes        metric.Int64Counter
	handshakeDuration metric.Float64Histogram
	retries           metric.Int64Counter
	bytes             metric.Int64Counter
	sessionsActive    metric.Int64UpDownCounter
	errors            metric.Int64Counter
}

// getMetrics returns the process-wide instruments, or nil when they could
// not be created. All recording methods accept a nil receiver.
func getMetrics() *sessionMetrics {
	metricsOnce.Do(func() {
		metricsInst, metricsInitErr = newSessionMetrics()
	})
	if metricsInitErr != nil {
		return nil
	}
	return metricsInst
}

func newSessionMetrics() (*sessionMetrics, error) {
	meter := otel.GetMeterProvider().Meter(meterName)
	m := &sessionMetrics{}

	var err error
	m.handshakes, err = meter.Int64Counter(
		"tlsession.handshakes",
		metric.WithDescription("Negotiations attempted, partitioned by role and outcome"),
		metric.WithUnit("{handshake}"),
	)
	if err != nil {
		return nil, err
	}

	m.handshakeDuration, err = meter.Float64Histogram(
		"tlsession.handshake.duration",
		metric.WithDescription("Negotiation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.retries, err = meter.Int64Counter(
		"tlsession.retries",
		metric.WithDescription("Retry signals absorbed by the retry loop"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	m.bytes, err = meter.Int64Counter(
		"tlsession.bytes",
		metric.WithDescription("Application bytes transferred"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.sessionsActive, err = meter.Int64UpDownCounter(
		"tlsession.sessions.active",
		metric.WithDescription("Sessions negotiated and not yet closed"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	m.errors, err = meter.Int64Counter(
		"tlsession.errors",
		metric.WithDescription("Session layer errors by kind"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *sessionMetrics) recordHandshake(ctx context.Context, role Role, ok bool, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("role", string(role)),
		attribute.String("outcome", outcome),
	)
	m.handshakes.Add(ctx, 1, attrs)
	m.handshakeDuration.Record(ctx, duration.Seconds(), attrs)
	if ok {
		m.sessionsActive.Add(ctx, 1, metric.WithAttributes(attribute.String("role", string(role))))
	}
}

func (m *sessionMetrics) recordRetries(ctx context.Context, op string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.retries.Add(ctx, int64(n), metric.WithAttributes(attribute.String("op", op)))
}

func (m *sessionMetrics) recordBytes(ctx context.Context, direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytes.Add(ctx, int64(n), metric.WithAttributes(attribute.String("direction", direction)))
}

func (m *sessionMetrics) recordClosed(ctx context.Context, role Role) {
	if m == nil {
		return
	}
	m.sessionsActive.Add(ctx, -1, metric.WithAttributes(attribute.String("role", string(role))))
}

func (m *sessionMetrics) recordError(ctx context.Context, err error) {
	if m == nil || err == nil {
		return
	}
	kind := "other"
	var e *Error
	if errors.As(err, &e) {
		kind = string(e.Kind)
	}
	m.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// ResetMetricsForTest clears cached instruments so tests can bind them to a
// fresh MeterProvider. Intended for test code only.
func ResetMetricsForTest() {
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	metricsInst = nil
}
