package tlsession

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/polisai/tlsession/pkg/engine"
	"github.com/polisai/tlsession/pkg/engine/enginetest"
)

func setupTestMeter(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	ResetMetricsForTest()
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("meter provider shutdown: %v", err)
		}
	})
	return reader
}

func setupTestTracer(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("tracer provider shutdown: %v", err)
		}
	})
	return recorder
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumByAttr(t *testing.T, m metricdata.Metrics, key, value string) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestSessionMetrics(t *testing.T) {
	reader := setupTestMeter(t)

	eng := enginetest.New()
	eng.Responder = enginetest.Echo
	eng.Script(enginetest.OpConnect, engine.StatusWantRead, engine.StatusWantRead)

	c, err := NewClient(eng, nil)
	require.NoError(t, err)
	s, err := c.Connect(context.Background(), "example.test", "443")
	require.NoError(t, err)
	_, err = s.Write(context.Background(), []byte("12345"))
	require.NoError(t, err)
	_, err = s.Read(context.Background())
	require.NoError(t, err)

	metrics := collectMetrics(t, reader)
	require.Contains(t, metrics, "tlsession.handshakes")
	assert.Equal(t, int64(1), sumByAttr(t, metrics["tlsession.handshakes"], "outcome", "success"))
	assert.Equal(t, int64(2), sumByAttr(t, metrics["tlsession.retries"], "op", "tls_connect"))
	assert.Equal(t, int64(5), sumByAttr(t, metrics["tlsession.bytes"], "direction", "write"))
	assert.Equal(t, int64(5), sumByAttr(t, metrics["tlsession.bytes"], "direction", "read"))
	assert.Equal(t, int64(1), sumByAttr(t, metrics["tlsession.sessions.active"], "role", "client"))

	hist, ok := metrics["tlsession.handshake.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)

	require.NoError(t, c.Finish())
	metrics = collectMetrics(t, reader)
	assert.Equal(t, int64(0), sumByAttr(t, metrics["tlsession.sessions.active"], "role", "client"))
}

func TestNegotiationFailureMetrics(t *testing.T) {
	reader := setupTestMeter(t)

	eng := enginetest.New()
	eng.Script(enginetest.OpConnect, engine.StatusError)
	c, err := NewClient(eng, nil)
	require.NoError(t, err)
	defer c.Finish()

	_, err = c.Connect(context.Background(), "example.test", "443")
	require.Error(t, err)

	metrics := collectMetrics(t, reader)
	assert.Equal(t, int64(1), sumByAttr(t, metrics["tlsession.handshakes"], "outcome", "failure"))
	assert.Equal(t, int64(1), sumByAttr(t, metrics["tlsession.errors"], "kind", string(KindNegotiation)))
}

func TestSessionSpans(t *testing.T) {
	recorder := setupTestTracer(t)

	eng := enginetest.New()
	err := WithServer(eng, nil, func(srv *Server) error {
		return srv.AcceptFunc(context.Background(), 4, func(*Session) error { return nil })
	})
	require.NoError(t, err)

	eng.Script(enginetest.OpConnect, engine.StatusError)
	c, err := NewClient(eng, nil)
	require.NoError(t, err)
	_, err = c.Connect(context.Background(), "example.test", "443")
	require.Error(t, err)
	require.NoError(t, c.Finish())

	spans := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range recorder.Ended() {
		spans[s.Name()] = s
	}
	require.Contains(t, spans, "tlsession.accept")
	require.Contains(t, spans, "tlsession.close")
	require.Contains(t, spans, "tlsession.connect")

	assert.Equal(t, codes.Unset, spans["tlsession.accept"].Status().Code)
	connect := spans["tlsession.connect"]
	assert.Equal(t, codes.Error, connect.Status().Code)
	attrs := attribute.NewSet(connect.Attributes()...)
	v, ok := attrs.Value("server.address")
	require.True(t, ok)
	assert.Equal(t, "example.test", v.AsString())
	v, ok = attrs.Value("tls.role")
	require.True(t, ok)
	assert.Equal(t, "client", v.AsString())
}

func TestLoggerEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	eng := enginetest.New()
	err := WithClient(eng, Settings{{Name: "bogus", Value: 1}, {Name: "ca_file", Value: "ca.pem"}},
		func(c *Client) error {
			return c.ConnectFunc(context.Background(), "example.test", "443", func(*Session) error { return nil })
		}, WithLogger(logger))
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"component":"tlsession"`)
	assert.Contains(t, out, `"event":"setting_dropped"`)
	assert.Contains(t, out, `"setting":"bogus"`)
	assert.Contains(t, out, `"event":"config_realized"`)
	assert.Contains(t, out, `"event":"handshake_success"`)
	assert.Contains(t, out, `"event":"session_closed"`)
}
