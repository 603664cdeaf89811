package telemetry

import (
	"context"
	"net/http"
	"strings"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
)

// SetupMeterProvider installs a process-wide meter provider read on demand
// by the returned collector. The shutdown function releases the provider.
func SetupMeterProvider(res *resource.Resource) (*OTelCollector, func(context.Context) error) {
	reader := sdkmetric.NewManualReader()
	opts := []sdkmetric.Option{sdkmetric.WithReader(reader)}
	if res != nil {
		opts = append(opts, sdkmetric.WithResource(res))
	}
	provider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)
	return NewOTelCollector(reader), provider.Shutdown
}

// OTelCollector exposes OpenTelemetry readings as Prometheus metrics. It
// is an unchecked collector: descriptors are produced at collection time.
type OTelCollector struct {
	reader *sdkmetric.ManualReader
}

// NewOTelCollector reads from reader on every scrape.
func NewOTelCollector(reader *sdkmetric.ManualReader) *OTelCollector {
	return &OTelCollector{reader: reader}
}

// Describe sends nothing.
func (c *OTelCollector) Describe(chan<- *prometheus.Desc) {}

// Collect converts sums, gauges and histograms. Names are sanitized, and
// monotonic sums gain a _total suffix.
func (c *OTelCollector) Collect(ch chan<- prometheus.Metric) {
	var rm metricdata.ResourceMetrics
	if err := c.reader.Collect(context.Background(), &rm); err != nil {
		otel.Handle(err)
		return
	}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			collectMetric(ch, m)
		}
	}
}

func collectMetric(ch chan<- prometheus.Metric, m metricdata.Metrics) {
	name := promName(m.Name, m.Unit)
	switch data := m.Data.(type) {
	case metricdata.Sum[int64]:
		collectPoints(ch, counterName(name, data.IsMonotonic), m.Description, valueType(data.IsMonotonic), data.DataPoints)
	case metricdata.Sum[float64]:
		collectPoints(ch, counterName(name, data.IsMonotonic), m.Description, valueType(data.IsMonotonic), data.DataPoints)
	case metricdata.Gauge[int64]:
		collectPoints(ch, name, m.Description, prometheus.GaugeValue, data.DataPoints)
	case metricdata.Gauge[float64]:
		collectPoints(ch, name, m.Description, prometheus.GaugeValue, data.DataPoints)
	case metricdata.Histogram[float64]:
		collectHistogram(ch, name, m.Description, data.DataPoints)
	case metricdata.Histogram[int64]:
		collectHistogram(ch, name, m.Description, data.DataPoints)
	}
}

func valueType(monotonic bool) prometheus.ValueType {
	if monotonic {
		return prometheus.CounterValue
	}
	return prometheus.GaugeValue
}

func counterName(name string, monotonic bool) string {
	if monotonic && !strings.HasSuffix(name, "_total") {
		return name + "_total"
	}
	return name
}

func collectPoints[N int64 | float64](ch chan<- prometheus.Metric, name, help string, vt prometheus.ValueType, points []metricdata.DataPoint[N]) {
	for _, dp := range points {
		keys, values := labels(dp.Attributes)
		desc := prometheus.NewDesc(name, help, keys, nil)
		m, err := prometheus.NewConstMetric(desc, vt, float64(dp.Value), values...)
		if err != nil {
			otel.Handle(err)
			continue
		}
		ch <- m
	}
}

func collectHistogram[N int64 | float64](ch chan<- prometheus.Metric, name, help string, points []metricdata.HistogramDataPoint[N]) {
	for _, dp := range points {
		keys, values := labels(dp.Attributes)
		buckets := make(map[float64]uint64, len(dp.Bounds))
		var cumulative uint64
		for i, bound := range dp.Bounds {
			cumulative += dp.BucketCounts[i]
			buckets[bound] = cumulative
		}
		desc := prometheus.NewDesc(name, help, keys, nil)
		m, err := prometheus.NewConstHistogram(desc, dp.Count, float64(dp.Sum), buckets, values...)
		if err != nil {
			otel.Handle(err)
			continue
		}
		ch <- m
	}
}

func labels(set attribute.Set) ([]string, []string) {
	kvs := set.ToSlice()
	keys := make([]string, len(kvs))
	values := make([]string, len(kvs))
	for i, kv := range kvs {
		keys[i] = sanitize(string(kv.Key))
		values[i] = kv.Value.Emit()
	}
	return keys, values
}

func promName(name, unit string) string {
	out := sanitize(name)
	switch unit {
	case "s":
		if !strings.HasSuffix(out, "_seconds") {
			out += "_seconds"
		}
	case "By":
		if !strings.HasSuffix(out, "_bytes") {
			out += "_bytes"
		}
	}
	return out
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '_' || r == ':' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return '_'
	}, s)
}

// ServerMetrics holds the echo server's own Prometheus metrics.
type ServerMetrics struct {
	acceptsTotal      *prometheus.CounterVec
	connectionsActive prometheus.Gauge
	echoedBytes       prometheus.Counter
	settingsReloads   *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewServerMetrics registers the server metrics, the Go runtime collectors
// and any extra collectors on a fresh registry.
func NewServerMetrics(extra ...prometheus.Collector) *ServerMetrics {
	registry := prometheus.NewRegistry()

	m := &ServerMetrics{
		acceptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tlsctl_accepts_total",
				Help: "Accepted TCP connections by handshake outcome",
			},
			[]string{"outcome"},
		),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tlsctl_connections_active",
			Help: "Connections currently being served",
		}),
		echoedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tlsctl_echoed_bytes_total",
			Help: "Bytes echoed back to peers",
		}),
		settingsReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tlsctl_settings_reloads_total",
				Help: "Server context rebuilds triggered by settings changes",
			},
			[]string{"status"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.acceptsTotal,
		m.connectionsActive,
		m.echoedBytes,
		m.settingsReloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range extra {
		registry.MustRegister(c)
	}
	return m
}

// RecordAccept counts one accepted connection.
func (m *ServerMetrics) RecordAccept(ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.acceptsTotal.WithLabelValues(outcome).Inc()
}

// RecordThrottled counts one connection refused by the handshake limiter.
func (m *ServerMetrics) RecordThrottled() {
	m.acceptsTotal.WithLabelValues("throttled").Inc()
}

// ConnectionOpened and ConnectionClosed track the active connection gauge.
func (m *ServerMetrics) ConnectionOpened() { m.connectionsActive.Inc() }

func (m *ServerMetrics) ConnectionClosed() { m.connectionsActive.Dec() }

// RecordEchoed counts bytes written back to a peer.
func (m *ServerMetrics) RecordEchoed(n int) {
	if n > 0 {
		m.echoedBytes.Add(float64(n))
	}
}

// RecordSettingsReload counts one rebuild attempt.
func (m *ServerMetrics) RecordSettingsReload(ok bool) {
	status := "success"
	if !ok {
		status = "failure"
	}
	m.settingsReloads.WithLabelValues(status).Inc()
}

// Registry returns the registry backing Handler.
func (m *ServerMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format, traced
// as tlsctl.metrics.
func (m *ServerMetrics) Handler() http.Handler {
	return otelhttp.NewHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}), "tlsctl.metrics")
}
