// Package telemetry wires OpenTelemetry exporters and Prometheus metrics for
// tlsctl.
//
// SetupProvider installs the process-wide tracer provider that receives the
// tlsession.connect, tlsession.accept and tlsession.close spans.
// SetupMeterProvider installs a meter provider whose readings are exposed,
// together with the echo server's own counters, on a Prometheus registry.
package telemetry
