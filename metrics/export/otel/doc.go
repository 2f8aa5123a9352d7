// Package otel binds engine metrics to an OpenTelemetry Meter.
//
// Every counter becomes an Int64ObservableCounter; the latency histogram is
// published as one Int64ObservableGauge per cumulative bucket plus a count.
// A single callback reads the snapshot on each collection cycle. Callers own
// the MeterProvider.
package otel
