// Package audit buffers security events and delivers them to a sink off the
// request path.
//
// The Dispatcher owns buffering and drop accounting. Sinks own delivery:
// a channel for tests, newline-delimited JSON to a writer, a zap logger, or a
// Kafka topic. Which events exist and when they fire is decided by the
// engine, not here.
package audit
