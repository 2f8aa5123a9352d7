// Package prometheus exposes engine metrics as a prometheus.Collector.
//
// Counter names are prefixed tenantauth_ and end in _total; the one histogram
// is tenantauth_authenticate_latency_seconds. When the source also reports
// breaker states, tenantauth_breaker_state carries one gauge per dedicated
// store, labelled with a truncated hash of its address.
//
// The collector never registers itself globally; callers pass a registry to
// Handler or register it themselves.
package prometheus
