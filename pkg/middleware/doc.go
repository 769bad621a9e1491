// Package middleware provides observability middleware for psui servers.
//
// This package includes:
//   - Prometheus metrics middleware
//   - OpenTelemetry tracing middleware
//
// # Prometheus Metrics
//
// The Prometheus middleware collects request counts and latencies, and
// InstrumentSessions wires session lifecycle gauges:
//
//	app := server.New(nil)
//	app.Use(middleware.Prometheus())
//	middleware.InstrumentSessions(app.Sessions())
//
// Then expose metrics on a separate port:
//
//	http.Handle("/metrics", promhttp.Handler())
//	go http.ListenAndServe(":9090", nil)
//
// # OpenTelemetry Tracing
//
// The OpenTelemetry middleware creates a server span per request and
// injects the trace context into the request, so handler code that uses
// r.Context() inherits the trace:
//
//	app.Use(middleware.OpenTelemetry(
//	    middleware.WithTracerName("my-app"),
//	    middleware.WithRequestFilter(func(r *http.Request) bool {
//	        return r.URL.Path != "/healthz"
//	    }),
//	))
package middleware
