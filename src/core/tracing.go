package main

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/kryptonchain/bisq/src/core"

// tracer uses the global provider; spans are dropped unless an exporter is installed
var tracer trace.Tracer = otel.Tracer(instrumentationName)

// instrumentHandler wraps the API router with server spans
func instrumentHandler(h http.Handler) http.Handler {
	return otelhttp.NewHandler(h, "witnessd",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
}

// instrumentedTransport propagates trace context on node-to-node requests
func instrumentedTransport() http.RoundTripper {
	return otelhttp.NewTransport(http.DefaultTransport)
}
