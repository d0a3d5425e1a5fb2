package middleware

import (
	"net/http"
	"time"

	"github.com/loomchat/loom/internal/ports"
)

// Metrics reports request counts and latency through the telemetry sink.
func Metrics(sink ports.TelemetrySink) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w}
			next.ServeHTTP(wrapped, r)
			sink.IncCounter("http.requests")
			sink.Observe("http.request_duration_seconds", time.Since(start).Seconds())
		})
	}
}
