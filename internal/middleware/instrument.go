package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/visly/visly/internal/metrics"
)

// Instrument returns middleware that records request count and latency in the
// given metrics registry. The route label is the ServeMux pattern that matches
// the request, so label cardinality stays bounded no matter what paths clients
// send; unmatched requests are labelled "unmatched".
func Instrument(m *metrics.Metrics, mux *http.ServeMux) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(wrapped, r)
			elapsed := time.Since(start)

			_, route := mux.Handler(r)
			if route == "" {
				route = "unmatched"
			}
			status := strconv.Itoa(wrapped.statusCode)
			m.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(elapsed.Seconds())
		})
	}
}
