package monitoring

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// EndpointFunc names the endpoint label for a request. An empty result falls
// back to the matched route's name or path template.
type EndpointFunc func(r *http.Request) string

// statusRecorder captures the status code and body size of a response
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// HTTPMiddleware records request counts, latency and response size.
// Upstream status codes pass through unchanged, so the status label is the
// class rather than the code.
func HTTPMiddleware(endpointOf EndpointFunc) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			ActiveConnections.Inc()
			defer ActiveConnections.Dec()

			next.ServeHTTP(rec, r)

			endpoint := ""
			if endpointOf != nil {
				endpoint = endpointOf(r)
			}
			if endpoint == "" {
				endpoint = routeEndpoint(r)
			}

			RequestsTotal.WithLabelValues(r.Method, endpoint, statusClass(rec.statusCode)).Inc()
			RequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
			ResponseBytes.WithLabelValues(endpoint).Add(float64(rec.written))
		})
	}
}

func routeEndpoint(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return "unknown"
	}
	if name := route.GetName(); name != "" {
		return name
	}
	if template, err := route.GetPathTemplate(); err == nil {
		return template
	}
	return "unknown"
}
