package middleware

import (
	"net/http"

	"github.com/sirupsen/logrus"
)

// CORS answers browser preflight requests. Preflights carry no signature, so
// they are answered here and never reach a bucket. Other requests pass through
// untouched, leaving CORS on real responses to the upstream bucket.
type CORS struct {
	logger *logrus.Entry
}

// NewCORS creates a new CORS middleware
func NewCORS(logger *logrus.Entry) *CORS {
	return &CORS{
		logger: logger,
	}
}

// Middleware returns the HTTP middleware function
func (c *CORS) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodOptions || r.Header.Get("Origin") == "" || r.Header.Get("Access-Control-Request-Method") == "" {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, POST, DELETE, HEAD, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, x-amz-*, Content-MD5, Content-Length")
		w.Header().Set("Access-Control-Expose-Headers", "ETag, x-amz-*, Content-Length")
		w.Header().Set("Access-Control-Max-Age", "3600")

		c.logger.WithField("host", r.Host).Debug("Answered CORS preflight")
		w.WriteHeader(http.StatusOK)
	})
}
