package middleware

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// RequestTracker counts in-flight requests and holds the shutdown state,
// so the server can drain before it stops.
type RequestTracker struct {
	logger *logrus.Entry

	active atomic.Int64

	mu           sync.Mutex
	shuttingDown bool
	shutdownAt   time.Time
}

// NewRequestTracker creates a new request tracker middleware
func NewRequestTracker(logger *logrus.Entry) *RequestTracker {
	return &RequestTracker{
		logger: logger,
	}
}

// Middleware returns the HTTP middleware function
func (rt *RequestTracker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt.active.Add(1)
		defer rt.active.Add(-1)

		next.ServeHTTP(w, r)
	})
}

// Active returns the number of requests currently being served
func (rt *RequestTracker) Active() int64 {
	return rt.active.Load()
}

// BeginShutdown marks the server as draining
func (rt *RequestTracker) BeginShutdown() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.shuttingDown {
		rt.shuttingDown = true
		rt.shutdownAt = time.Now()
	}
}

// ShutdownState reports whether draining started and when
func (rt *RequestTracker) ShutdownState() (bool, time.Time) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.shuttingDown, rt.shutdownAt
}

// Wait blocks until no requests are in flight or ctx is done
func (rt *RequestTracker) Wait(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		n := rt.active.Load()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			rt.logger.WithField("active_requests", n).Warn("Shutdown deadline reached with requests in flight")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
