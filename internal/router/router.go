// Package router implements the read path: given a hash key and a
// request payload, find the owning backend and, failing that, walk the
// ring in failover order until one succeeds.
package router

import (
	"time"

	"go.uber.org/zap"

	"github.com/ringhash/ringhashd/internal/backend"
	"github.com/ringhash/ringhashd/internal/metrics"
	"github.com/ringhash/ringhashd/internal/ring"
)

// Router routes keyed requests against a shared Ring.
type Router struct {
	ring    *ring.Ring
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

// New constructs a Router over ring r. m may be nil, in which case route
// outcomes are not instrumented.
func New(r *ring.Ring, log *zap.SugaredLogger, m *metrics.Metrics) *Router {
	return &Router{ring: r, log: log.Named("router"), metrics: m}
}

// noServers is the soft-failure response returned when no backend in the
// failover chain can serve the request. It is a value, not an error,
// callers never see a Go error from Route; "no server available" is a
// normal outcome of a distributed system, not an exceptional one.
func noServers() map[string]any {
	return map[string]any{"status": false, "msg": "No available servers."}
}

// Route resolves key to an owning position and walks the ring in
// failover order, skipping OFF backends and backends whose SendRequest
// fails, until one returns a response or the walk is exhausted.
func (rt *Router) Route(key float64, payload map[string]any) map[string]any {
	start := time.Now()
	resp, outcome := rt.route(key, payload)
	if rt.metrics != nil {
		rt.metrics.RouteDuration.Observe(time.Since(start).Seconds())
		rt.metrics.RoutesTotal.WithLabelValues(outcome).Inc()
	}
	return resp
}

func (rt *Router) route(key float64, payload map[string]any) (map[string]any, string) {
	rt.ring.Gate.RLock()
	defer rt.ring.Gate.RUnlock()

	n := rt.ring.Len()
	if n == 0 {
		return noServers(), "no_backend"
	}

	start, err := rt.ring.OwnerIndex(key)
	if err != nil {
		return noServers(), "no_backend"
	}

	for _, idx := range rt.ring.Walk(start) {
		b := rt.ring.OwnerAt(idx)
		if b.Status() == backend.StatusOff {
			continue
		}

		resp, err := b.SendRequest(payload)
		if err != nil {
			rt.log.Debugw("backend failed, trying next in ring",
				"backend", b.Address(), "error", err)
			continue
		}
		return resp, "success"
	}

	return noServers(), "no_backend"
}
