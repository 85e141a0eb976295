// Package quarantine implements the periodic control loop that moves
// OFF primary backends out of the active ring and re-probes offline
// backends, reinstating the ones that reconnect successfully.
package quarantine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ringhash/ringhashd/internal/backend"
	"github.com/ringhash/ringhashd/internal/metrics"
	"github.com/ringhash/ringhashd/internal/ring"
)

// Quarantine owns the periodic quarantine tick.
type Quarantine struct {
	ring     *ring.Ring
	interval time.Duration
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics
}

// New constructs a Quarantine that mutates r once per interval. m may be nil.
func New(r *ring.Ring, interval time.Duration, log *zap.SugaredLogger, m *metrics.Metrics) *Quarantine {
	return &Quarantine{ring: r, interval: interval, log: log.Named("quarantine"), metrics: m}
}

// Run blocks, ticking every interval until ctx is cancelled.
func (q *Quarantine) Run(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Tick()
		}
	}
}

// Tick runs one quarantine cycle under the ring's write gate. Exported
// separately from Run so tests can drive it deterministically.
func (q *Quarantine) Tick() {
	q.ring.Gate.WLock()
	defer q.ring.Gate.WUnlock()

	var deactivate []float64
	for _, h := range append([]float64{}, q.ring.Positions()...) {
		b := q.ring.OwnerOf(h)
		if b == nil || b.Key != h {
			// Only primary positions migrate between positions and
			// offline; virtual positions stay in positions whatever
			// their owner's status.
			continue
		}
		if b.Status() == backend.StatusOff {
			deactivate = append(deactivate, h)
		}
	}

	var reactivate []float64
	for _, h := range append([]float64{}, q.ring.Offline()...) {
		b := q.ring.OwnerOf(h)
		if b == nil {
			continue
		}
		if err := b.Connect(); err == nil {
			reactivate = append(reactivate, h)
		}
	}

	for _, h := range deactivate {
		q.log.Infow("quarantining backend", "primaryKey", h)
		q.ring.MoveOffline(h)
	}
	for _, h := range reactivate {
		q.log.Infow("reinstating backend", "primaryKey", h)
		q.ring.MoveOnline(h)
	}

	if q.metrics != nil {
		result := "noop"
		if len(deactivate) > 0 || len(reactivate) > 0 {
			result = "mutated"
		}
		q.metrics.QuarantineTicks.WithLabelValues(result).Inc()
		q.metrics.ObserveRing(q.ring.Len(), len(q.ring.Offline()))
	}
}
