// Package scaler implements the periodic control loop that re-weights
// hot backends by donating ring capacity from cool ones: a background
// tick samples response-time statistics, classifies backends as hot or
// cool relative to the fleet mean, and inserts or removes virtual ring
// positions accordingly.
package scaler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ringhash/ringhashd/internal/backend"
	"github.com/ringhash/ringhashd/internal/metrics"
	"github.com/ringhash/ringhashd/internal/ring"
)

// Scaler owns the periodic scale tick.
type Scaler struct {
	ring     *ring.Ring
	interval time.Duration
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics
}

// New constructs a Scaler that mutates r once per interval. m may be nil.
func New(r *ring.Ring, interval time.Duration, log *zap.SugaredLogger, m *metrics.Metrics) *Scaler {
	return &Scaler{ring: r, interval: interval, log: log.Named("scaler"), metrics: m}
}

// Run blocks, ticking every interval until ctx is cancelled.
func (s *Scaler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick runs one scale cycle under the ring's write gate. Exported
// separately from Run so tests can drive it deterministically without
// waiting on a timer.
func (s *Scaler) Tick() {
	s.ring.Gate.WLock()
	defer s.ring.Gate.WUnlock()

	backends := s.ring.BackendsInOrder()
	if len(backends) == 0 {
		s.recordTick("noop")
		return
	}

	var weightedSum, totalReq float64
	for _, b := range backends {
		if b.Status() == backend.StatusOff {
			continue
		}
		n := b.ReqCount()
		if n == 0 {
			continue
		}
		weightedSum += b.AvgResp() * float64(n)
		totalReq += float64(n)
	}
	if totalReq == 0 {
		// No traffic to react to this window.
		s.recordTick("noop")
		return
	}
	avg := weightedSum / totalReq

	var hot, cool []*backend.Backend
	for _, b := range backends {
		if b.Status() == backend.StatusOff || b.ReqCount() == 0 {
			continue
		}
		switch {
		case b.AvgResp() > avg*1.25:
			hot = append(hot, b)
		case b.AvgResp() < avg && !b.HasMaxScale():
			cool = append(cool, b)
		}
	}

	for _, b := range backends {
		b.ResetStats()
	}

	mutated := false
	for _, h := range hot {
		if len(cool) == 0 {
			break
		}
		if len(h.VKeys) > 0 {
			s.log.Infow("scaling down", "backend", h.Address())
			s.ring.RemoveAllVirtuals(h)
			mutated = true
			continue
		}

		donor := cool[len(cool)-1]
		cool = cool[:len(cool)-1]

		mid := s.midpointBefore(h)
		s.log.Infow("scaling up", "hot", h.Address(), "donor", donor.Address(), "virtualKey", mid)
		s.ring.AddVirtual(mid, donor)
		mutated = true
	}

	if mutated {
		s.recordTick("mutated")
	} else {
		s.recordTick("noop")
	}
	s.observeRing()
}

func (s *Scaler) recordTick(result string) {
	if s.metrics != nil {
		s.metrics.ScalerTicks.WithLabelValues(result).Inc()
	}
}

func (s *Scaler) observeRing() {
	if s.metrics != nil {
		s.metrics.ObserveRing(s.ring.Len(), len(s.ring.Offline()))
	}
}

// midpointBefore computes the midpoint between hot's own ring position
// and the position immediately preceding it, wrapping to hashMax when
// hot occupies index 0.
func (s *Scaler) midpointBefore(hot *backend.Backend) float64 {
	idx := s.ring.PositionIndexOf(hot.Key)
	var prevBound float64
	if idx <= 0 {
		prevBound = s.ring.HashMax()
	} else {
		prevBound = s.ring.PositionAt(idx - 1)
	}
	return (prevBound + hot.Key) / 2
}
