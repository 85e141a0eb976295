// Package ring implements the consistent-hash ring: a sorted sequence of
// hash positions, each owned by a backend, split between the positions
// currently eligible to serve and the ones quarantined offline.
//
// Ring itself does not acquire the write gate around its mutation
// methods. The gate is a separate, shared primitive (internal/gate) that
// Router, Scaler, Quarantine, and AdminAPI hold explicitly, often across a
// sequence of several Ring calls that must appear atomic together (e.g.
// Scaler's whole tick runs under one WLock). Every exported method below
// assumes the caller already holds the appropriate side of the gate.
package ring

import (
	"fmt"
	"sort"

	"github.com/ringhash/ringhashd/internal/backend"
	"github.com/ringhash/ringhashd/internal/gate"
)

// RingError reports an administrative violation: duplicate key, key out
// of range, or removal of an unknown key.
type RingError struct {
	msg string
}

func (e *RingError) Error() string { return e.msg }

// ErrNoBackend is returned when the ring has no eligible positions.
var ErrNoBackend = &RingError{msg: "no available servers"}

// Ring holds ring state plus the gate that protects it.
type Ring struct {
	Gate *gate.Gate

	hashMax float64

	positions []float64
	offline   []float64
	ownerOf   map[float64]*backend.Backend

	// registrationOrder preserves admin/config add order so Scaler can
	// iterate deterministically without re-deriving an order from a map.
	registrationOrder []*backend.Backend
}

// New returns an empty Ring for the given hash domain.
func New(hashMax float64) *Ring {
	return &Ring{
		Gate:    gate.New(),
		hashMax: hashMax,
		ownerOf: make(map[float64]*backend.Backend),
	}
}

// HashMax returns the configured upper bound of the hash domain.
func (r *Ring) HashMax() float64 { return r.hashMax }

// Len returns the number of currently eligible positions.
func (r *Ring) Len() int { return len(r.positions) }

// PositionAt returns the i'th sorted eligible position.
func (r *Ring) PositionAt(i int) float64 { return r.positions[i] }

// OwnerAt returns the backend owning the i'th sorted eligible position.
func (r *Ring) OwnerAt(i int) *backend.Backend { return r.ownerOf[r.positions[i]] }

// OwnerOf returns the backend owning hash position k, across positions
// and offline alike.
func (r *Ring) OwnerOf(k float64) *backend.Backend { return r.ownerOf[k] }

// Positions returns the currently eligible positions, in ascending order.
// Safe to call under either side of the gate. The returned slice shares
// storage with the ring, so a later mutation may change its contents;
// callers that keep it across mutations must copy it, and must not
// mutate it themselves.
func (r *Ring) Positions() []float64 { return r.positions }

// Offline returns the quarantined positions, in ascending order. Like
// Positions, the returned slice shares storage with the ring.
func (r *Ring) Offline() []float64 { return r.offline }

// BackendsInOrder returns the live set of backends in registration order.
func (r *Ring) BackendsInOrder() []*backend.Backend {
	out := make([]*backend.Backend, len(r.registrationOrder))
	copy(out, r.registrationOrder)
	return out
}

// OwnerIndex performs the read-path lookup: the index in Positions() that
// owns key k, per the wrap rule (k greater than the last position, or
// equal to the first, wraps to index 0).
func (r *Ring) OwnerIndex(k float64) (int, error) {
	n := len(r.positions)
	if n == 0 {
		return 0, ErrNoBackend
	}
	if k > r.positions[n-1] || k == r.positions[0] {
		return 0, nil
	}

	lo, hi := 0, n-1
	for lo < hi {
		mid := (lo + hi) / 2
		if r.positions[mid] < k {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// Walk produces the failover order starting at index start: start,
// start+1, ..., start+n-1, modulo n.
func (r *Ring) Walk(start int) []int {
	n := len(r.positions)
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = (start + i) % n
	}
	return out
}

// PositionIndexOf returns the index of key k within Positions(), or -1 if
// k is not currently an eligible position.
func (r *Ring) PositionIndexOf(k float64) int {
	i := sort.SearchFloat64s(r.positions, k)
	if i < len(r.positions) && r.positions[i] == k {
		return i
	}
	return -1
}

// AddPrimary registers a new physical backend at key k. Rejects
// duplicates and out-of-range keys.
func (r *Ring) AddPrimary(k float64, b *backend.Backend) error {
	if _, exists := r.ownerOf[k]; exists {
		return &RingError{msg: fmt.Sprintf("Key '%s' already exists.", formatKey(k))}
	}
	if k > r.hashMax {
		return &RingError{msg: fmt.Sprintf("Key '%s' exceedes maximum.", formatKey(k))}
	}

	r.positions = append(r.positions, k)
	sort.Float64s(r.positions)
	r.ownerOf[k] = b
	r.registrationOrder = append(r.registrationOrder, b)
	return nil
}

// RemovePrimary removes backend b's primary key and every virtual key it
// owns, from both positions and ownerOf.
func (r *Ring) RemovePrimary(k float64) error {
	b, exists := r.ownerOf[k]
	if !exists {
		return &RingError{msg: fmt.Sprintf("Key '%s' does not exist.", formatKey(k))}
	}

	r.positions = removeFloat(r.positions, k)
	delete(r.ownerOf, k)

	for _, v := range b.VKeys {
		r.positions = removeFloat(r.positions, v)
		delete(r.ownerOf, v)
	}
	b.ClearVKeys()

	r.offline = removeFloat(r.offline, k)
	r.registrationOrder = removeBackend(r.registrationOrder, b)
	return nil
}

// AddVirtual inserts a new virtual position k owned by donor.
func (r *Ring) AddVirtual(k float64, donor *backend.Backend) {
	r.positions = append(r.positions, k)
	sort.Float64s(r.positions)
	r.ownerOf[k] = donor
	donor.RegisterVKey(k)
}

// RemoveAllVirtuals strips every virtual key b currently owns from the
// ring and clears b.VKeys.
func (r *Ring) RemoveAllVirtuals(b *backend.Backend) {
	for _, v := range b.VKeys {
		r.positions = removeFloat(r.positions, v)
		delete(r.ownerOf, v)
	}
	b.ClearVKeys()
}

// MoveOffline transfers key k from positions to offline.
func (r *Ring) MoveOffline(k float64) {
	r.positions = removeFloat(r.positions, k)
	r.offline = append(r.offline, k)
	sort.Float64s(r.offline)
}

// MoveOnline transfers key k from offline back to positions.
func (r *Ring) MoveOnline(k float64) {
	r.offline = removeFloat(r.offline, k)
	r.positions = append(r.positions, k)
	sort.Float64s(r.positions)
}

func removeFloat(s []float64, v float64) []float64 {
	out := s[:0:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func removeBackend(s []*backend.Backend, b *backend.Backend) []*backend.Backend {
	out := s[:0:0]
	for _, x := range s {
		if x != b {
			out = append(out, x)
		}
	}
	return out
}

// formatKey renders a HashKey the way admin responses expect: integral
// keys print without a trailing ".0".
func formatKey(k float64) string {
	if k == float64(int64(k)) {
		return fmt.Sprintf("%d", int64(k))
	}
	return fmt.Sprintf("%v", k)
}
