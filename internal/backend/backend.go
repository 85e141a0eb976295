// Package backend implements the stateful per-backend connection: a single
// TCP socket to one upstream worker, its liveness status, and the
// round-trip statistics the scaler reacts to.
//
// Only one request is ever in flight on a given Backend's socket at a
// time. The backend protocol is a single-stream request/response without
// multiplexing, and that is an explicit design choice rather than an
// accident.
package backend

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ringhash/ringhashd/internal/wire"
)

// Status is the liveness state of a Backend.
type Status int32

const (
	StatusUnknown Status = iota
	StatusOn
	StatusOff
)

func (s Status) String() string {
	switch s {
	case StatusOn:
		return "on"
	case StatusOff:
		return "off"
	default:
		return "unknown"
	}
}

// ErrUnavailable is returned whenever an I/O operation against a backend
// fails, whether during connect or during a request round-trip.
var ErrUnavailable = errors.New("backend unavailable")

const (
	defaultDialTimeout = 2 * time.Second
	defaultIOTimeout   = 5 * time.Second
)

// Backend is one physical upstream worker registered at a ring position.
type Backend struct {
	Host string
	Port int
	Key  float64 // primary ring position, fixed at registration

	KeepAlive bool
	MaxScale  int

	DialTimeout time.Duration
	IOTimeout   time.Duration

	// VKeys is mutated only through the ring (Scaler's AddVirtual and
	// RemoveAllVirtuals, AdminAPI's RemovePrimary), only while the caller
	// holds the ring's write gate, see internal/gate. It is deliberately not
	// protected by a mutex of its own.
	VKeys []float64

	mu     sync.Mutex // guards conn / dial / send / recv
	conn   net.Conn
	status atomic.Int32

	statsMu  sync.Mutex
	reqCount int
	avgResp  float64 // seconds, Welford running mean
}

// New constructs a Backend in the UNKNOWN state. It does not dial.
func New(host string, port int, key float64, keepAlive bool) *Backend {
	b := &Backend{
		Host:        host,
		Port:        port,
		Key:         key,
		KeepAlive:   keepAlive,
		MaxScale:    2,
		DialTimeout: defaultDialTimeout,
		IOTimeout:   defaultIOTimeout,
	}
	b.status.Store(int32(StatusUnknown))
	return b
}

// Status returns the current liveness status. Read without a lock on the
// hot path, per the published concurrency model. Status is updated via
// atomic store/load.
func (b *Backend) Status() Status {
	return Status(b.status.Load())
}

// Address renders host:port for logging and dialing.
func (b *Backend) Address() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// Connect is idempotent: if already ON it returns immediately; otherwise
// it dials and flips status to ON, or to OFF on failure.
func (b *Backend) Connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Status() == StatusOn {
		return nil
	}
	return b.dialLocked()
}

// dialLocked must be called with mu held.
func (b *Backend) dialLocked() error {
	conn, err := net.DialTimeout("tcp", b.Address(), b.DialTimeout)
	if err != nil {
		b.status.Store(int32(StatusOff))
		return fmt.Errorf("%w: dial %s: %v", ErrUnavailable, b.Address(), err)
	}
	b.conn = conn
	b.status.Store(int32(StatusOn))
	return nil
}

// SendRequest sends payload to the backend and returns its decoded
// response. The socket mutex and the stats mutex are held at disjoint
// times, never together, so an in-flight request never blocks a stats
// reset or vice versa.
func (b *Backend) SendRequest(payload map[string]any) (map[string]any, error) {
	b.mu.Lock()
	resp, rtt, err := b.roundTripLocked(payload)
	b.mu.Unlock()

	if err != nil {
		return nil, err
	}
	b.recordStat(rtt)
	return resp, nil
}

// roundTripLocked must be called with mu held. It guarantees the
// guaranteed-release step for non-keepAlive sockets regardless of how the
// round trip ends.
func (b *Backend) roundTripLocked(payload map[string]any) (resp map[string]any, rtt time.Duration, err error) {
	defer func() {
		if !b.KeepAlive {
			if b.conn != nil {
				b.conn.Close()
				b.conn = nil
			}
			b.status.Store(int32(StatusOff))
		}
	}()

	if b.Status() != StatusOn {
		if derr := b.dialLocked(); derr != nil {
			return nil, 0, derr
		}
	}

	start := time.Now()
	if b.IOTimeout > 0 {
		b.conn.SetDeadline(start.Add(b.IOTimeout))
	}

	if werr := wire.Encode(b.conn, payload); werr != nil {
		b.status.Store(int32(StatusOff))
		return nil, 0, fmt.Errorf("%w: send: %v", ErrUnavailable, werr)
	}

	respRaw, rerr := wire.Decode(b.conn)
	if rerr != nil {
		b.status.Store(int32(StatusOff))
		return nil, 0, fmt.Errorf("%w: recv: %v", ErrUnavailable, rerr)
	}

	return respRaw, time.Since(start), nil
}

func (b *Backend) recordStat(rtt time.Duration) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	b.reqCount++
	b.avgResp += (rtt.Seconds() - b.avgResp) / float64(b.reqCount)
}

// ResetStats zeroes the current window's counters. Called by Scaler once
// per tick for every backend it examines.
func (b *Backend) ResetStats() {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	b.reqCount = 0
	b.avgResp = 0
}

// AvgResp returns the current window's running-mean response time, in
// seconds.
func (b *Backend) AvgResp() float64 {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.avgResp
}

// ReqCount returns the number of round-trips counted into AvgResp this
// window.
func (b *Backend) ReqCount() int {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.reqCount
}

// RegisterVKey records a newly assigned virtual key. Callers must already
// hold the ring's write gate.
func (b *Backend) RegisterVKey(k float64) {
	b.VKeys = append(b.VKeys, k)
}

// ClearVKeys drops all virtual keys owned by this backend. Callers must
// already hold the ring's write gate.
func (b *Backend) ClearVKeys() {
	b.VKeys = b.VKeys[:0]
}

// HasMaxScale reports whether this backend already owns as many virtual
// keys as it is allowed to donate capacity for; at that point it is
// ineligible as a cool donor. Callers must already hold the ring's write
// gate (VKeys is gate-protected, not mutex-protected).
func (b *Backend) HasMaxScale() bool {
	return len(b.VKeys) >= b.MaxScale
}
