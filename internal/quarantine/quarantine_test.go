package quarantine

import (
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ringhash/ringhashd/internal/backend"
	"github.com/ringhash/ringhashd/internal/ring"
	"github.com/ringhash/ringhashd/internal/wire"
)

func testLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

func startPingServer(t *testing.T) (host string, port int, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				for {
					if _, err := wire.Decode(conn); err != nil {
						return
					}
					if err := wire.Encode(conn, map[string]any{"status": "alive"}); err != nil {
						return
					}
				}
			}()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port, func() { ln.Close() }
}

func TestTickMovesOffBackendToOffline(t *testing.T) {
	r := ring.New(360)
	dead := backend.New("127.0.0.1", 1, 270, true)
	dead.Connect() // fails, flips to OFF
	r.AddPrimary(270, dead)

	q := New(r, time.Hour, testLogger(), nil)
	q.Tick()

	if r.PositionIndexOf(270) >= 0 {
		t.Errorf("270 should no longer be an eligible position")
	}
	offline := r.Offline()
	if len(offline) != 1 || offline[0] != 270 {
		t.Errorf("offline = %v, want [270]", offline)
	}
}

func TestTickReinstatesSurvivingBackend(t *testing.T) {
	host, port, stop := startPingServer(t)
	defer stop()

	r := ring.New(360)
	b := backend.New(host, port, 270, true)
	r.AddPrimary(270, b)
	r.MoveOffline(270)

	q := New(r, time.Hour, testLogger(), nil)
	q.Tick()

	if r.PositionIndexOf(270) < 0 {
		t.Errorf("270 should be reinstated after a successful reprobe")
	}
	for _, h := range r.Offline() {
		if h == 270 {
			t.Errorf("270 should no longer be in offline")
		}
	}
	if b.Status() != backend.StatusOn {
		t.Errorf("status = %v, want ON after reprobe", b.Status())
	}
}

func TestTickLeavesUnreachableOfflineBackendsOffline(t *testing.T) {
	r := ring.New(360)
	b := backend.New("127.0.0.1", 1, 270, true)
	r.AddPrimary(270, b)
	r.MoveOffline(270)

	q := New(r, time.Hour, testLogger(), nil)
	q.Tick()

	if r.PositionIndexOf(270) >= 0 {
		t.Errorf("270 should remain offline: reprobe target is unreachable")
	}
	found := false
	for _, h := range r.Offline() {
		if h == 270 {
			found = true
		}
	}
	if !found {
		t.Errorf("270 should remain in offline")
	}
}

func TestTickPreservesPositionsOfflinePartition(t *testing.T) {
	host, port, stop := startPingServer(t)
	defer stop()

	r := ring.New(360)
	alive := backend.New(host, port, 90, true)
	dead := backend.New("127.0.0.1", 1, 270, true)
	dead.Connect()
	r.AddPrimary(90, alive)
	r.AddPrimary(270, dead)

	q := New(r, time.Hour, testLogger(), nil)
	q.Tick()
	q.Tick()

	positions := make(map[float64]bool)
	for _, p := range r.Positions() {
		positions[p] = true
	}
	for _, o := range r.Offline() {
		if positions[o] {
			t.Fatalf("key %v present in both positions and offline", o)
		}
	}
}

func TestTickSkipsVirtualPositionsForMigration(t *testing.T) {
	r := ring.New(360)
	donor := backend.New("127.0.0.1", 1, 270, true)
	donor.Connect() // fails, flips to OFF so its primary is quarantined
	r.AddPrimary(270, donor)
	r.AddVirtual(90, donor)

	q := New(r, time.Hour, testLogger(), nil)
	q.Tick()

	if r.PositionIndexOf(90) < 0 {
		t.Errorf("virtual key 90 should not migrate independently of its donor's primary")
	}
}
