package server

import (
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ringhash/ringhashd/internal/wire"
)

func testLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

type echoHandler struct{}

func (echoHandler) HandleCommand(msg map[string]any) map[string]any {
	return map[string]any{"status": "ok", "echo": msg}
}

type alwaysAllow struct{}

func (alwaysAllow) Allow(string) bool { return true }

type alwaysDeny struct{}

func (alwaysDeny) Allow(string) bool { return false }

func dialAndRoundTrip(t *testing.T, addr string, payload map[string]any) map[string]any {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := wire.Encode(conn, payload); err != nil {
		t.Fatalf("encode: %v", err)
	}
	resp, err := wire.Decode(conn)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

func TestServeHandlesRequestResponseCycle(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := New(echoHandler{}, alwaysAllow{}, 10, 100, testLogger(), nil)
	go s.Serve(ln)
	defer ln.Close()

	resp := dialAndRoundTrip(t, ln.Addr().String(), map[string]any{"cmd": "ping"})
	if resp["status"] != "ok" {
		t.Fatalf("resp = %v, want status=ok", resp)
	}
}

func TestServeHandlesMultipleSequentialRequestsOnOneConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := New(echoHandler{}, alwaysAllow{}, 10, 100, testLogger(), nil)
	go s.Serve(ln)
	defer ln.Close()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 3; i++ {
		if err := wire.Encode(conn, map[string]any{"n": float64(i)}); err != nil {
			t.Fatalf("encode %d: %v", i, err)
		}
		resp, err := wire.Decode(conn)
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if resp["status"] != "ok" {
			t.Fatalf("resp %d = %v", i, resp)
		}
	}
}

func TestServeRejectsWhenAdmissionDenies(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := New(echoHandler{}, alwaysDeny{}, 10, 100, testLogger(), nil)
	go s.Serve(ln)
	defer ln.Close()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	resp, err := wire.Decode(conn)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != false || resp["msg"] != "rate limited" {
		t.Fatalf("resp = %v, want rate-limited rejection", resp)
	}
}

func TestListenAndServeReturnsFatalBindErrorOnBadAddress(t *testing.T) {
	s := New(echoHandler{}, alwaysAllow{}, 10, 100, testLogger(), nil)
	err := s.ListenAndServe("not-a-valid-address")
	if err == nil {
		t.Fatalf("expected an error binding to an invalid address")
	}
	if _, ok := err.(*FatalBindError); !ok {
		t.Fatalf("err = %v (%T), want *FatalBindError", err, err)
	}
}
