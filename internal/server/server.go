// Package server implements the TCP accept loop: bind, accept, admission
// control, a bounded worker pool, and the per-connection frame
// decode/dispatch/encode cycle.
package server

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/ringhash/ringhashd/internal/admission"
	"github.com/ringhash/ringhashd/internal/metrics"
	"github.com/ringhash/ringhashd/internal/wire"
)

// CommandHandler dispatches one decoded request and returns the reply to
// write back on the wire.
type CommandHandler interface {
	HandleCommand(msg map[string]any) map[string]any
}

// FatalBindError wraps a listen/bind failure. The process should exit
// non-zero on this error; it is the only error kind in the system that
// is process-fatal.
type FatalBindError struct {
	Err error
}

func (e *FatalBindError) Error() string { return fmt.Sprintf("fatal bind error: %v", e.Err) }
func (e *FatalBindError) Unwrap() error { return e.Err }

// ConnectionServer accepts TCP connections, applies admission control and
// a connection-count refuse-threshold, then dispatches each to a bounded
// worker pool.
type ConnectionServer struct {
	handler   CommandHandler
	admission admission.Limiter
	log       *zap.SugaredLogger
	metrics   *metrics.Metrics

	maxConnections int
	refuseAbove    int

	sem chan struct{}

	mu        sync.Mutex
	liveConns int
}

// New constructs a ConnectionServer. m may be nil.
func New(handler CommandHandler, lim admission.Limiter, maxConnections, refuseAbove int, log *zap.SugaredLogger, m *metrics.Metrics) *ConnectionServer {
	return &ConnectionServer{
		handler:        handler,
		admission:      lim,
		log:            log.Named("server"),
		metrics:        m,
		maxConnections: maxConnections,
		refuseAbove:    refuseAbove,
		sem:            make(chan struct{}, maxConnections),
	}
}

// ListenAndServe binds addr and accepts connections until the listener
// is closed. A bind failure is returned wrapped in FatalBindError.
func (s *ConnectionServer) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &FatalBindError{Err: err}
	}
	defer ln.Close()
	s.log.Infow("listening", "addr", addr)
	return s.Serve(ln)
}

// Serve accepts connections from ln until it is closed (returning nil) or
// any other accept error occurs (returning that error).
func (s *ConnectionServer) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *ConnectionServer) handleConn(conn net.Conn) {
	remoteHost, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	if s.admission != nil && !s.admission.Allow(remoteHost) {
		s.reject(conn, "rate limited")
		return
	}

	if s.liveCount() > s.refuseAbove {
		s.reject(conn, "too many connections")
		return
	}

	// Blocks rather than rejects: maxConnections bounds how many
	// connections dispatch concurrently, the way a worker pool queues
	// excess work instead of turning it away. refuseAbove is the only
	// rejection threshold.
	s.sem <- struct{}{}

	s.incLiveCount()
	defer func() {
		<-s.sem
		s.decLiveCount()
		conn.Close()
	}()

	s.serveLoop(conn)
}

func (s *ConnectionServer) reject(conn net.Conn, msg string) {
	if s.metrics != nil {
		s.metrics.RejectedConns.WithLabelValues(msg).Inc()
	}
	_ = wire.Encode(conn, map[string]any{"status": false, "msg": msg})
	conn.Close()
}

// serveLoop decodes frames one at a time, in order, for the lifetime of
// conn: a single handler never processes two requests concurrently.
func (s *ConnectionServer) serveLoop(conn net.Conn) {
	for {
		msg, err := wire.Decode(conn)
		if err != nil {
			if !errors.Is(err, wire.ErrPeerClosed) {
				s.log.Debugw("connection terminated on decode error", "remote", conn.RemoteAddr(), "error", err)
			}
			return
		}

		resp := s.handler.HandleCommand(msg)

		if err := wire.Encode(conn, resp); err != nil {
			s.log.Debugw("connection terminated on encode error", "remote", conn.RemoteAddr(), "error", err)
			return
		}
	}
}

func (s *ConnectionServer) liveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveConns
}

func (s *ConnectionServer) incLiveCount() {
	s.mu.Lock()
	s.liveConns++
	n := s.liveConns
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveConns.Set(float64(n))
	}
}

func (s *ConnectionServer) decLiveCount() {
	s.mu.Lock()
	s.liveConns--
	n := s.liveConns
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveConns.Set(float64(n))
	}
}
