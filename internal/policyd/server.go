package policyd

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

// Backend selects how an accepted connection is dispatched: straight to a
// WorkerPool, or handled inline with no pool at all.
type Backend int

const (
	BackendNone Backend = iota
	BackendThread
	BackendProcess
)

// Server is one listener per configured port (spec.md §4.8). It owns one
// listening socket and hands accepted connections to whichever pool the
// controller currently has active.
type Server struct {
	Port    int
	Address string
	Chain   []Plugin
	Config  *Config
	Log     *zap.Logger
	Stats   *Statskeeper

	// Dispatch decides what happens to a freshly-accepted connection. It's
	// set by the controller and may change across reloads (thread pool,
	// process pool, or inline).
	Dispatch func(ctx context.Context, conn net.Conn, chain []Plugin) error

	listener net.Listener
	mu       sync.Mutex
	alive    bool
}

// Listen binds the listening socket with SO_REUSEADDR (spec.md §4.8). The
// accept backlog is not set explicitly: it is whatever net.ListenConfig
// uses by default on the platform, not 5. Call once before Serve.
func (s *Server) Listen() error {
	const op = errors.Op("policyd_server_listen")
	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(context.Background(), "tcp", addrPort(s.Address, s.Port))
	if err != nil {
		return errors.E(op, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.alive = true
	s.mu.Unlock()
	return nil
}

// Serve runs the accept loop until Shutdown closes the listener. It's
// meant to run in its own goroutine, one per configured port.
func (s *Server) Serve(ctx context.Context) {
	s.Log.Info("policy server running", zap.Int("port", s.Port))
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			alive := s.alive
			s.mu.Unlock()
			if !alive {
				return
			}
			s.Log.Error("accept error", zap.Error(err))
			continue
		}
		if !s.isAlive() {
			conn.Close()
			return
		}

		if err := s.Dispatch(ctx, conn, s.Chain); err != nil {
			s.Log.Error("dispatch error", zap.Error(err))
			DeferRemaining([]Task{{Conn: conn}}, s.Log)
		}
	}
}

func (s *Server) isAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

// Shutdown marks the server dead and closes the listening socket, which
// unblocks a pending Accept (spec.md §4.8).
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alive {
		return nil
	}
	s.alive = false
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func addrPort(address string, port int) string {
	return net.JoinHostPort(address, strconv.Itoa(port))
}
