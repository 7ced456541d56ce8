package forward

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/charmbracelet/log"

	"github.com/die-net/redistunnel"
)

// ListenTCP listens on addr. Accepted TCP connections get ka applied, the same
// keepalive settings used towards the SSH host.
func ListenTCP(ctx context.Context, network, addr string, ka net.KeepAliveConfig) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}
	return &keepAliveListener{Listener: ln, ka: ka}, nil
}

type keepAliveListener struct {
	net.Listener
	ka net.KeepAliveConfig
}

func (l *keepAliveListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err == nil {
		if tc, ok := c.(*net.TCPConn); ok {
			_ = tc.SetKeepAliveConfig(l.ka)
		}
	}
	return c, err
}

// Server forwards local connections to the store through a pool.
type Server struct {
	pool   *redistunnel.Pool
	logger *log.Logger
}

// NewServer returns a Server that checks out one pooled Conn per accepted
// connection. A nil logger means log.Default().
func NewServer(pool *redistunnel.Pool, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{pool: pool, logger: logger}
}

// Serve accepts connections on ln until ln is closed or ctx is canceled.
// In-flight connections are closed when ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			if err := s.handle(ctx, c); err != nil {
				s.logger.Warn("forward: connection failed", "client", c.RemoteAddr(), "err", err)
			}
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	lease, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	// The store-side protocol state is unknown once the client goes away, so
	// the Conn is never returned for reuse.
	defer lease.Destroy()

	up := lease.Conn()
	s.logger.Debug("forward: connected", "client", conn.RemoteAddr(), "upstream", up)

	if err := CopyBidirectional(ctx, conn, up); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("copy: %w", err)
	}
	return nil
}
