package redistunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/jackc/puddle/v2"
)

// DefaultMaxConns is used when PoolConfig.MaxConns is zero.
const DefaultMaxConns = 10

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Conn holds the parameters for every Conn the pool creates. Its Session
	// field is ignored; see Session and DisableSharing.
	Conn ConnConfig
	// Session, if set, is shared by every Conn and is not closed by the pool.
	Session *Session
	// DisableSharing gives each Conn its own private Session instead of one
	// shared Session created by the pool. It has no effect when Session is set.
	DisableSharing bool
	// MaxConns caps the number of Conns checked out or idle at once. Zero
	// means DefaultMaxConns.
	MaxConns int32
}

// Pool hands out tunneled Conns. With sharing enabled (the default) it creates
// exactly one Session up front, unconnected, and every Conn it produces
// borrows that same Session, so all pooled connections multiplex over one SSH
// login.
//
// Checkout bookkeeping (queueing, the size cap, reuse of released Conns) is
// delegated to a puddle.Pool.
type Pool struct {
	conn        ConnConfig
	session     *Session
	ownsSession bool
	pool        *puddle.Pool[*Conn]
}

// NewPool builds a Pool. It performs no I/O.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.MaxConns < 0 {
		return nil, fmt.Errorf("%w: negative MaxConns %d", ErrConfiguration, cfg.MaxConns)
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = DefaultMaxConns
	}

	p := &Pool{conn: cfg.Conn}
	switch {
	case cfg.Session != nil:
		p.session = cfg.Session
	case !cfg.DisableSharing:
		p.session = NewSession(cfg.Conn.SSH)
		p.ownsSession = true
	}
	p.conn.Session = p.session

	pool, err := puddle.NewPool(&puddle.Config[*Conn]{
		Constructor: func(ctx context.Context) (*Conn, error) {
			c := p.NewConn()
			if err := c.Connect(ctx); err != nil {
				_ = c.Disconnect()
				return nil, err
			}
			return c, nil
		},
		Destructor: func(c *Conn) {
			_ = c.Disconnect()
		},
		MaxSize: cfg.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	p.pool = pool

	return p, nil
}

// Session returns the shared Session, or nil if sharing is disabled.
func (p *Pool) Session() *Session { return p.session }

// Shared reports whether Conns from this pool share one Session.
func (p *Pool) Shared() bool { return p.session != nil }

// NewConn returns a new unconnected Conn with the pool's parameters. The Conn
// is not tracked by the pool.
func (p *Pool) NewConn() *Conn {
	return NewConn(p.conn)
}

// Acquire checks out a connected Conn, reusing a released one if available.
// It blocks while MaxConns Conns are checked out.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	res, err := p.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, puddle.ErrClosedPool) {
			return nil, ErrPoolClosed
		}
		return nil, err
	}
	return &Lease{res: res}, nil
}

// DialContext opens a tunneled Conn to address (as seen from the SSH server)
// using the pool's Session settings. It matches the Dialer hook of store
// clients that keep their own connection pool, such as redis.Options.Dialer.
// The returned Conn is not tracked by the pool.
func (p *Pool) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("%w: unsupported network %q", ErrConfiguration, network)
	}

	cfg := p.conn
	if address != "" {
		host, portStr, err := net.SplitHostPort(address)
		if err != nil {
			return nil, fmt.Errorf("%w: address %q: %w", ErrConfiguration, address, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("%w: address %q: bad port", ErrConfiguration, address)
		}
		cfg.Target = ForwardTarget{Host: host, Port: port}
	}

	c := NewConn(cfg)
	if err := c.Connect(ctx); err != nil {
		_ = c.Disconnect()
		return nil, err
	}
	return c, nil
}

// PoolStat is a snapshot of pool occupancy.
type PoolStat struct {
	Acquired int32
	Idle     int32
	Total    int32
	Max      int32
}

// Stat returns current pool occupancy.
func (p *Pool) Stat() PoolStat {
	s := p.pool.Stat()
	return PoolStat{
		Acquired: s.AcquiredResources(),
		Idle:     s.IdleResources(),
		Total:    s.TotalResources(),
		Max:      s.MaxResources(),
	}
}

// Close disconnects every pooled Conn, waiting for checked-out ones to be
// released, and then closes the shared Session if the pool created it.
func (p *Pool) Close() error {
	p.pool.Close()
	if p.ownsSession {
		return p.session.Close()
	}
	return nil
}

// Lease is a checked-out Conn. Exactly one of Release or Destroy must be
// called when the caller is done with it.
type Lease struct {
	res *puddle.Resource[*Conn]
}

// Conn returns the leased connection.
func (l *Lease) Conn() *Conn { return l.res.Value() }

// Release returns the Conn to the pool for reuse.
func (l *Lease) Release() { l.res.Release() }

// Destroy disconnects the Conn instead of returning it, for connections whose
// protocol state is unknown or whose channel failed.
func (l *Lease) Destroy() { l.res.Destroy() }
