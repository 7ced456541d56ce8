package redistunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// ForwardTarget is the store's address as seen from the SSH server. It
// implements net.Addr.
type ForwardTarget struct {
	Host string
	Port int
}

func (t ForwardTarget) Network() string { return "tcp" }

func (t ForwardTarget) String() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t ForwardTarget) withDefaults() ForwardTarget {
	if t.Host == "" {
		t.Host = DefaultRemoteHost
	}
	if t.Port == 0 {
		t.Port = DefaultRemotePort
	}
	return t
}

// Ownership says whether a Conn owns its Session or borrows a shared one.
type Ownership int

const (
	// OwnedSession: the Conn created the Session and closes it on Disconnect.
	OwnedSession Ownership = iota
	// BorrowedSession: the Session belongs to someone else, usually a Pool,
	// and outlives the Conn.
	BorrowedSession
)

func (o Ownership) String() string {
	if o == BorrowedSession {
		return "borrowed"
	}
	return "owned"
}

// ConnConfig configures a Conn.
type ConnConfig struct {
	// SSH is used to build a private Session when Session is nil.
	SSH SessionConfig
	// Target is the store address. Zero fields default to
	// DefaultRemoteHost and DefaultRemotePort.
	Target ForwardTarget
	// Session, if set, is borrowed instead of creating a private one.
	Session *Session
}

// Conn is a store connection whose bytes travel over an SSH forwarded
// channel. It implements net.Conn, so it can be handed to a store client in
// place of a TCP socket.
//
// Construction is cheap and does no I/O; Connect opens the channel. Read and
// Write before Connect (or after Disconnect) return ErrNotConnected.
type Conn struct {
	target    ForwardTarget
	session   *Session
	ownership Ownership

	mu sync.Mutex
	ch net.Conn
}

var _ net.Conn = (*Conn)(nil)

// NewConn returns an unconnected Conn. If cfg.Session is nil the Conn owns a
// new Session built from cfg.SSH; otherwise it borrows cfg.Session.
func NewConn(cfg ConnConfig) *Conn {
	c := &Conn{target: cfg.Target.withDefaults()}
	if cfg.Session != nil {
		c.session, c.ownership = cfg.Session, BorrowedSession
	} else {
		c.session, c.ownership = NewSession(cfg.SSH), OwnedSession
	}
	return c
}

// Session returns the Session the Conn tunnels through.
func (c *Conn) Session() *Session { return c.session }

// Ownership reports whether the Conn owns or borrows its Session.
func (c *Conn) Ownership() Ownership { return c.ownership }

// Target returns the store address the Conn forwards to.
func (c *Conn) Target() ForwardTarget { return c.target }

// Connected reports whether the Conn has an open channel.
func (c *Conn) Connected() bool {
	return c.channel() != nil
}

// Connect opens the forwarded channel, connecting the Session first if
// needed. It is a no-op if the Conn is already connected.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch != nil {
		return nil
	}

	ch, err := c.session.OpenChannel(ctx, c.target.Host, c.target.Port)
	if err != nil {
		return err
	}
	c.ch = ch
	return nil
}

// Disconnect closes the channel. An owned Session is closed too; a borrowed
// one is left alone. Disconnect on an unconnected Conn is a no-op apart from
// closing an owned Session.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	ch := c.ch
	c.ch = nil
	c.mu.Unlock()

	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("%w: closing channel to %s: %w", ErrChannel, c.target, err))
		}
	}
	if c.ownership == OwnedSession {
		if err := c.session.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close is Disconnect, for net.Conn.
func (c *Conn) Close() error {
	return c.Disconnect()
}

func (c *Conn) Read(p []byte) (int, error) {
	ch := c.channel()
	if ch == nil {
		return 0, ErrNotConnected
	}
	return ch.Read(p)
}

func (c *Conn) Write(p []byte) (int, error) {
	ch := c.channel()
	if ch == nil {
		return 0, ErrNotConnected
	}
	return ch.Write(p)
}

// LocalAddr returns the channel's local address, or a zero TCP address when
// not connected.
func (c *Conn) LocalAddr() net.Addr {
	if ch := c.channel(); ch != nil {
		return ch.LocalAddr()
	}
	return &net.TCPAddr{}
}

// RemoteAddr returns the forward target.
func (c *Conn) RemoteAddr() net.Addr {
	return c.target
}

// SetDeadline passes through to the channel. SSH channels from
// golang.org/x/crypto/ssh reject deadlines, so callers should bound
// operations some other way.
func (c *Conn) SetDeadline(t time.Time) error {
	ch := c.channel()
	if ch == nil {
		return ErrNotConnected
	}
	return ch.SetDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	ch := c.channel()
	if ch == nil {
		return ErrNotConnected
	}
	return ch.SetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	ch := c.channel()
	if ch == nil {
		return ErrNotConnected
	}
	return ch.SetWriteDeadline(t)
}

// CloseWrite half-closes the channel, signaling EOF to the store.
func (c *Conn) CloseWrite() error {
	ch := c.channel()
	if ch == nil {
		return ErrNotConnected
	}
	if cw, ok := ch.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// String describes the Conn, e.g. "deploy@jump:22 -> 127.0.0.1:6379 (borrowed session)".
func (c *Conn) String() string {
	return fmt.Sprintf("%s -> %s (%s session)", c.session, c.target, c.ownership)
}

func (c *Conn) channel() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch
}
