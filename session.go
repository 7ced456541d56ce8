package redistunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/semaphore"

	internalssh "github.com/die-net/redistunnel/internal/ssh"
)

// SessionConfig describes how to reach and authenticate to the SSH server. It
// must not be modified after it is handed to NewSession.
type SessionConfig struct {
	// Host is the SSH server's hostname or IP. Required.
	Host string
	// Port is the SSH server's port. Zero means DefaultSSHPort.
	Port int
	// User is the SSH login name. Required; see DefaultUser.
	User string
	// Key is the private key: a file path (string), key contents ([]byte),
	// a parsed ssh.Signer or []ssh.Signer, or AgentKey. See DefaultKeyPath.
	Key any
	// Passphrase decrypts an encrypted Key given as a path or bytes.
	Passphrase string
	// Password enables password authentication, offered after Key.
	Password string

	// TrustPolicy selects host key verification. The zero value is
	// TrustOnFirstUse.
	TrustPolicy TrustPolicy
	// KnownHostsFiles are consulted by TrustOnFirstUse and TrustStrict.
	// Missing files are skipped. See DefaultKnownHostsFiles.
	KnownHostsFiles []string
	// PersistHostKeys makes TrustOnFirstUse append newly trusted keys to the
	// first entry of KnownHostsFiles.
	PersistHostKeys bool
	// PinnedFingerprints lists SHA256 host key fingerprints for TrustPinned.
	PinnedFingerprints []string

	// DialTimeout bounds the TCP connect to the SSH server. Zero means no
	// timeout beyond the caller's context.
	DialTimeout time.Duration
	// HandshakeTimeout bounds the SSH handshake. Zero means no timeout.
	HandshakeTimeout time.Duration
	// KeepAlive configures TCP keepalive on the connection to the SSH server.
	KeepAlive net.KeepAliveConfig

	// Logger receives debug and info messages. Nil means log.Default().
	Logger *log.Logger
}

// State is the lifecycle state of a Session.
type State int

const (
	StateUnconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// Session owns one authenticated SSH transport and opens forwarded TCP
// channels over it.
//
// Lifecycle notes:
//   - The transport is created lazily on the first EnsureConnected or
//     OpenChannel call.
//   - A transport that has died is noticed on the next call and replaced; there
//     is no background health check and no retry of a failed attempt.
//   - Handshakes and channel opens are serialized; the returned channels are
//     independent byte streams and may be used concurrently.
//   - Channels opened on a transport that later dies fail on their next read
//     or write; they are not invalidated eagerly.
//
// A Session is safe for concurrent use.
type Session struct {
	cfg    SessionConfig
	addr   string
	logger *log.Logger

	// sem is held across a handshake or channel open. Unlike a mutex it lets
	// waiters give up when their context ends.
	sem *semaphore.Weighted
	// hostKeyCallback is built on first connect and kept, so keys trusted on
	// first use stay trusted across reconnects. Guarded by sem.
	hostKeyCallback ssh.HostKeyCallback

	mu     sync.Mutex
	client *ssh.Client
	dead   chan struct{} // closed when client's transport goes away
	state  State
	gen    int // bumped by Close to abandon an in-flight connect
}

// NewSession returns an unconnected Session for cfg. It performs no I/O.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Port == 0 {
		cfg.Port = DefaultSSHPort
	}
	cfg.KnownHostsFiles = append([]string(nil), cfg.KnownHostsFiles...)
	cfg.PinnedFingerprints = append([]string(nil), cfg.PinnedFingerprints...)
	switch k := cfg.Key.(type) {
	case []byte:
		cfg.Key = bytes.Clone(k)
	case []ssh.Signer:
		cfg.Key = slices.Clone(k)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Session{
		cfg:    cfg,
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		logger: logger,
		sem:    semaphore.NewWeighted(1),
	}
}

// Addr returns the SSH server address as host:port.
func (s *Session) Addr() string {
	return s.addr
}

// String describes the session as user@host:port.
func (s *Session) String() string {
	return s.cfg.User + "@" + s.addr
}

// State returns the current lifecycle state. A Connected session whose
// transport has since died still reports Connected until the next
// EnsureConnected; use Active to check liveness.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Active reports whether the session has a transport that is still alive.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil && !closed(s.dead)
}

// EnsureConnected connects and authenticates the session unless it already
// has a live transport, in which case it returns immediately.
func (s *Session) EnsureConnected(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: waiting for session %s: %w", ErrTransport, s.addr, err)
	}
	defer s.sem.Release(1)

	_, err := s.liveClient(ctx)
	return err
}

// OpenChannel opens a "direct-tcpip" channel to host:port as seen from the SSH
// server, connecting the session first if needed. The returned net.Conn is
// owned by the caller. Deadlines are not supported on it.
func (s *Session) OpenChannel(ctx context.Context, host string, port int) (net.Conn, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: invalid remote port %d", ErrConfiguration, port)
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: waiting for session %s: %w", ErrTransport, s.addr, err)
	}
	defer s.sem.Release(1)

	client, err := s.liveClient(ctx)
	if err != nil {
		return nil, err
	}

	target := net.JoinHostPort(host, strconv.Itoa(port))
	ch, err := client.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: open channel to %s via %s: %w", ErrChannel, target, s.addr, err)
	}

	s.logger.Debug("ssh: opened channel", "via", s.addr, "target", target)
	return ch, nil
}

// Close closes the transport, if any. Channels opened from it stop working.
// A later EnsureConnected or OpenChannel connects again.
func (s *Session) Close() error {
	s.mu.Lock()
	client := s.client
	s.client, s.dead = nil, nil
	s.state = StateClosed
	s.gen++
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: closing %s: %w", ErrTransport, s.addr, err)
	}
	return nil
}

// liveClient returns the current client if its transport is alive, otherwise
// it dials a new one. The caller must hold sem.
func (s *Session) liveClient(ctx context.Context) (*ssh.Client, error) {
	s.mu.Lock()
	client, dead, gen := s.client, s.dead, s.gen
	if client != nil && !closed(dead) {
		s.mu.Unlock()
		return client, nil
	}
	s.client, s.dead = nil, nil
	s.state = StateConnecting
	s.mu.Unlock()

	if client != nil {
		s.logger.Debug("ssh: transport inactive, reconnecting", "addr", s.addr)
		_ = client.Close()
	}

	client, err := s.dial(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil && s.gen != gen {
		_ = client.Close()
		err = fmt.Errorf("%w: session %s closed while connecting", ErrTransport, s.addr)
	}
	if err != nil {
		if s.gen == gen {
			s.state = StateFailed
		}
		return nil, err
	}

	dead = make(chan struct{})
	go func() {
		_ = client.Wait()
		close(dead)
	}()

	s.client, s.dead = client, dead
	s.state = StateConnected
	return client, nil
}

// dial establishes and authenticates a new SSH transport. The caller must hold
// sem.
func (s *Session) dial(ctx context.Context) (*ssh.Client, error) {
	if s.cfg.Host == "" {
		return nil, fmt.Errorf("%w: missing ssh host", ErrConfiguration)
	}
	if s.cfg.User == "" {
		return nil, fmt.Errorf("%w: missing ssh username", ErrConfiguration)
	}

	signers, release, err := resolveSigners(s.cfg.Key, s.cfg.Passphrase, s.cfg.Password != "")
	if err != nil {
		return nil, err
	}
	// Signers are only needed for authentication.
	defer release()

	if s.hostKeyCallback == nil {
		cb, err := s.cfg.TrustPolicy.hostKeyCallback(&s.cfg, s.logger)
		if err != nil {
			return nil, err
		}
		s.hostKeyCallback = cb
	}

	d := net.Dialer{Timeout: s.cfg.DialTimeout, KeepAliveConfig: s.cfg.KeepAlive}
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	// Close conn if ctx is canceled during handshake.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})

	client, err := internalssh.NewClient(conn, internalssh.ClientConfig{
		Username:         s.cfg.User,
		Signers:          signers,
		Password:         s.cfg.Password,
		HostKeyCallback:  s.hostKeyCallback,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
	}, s.addr)
	if !stop() && err == nil {
		_ = client.Close()
		err = ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	s.logger.Debug("ssh: connected", "addr", s.addr, "user", s.cfg.User)
	return client, nil
}

func closed(ch chan struct{}) bool {
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
