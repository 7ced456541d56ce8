package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

// SSHServer is an in-process SSH server that handles "direct-tcpip" channels
// by dialing the requested destination and proxying data bidirectionally. It
// stands in for a jump host in tests.
type SSHServer struct {
	Username string
	HostKey  ssh.Signer

	config   *ssh.ServerConfig
	listener net.Listener

	handshakes atomic.Int64
	channels   atomic.Int64

	mu    sync.Mutex
	conns map[*ssh.ServerConn]struct{}
}

// SSHServerOption adjusts an SSHServer before it starts listening.
type SSHServerOption func(*SSHServer)

// WithPassword additionally allows password authentication.
func WithPassword(password string) SSHServerOption {
	return func(s *SSHServer) {
		s.config.PasswordCallback = func(conn ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if conn.User() != s.Username || string(pass) != password {
				return nil, errors.New("invalid credentials")
			}
			return &ssh.Permissions{}, nil
		}
	}
}

// StartSSHServer starts a server on a loopback port that accepts username
// authenticating with any of authorized. It is shut down when the test ends.
func StartSSHServer(ctx context.Context, t *testing.T, username string, authorized []ssh.PublicKey, opts ...SSHServerOption) *SSHServer {
	t.Helper()

	_, hostKey := GenerateKey(t)

	s := &SSHServer{
		Username: username,
		HostKey:  hostKey,
		conns:    make(map[*ssh.ServerConn]struct{}),
	}
	s.config = &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if conn.User() != username {
				return nil, errors.New("unknown user")
			}
			for _, k := range authorized {
				if bytes.Equal(k.Marshal(), key.Marshal()) {
					return &ssh.Permissions{}, nil
				}
			}
			return nil, errors.New("unauthorized key")
		},
	}
	s.config.AddHostKey(hostKey)

	for _, opt := range opts {
		opt(s)
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s.listener = ln

	go s.serve(ctx)
	t.Cleanup(func() {
		_ = ln.Close()
		s.DropAll()
	})

	return s
}

// Addr returns the server's listen address.
func (s *SSHServer) Addr() string {
	return s.listener.Addr().String()
}

// Handshakes returns how many SSH handshakes completed successfully.
func (s *SSHServer) Handshakes() int {
	return int(s.handshakes.Load())
}

// Channels returns how many direct-tcpip channels were accepted.
func (s *SSHServer) Channels() int {
	return int(s.channels.Load())
}

// Active returns how many client transports are currently open.
func (s *SSHServer) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropAll closes every open client transport, simulating a dead jump host
// connection.
func (s *SSHServer) DropAll() {
	s.mu.Lock()
	conns := make([]*ssh.ServerConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *SSHServer) serve(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn handles a single SSH connection.
func (s *SSHServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	s.handshakes.Add(1)

	s.mu.Lock()
	s.conns[sshConn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, sshConn)
		s.mu.Unlock()
		_ = sshConn.Close()
	}()

	// Discard global requests (we don't support any).
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "direct-tcpip" {
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		go s.handleDirectTCPIP(ctx, newChan)
	}
}

// directTCPIPPayload is the payload for direct-tcpip channel requests.
type directTCPIPPayload struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

// handleDirectTCPIP handles a direct-tcpip channel request.
func (s *SSHServer) handleDirectTCPIP(ctx context.Context, newChan ssh.NewChannel) {
	var payload directTCPIPPayload
	if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
		_ = newChan.Reject(ssh.Prohibited, "invalid direct-tcpip payload")
		return
	}

	addr := net.JoinHostPort(payload.Host, fmt.Sprint(payload.Port))
	var d net.Dialer
	dst, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		_ = newChan.Reject(ssh.ConnectionFailed, fmt.Sprintf("dial %s: %v", addr, err))
		return
	}

	ch, reqs, err := newChan.Accept()
	if err != nil {
		_ = dst.Close()
		return
	}
	s.channels.Add(1)

	// Discard channel-specific requests.
	go ssh.DiscardRequests(reqs)

	defer ch.Close()
	defer dst.Close()

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(dst, ch)
		if tc, ok := dst.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(ch, dst)
		_ = ch.CloseWrite()
		return err
	})
	_ = g.Wait()
}
