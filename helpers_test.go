package redistunnel

import (
	"context"
	"crypto/ed25519"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/crypto/ssh"

	"github.com/die-net/redistunnel/internal/testutil"
)

const testUser = "tester"

// tunnelFixture is a jump host plus an echo service reachable behind it.
type tunnelFixture struct {
	server  *testutil.SSHServer
	echo    ForwardTarget
	key     ed25519.PrivateKey
	signer  ssh.Signer
	keyPath string
}

func newTunnelFixture(ctx context.Context, t *testing.T, opts ...testutil.SSHServerOption) *tunnelFixture {
	t.Helper()

	key, signer := testutil.GenerateKey(t)
	srv := testutil.StartSSHServer(ctx, t, testUser, []ssh.PublicKey{signer.PublicKey()}, opts...)
	echo := testutil.StartEchoTCPServer(ctx, t)

	return &tunnelFixture{
		server:  srv,
		echo:    mustTarget(t, echo.Addr().String()),
		key:     key,
		signer:  signer,
		keyPath: testutil.WriteKeyFile(t, key, ""),
	}
}

// sessionConfig returns a config that authenticates with the fixture's key
// file and trusts the server on first use.
func (f *tunnelFixture) sessionConfig(t *testing.T) SessionConfig {
	t.Helper()

	addr := mustTarget(t, f.server.Addr())
	return SessionConfig{
		Host:             addr.Host,
		Port:             addr.Port,
		User:             testUser,
		Key:              f.keyPath,
		DialTimeout:      2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		Logger:           quietLogger(),
	}
}

func mustTarget(t *testing.T, addr string) ForwardTarget {
	t.Helper()

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return ForwardTarget{Host: host, Port: port}
}

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// waitFor polls cond until it holds or the test's deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
