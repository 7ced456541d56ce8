package testutil

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/ssh/agent"
)

// SSHAgent is an in-process SSH agent serving a keyring on a unix socket.
type SSHAgent struct {
	Socket string

	accepted atomic.Int64
	open     atomic.Int64
}

// StartSSHAgent serves a keyring holding keys (as accepted by
// agent.AddedKey.PrivateKey) until the test ends. It does not set
// SSH_AUTH_SOCK; callers do that with t.Setenv.
func StartSSHAgent(ctx context.Context, t *testing.T, keys ...any) *SSHAgent {
	t.Helper()

	keyring := agent.NewKeyring()
	for _, k := range keys {
		if err := keyring.Add(agent.AddedKey{PrivateKey: k}); err != nil {
			t.Fatal(err)
		}
	}

	// Unix socket paths are length limited, so avoid the long t.TempDir path.
	dir, err := os.MkdirTemp("", "agent")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	a := &SSHAgent{Socket: filepath.Join(dir, "agent.sock")}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "unix", a.Socket)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			a.accepted.Add(1)
			a.open.Add(1)
			go func() {
				defer a.open.Add(-1)
				defer c.Close()
				_ = agent.ServeAgent(keyring, c)
			}()
		}
	}()

	return a
}

// Accepted returns how many client connections the agent has accepted.
func (a *SSHAgent) Accepted() int {
	return int(a.accepted.Load())
}

// Open returns how many client connections are still open.
func (a *SSHAgent) Open() int {
	return int(a.open.Load())
}
