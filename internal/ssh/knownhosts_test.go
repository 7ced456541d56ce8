package ssh

import (
	"encoding/base64"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"golang.org/x/crypto/ssh"

	"github.com/die-net/redistunnel/internal/testutil"
)

func hostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	_, signer := testutil.GenerateKey(t)
	return signer.PublicKey()
}

func knownHostsLine(host string, key ssh.PublicKey) string {
	return host + " " + key.Type() + " " + base64.StdEncoding.EncodeToString(key.Marshal()) + "\n"
}

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func TestTOFUHostKeyCallback(t *testing.T) {
	t.Parallel()

	addr := &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 22}

	t.Run("accepts unknown host and remembers it", func(t *testing.T) {
		t.Parallel()

		cb, err := TOFUHostKeyCallback(nil, "", quietLogger())
		if err != nil {
			t.Fatalf("TOFUHostKeyCallback: %v", err)
		}

		key := hostKey(t)
		if err := cb("192.0.2.1:22", addr, key); err != nil {
			t.Fatalf("TOFU should accept unknown host: %v", err)
		}
		if err := cb("192.0.2.1:22", addr, key); err != nil {
			t.Fatalf("TOFU should accept the remembered key: %v", err)
		}
	})

	t.Run("rejects changed key after first use", func(t *testing.T) {
		t.Parallel()

		cb, err := TOFUHostKeyCallback(nil, "", quietLogger())
		if err != nil {
			t.Fatalf("TOFUHostKeyCallback: %v", err)
		}

		if err := cb("192.0.2.1:22", addr, hostKey(t)); err != nil {
			t.Fatalf("TOFU: %v", err)
		}
		err = cb("192.0.2.1:22", addr, hostKey(t))
		if err == nil || !strings.Contains(err.Error(), "mismatch") {
			t.Fatalf("expected mismatch error, got: %v", err)
		}
	})

	t.Run("rejects known host with different key (MITM)", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "known_hosts")
		if err := os.WriteFile(path, []byte(knownHostsLine("192.0.2.1", hostKey(t))), 0o600); err != nil {
			t.Fatal(err)
		}

		cb, err := TOFUHostKeyCallback([]string{path}, "", quietLogger())
		if err != nil {
			t.Fatalf("TOFUHostKeyCallback: %v", err)
		}

		err = cb("192.0.2.1:22", addr, hostKey(t))
		if err == nil || !strings.Contains(err.Error(), "MITM") {
			t.Fatalf("expected MITM detection, got: %v", err)
		}
	})

	t.Run("accepts key from existing known_hosts file", func(t *testing.T) {
		t.Parallel()

		key := hostKey(t)
		path := filepath.Join(t.TempDir(), "known_hosts")
		if err := os.WriteFile(path, []byte(knownHostsLine("192.0.2.1", key)), 0o600); err != nil {
			t.Fatal(err)
		}

		cb, err := TOFUHostKeyCallback([]string{path, filepath.Join(t.TempDir(), "missing")}, "", quietLogger())
		if err != nil {
			t.Fatalf("TOFUHostKeyCallback: %v", err)
		}
		if err := cb("192.0.2.1:22", addr, key); err != nil {
			t.Fatalf("expected existing entry to be accepted: %v", err)
		}
	})

	t.Run("persists accepted key", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "subdir", "known_hosts")
		cb, err := TOFUHostKeyCallback([]string{path}, path, quietLogger())
		if err != nil {
			t.Fatalf("TOFUHostKeyCallback: %v", err)
		}

		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("file not created: %v", err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Errorf("expected file mode 0600, got %o", info.Mode().Perm())
		}

		key := hostKey(t)
		if err := cb("192.0.2.1:22", addr, key); err != nil {
			t.Fatalf("TOFU: %v", err)
		}

		data, err := os.ReadFile(path) //nolint:gosec // Test path from t.TempDir().
		if err != nil {
			t.Fatalf("reading known_hosts: %v", err)
		}
		if !strings.Contains(string(data), "192.0.2.1") {
			t.Fatalf("expected file to contain host, got: %s", data)
		}

		// A fresh callback from the same file now knows the host strictly.
		strict, err := StrictHostKeyCallback([]string{path})
		if err != nil {
			t.Fatalf("StrictHostKeyCallback: %v", err)
		}
		if err := strict("192.0.2.1:22", addr, key); err != nil {
			t.Fatalf("expected persisted key to be accepted: %v", err)
		}
	})
}

func TestStrictHostKeyCallback(t *testing.T) {
	t.Parallel()

	addr := &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 22}
	key := hostKey(t)
	path := filepath.Join(t.TempDir(), "known_hosts")
	if err := os.WriteFile(path, []byte(knownHostsLine("192.0.2.1", key)), 0o600); err != nil {
		t.Fatal(err)
	}

	cb, err := StrictHostKeyCallback([]string{path})
	if err != nil {
		t.Fatalf("StrictHostKeyCallback: %v", err)
	}
	if err := cb("192.0.2.1:22", addr, key); err != nil {
		t.Errorf("known host rejected: %v", err)
	}
	other := &net.TCPAddr{IP: net.ParseIP("192.0.2.2"), Port: 22}
	if err := cb("192.0.2.2:22", other, key); err == nil {
		t.Error("expected unknown host to be rejected")
	}

	none, err := StrictHostKeyCallback(nil)
	if err != nil {
		t.Fatalf("StrictHostKeyCallback: %v", err)
	}
	if err := none("192.0.2.1:22", addr, key); err == nil {
		t.Error("expected rejection without known_hosts files")
	}
}

func TestPinnedHostKeyCallback(t *testing.T) {
	t.Parallel()

	if _, err := PinnedHostKeyCallback(nil); err == nil {
		t.Fatal("expected error for empty fingerprint list")
	}

	addr := &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 22}
	key := hostKey(t)
	fp := ssh.FingerprintSHA256(key)

	for _, pin := range []string{fp, strings.TrimPrefix(fp, "SHA256:")} {
		cb, err := PinnedHostKeyCallback([]string{pin})
		if err != nil {
			t.Fatalf("PinnedHostKeyCallback(%q): %v", pin, err)
		}
		if err := cb("192.0.2.1:22", addr, key); err != nil {
			t.Errorf("pinned key %q rejected: %v", pin, err)
		}
		if err := cb("192.0.2.1:22", addr, hostKey(t)); err == nil {
			t.Errorf("unpinned key accepted with pin %q", pin)
		}
	}
}
