package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/die-net/redistunnel"
)

func newFlagSet(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatal(err)
	}
	return fs
}

func TestLoadFlags(t *testing.T) {
	fs := newFlagSet(t,
		"--ssh-host=jump.example",
		"--ssh-port=2222",
		"--ssh-user=deploy",
		"--ssh-key=agent",
		"--ssh-trust=pinned",
		"--ssh-fingerprint=SHA256:abc",
		"--ssh-fingerprint=SHA256:def",
		"--ssh-shared=false",
		"--remote-port=6380",
		"--max-conns=4",
		"--dial-timeout=3s",
	)

	cfg, err := Load(fs)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.SSHHost != "jump.example" || cfg.SSHPort != 2222 || cfg.SSHUser != "deploy" {
		t.Fatalf("ssh settings = %+v", cfg)
	}
	if cfg.DialTimeout != 3*time.Second {
		t.Errorf("DialTimeout = %v", cfg.DialTimeout)
	}
	if len(cfg.SSHFingerprints) != 2 {
		t.Errorf("SSHFingerprints = %q", cfg.SSHFingerprints)
	}
	if cfg.RemoteHost != redistunnel.DefaultRemoteHost {
		t.Errorf("RemoteHost = %q", cfg.RemoteHost)
	}

	pc, err := cfg.PoolConfig(log.New(os.Stderr))
	if err != nil {
		t.Fatal(err)
	}
	if !pc.DisableSharing || pc.MaxConns != 4 {
		t.Errorf("pool config = %+v", pc)
	}
	if pc.Conn.SSH.TrustPolicy != redistunnel.TrustPinned {
		t.Errorf("TrustPolicy = %s", pc.Conn.SSH.TrustPolicy)
	}
	if pc.Conn.SSH.Key != redistunnel.AgentKey {
		t.Errorf("Key = %v", pc.Conn.SSH.Key)
	}
	if got, want := pc.Conn.Target, (redistunnel.ForwardTarget{Host: "127.0.0.1", Port: 6380}); got != want {
		t.Errorf("Target = %v, want %v", got, want)
	}
	if !pc.Conn.SSH.KeepAlive.Enable || pc.Conn.SSH.KeepAlive.Idle != 45*time.Second {
		t.Errorf("KeepAlive = %+v", pc.Conn.SSH.KeepAlive)
	}
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("REDISTUNNEL_SSH_HOST", "env.example")
	t.Setenv("REDISTUNNEL_REMOTE_HOST", "10.0.0.9")
	t.Setenv("REDISTUNNEL_SSH_SHARED", "false")

	cfg, err := Load(newFlagSet(t, "--remote-host=10.0.0.7"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SSHHost != "env.example" {
		t.Errorf("SSHHost = %q, want value from environment", cfg.SSHHost)
	}
	if cfg.RemoteHost != "10.0.0.7" {
		t.Errorf("RemoteHost = %q, want the explicit flag to win", cfg.RemoteHost)
	}
	if cfg.SSHShared {
		t.Error("SSHShared = true, want false from environment")
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redistunnel.yaml")
	data := []byte("ssh-host: file.example\nssh-user: ops\nremote-port: 6390\nssh-key: \"\"\nssh-password: hunter2\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(newFlagSet(t, "--config="+path, "--ssh-user=cli"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SSHHost != "file.example" || cfg.RemotePort != 6390 {
		t.Errorf("config file values not loaded: %+v", cfg)
	}
	if cfg.SSHUser != "cli" {
		t.Errorf("SSHUser = %q, want flag to override file", cfg.SSHUser)
	}

	pc, err := cfg.PoolConfig(nil)
	if err != nil {
		t.Fatal(err)
	}
	if pc.Conn.SSH.Key != nil {
		t.Errorf("Key = %v, want nil when disabled", pc.Conn.SSH.Key)
	}
	if pc.Conn.SSH.Password != "hunter2" {
		t.Errorf("Password not carried over")
	}
}

func TestLoadErrors(t *testing.T) {
	t.Setenv("REDISTUNNEL_SSH_HOST", "")

	if _, err := Load(newFlagSet(t)); err == nil {
		t.Error("Load without ssh host: expected error")
	}
	if _, err := Load(newFlagSet(t, "--ssh-host=h", "--config="+filepath.Join(t.TempDir(), "missing.yaml"))); err == nil {
		t.Error("Load with missing config file: expected error")
	}

	for _, args := range [][]string{
		{"--ssh-host=h", "--ssh-trust=maybe"},
		{"--ssh-host=h", "--tcp-keepalive=1:2"},
		{"--ssh-host=h", "--max-conns=-1"},
	} {
		cfg, err := Load(newFlagSet(t, args...))
		if err != nil {
			t.Fatalf("Load(%q): %v", args, err)
		}
		if _, err := cfg.PoolConfig(nil); err == nil {
			t.Errorf("PoolConfig(%q): expected error", args)
		}
	}

	cfg, err := Load(newFlagSet(t, "--ssh-host=h", "--log-level=loud"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cfg.Logger(); err == nil {
		t.Error("Logger with bad level: expected error")
	}
}

func TestParseTCPKeepAlive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    net.KeepAliveConfig
		wantErr bool
	}{
		{in: "on", want: net.KeepAliveConfig{Enable: true}},
		{in: " OFF ", want: net.KeepAliveConfig{}},
		{in: "45:45:3", want: net.KeepAliveConfig{Enable: true, Idle: 45 * time.Second, Interval: 45 * time.Second, Count: 3}},
		{in: "10: 5 :2", want: net.KeepAliveConfig{Enable: true, Idle: 10 * time.Second, Interval: 5 * time.Second, Count: 2}},
		{in: "", wantErr: true},
		{in: "1:2", wantErr: true},
		{in: "0:1:1", wantErr: true},
		{in: "1:x:1", wantErr: true},
		{in: "1:1:-3", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseTCPKeepAlive(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseTCPKeepAlive(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTCPKeepAlive(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTCPKeepAlive(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}
