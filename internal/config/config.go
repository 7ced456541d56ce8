// Package config loads redistunnel settings from flags, environment variables
// (REDISTUNNEL_SSH_HOST and so on) and an optional config file, and resolves
// the OS-derived defaults once so the library never reads them itself.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/die-net/redistunnel"
)

// EnvPrefix is prepended to upper-cased flag names to form environment
// variable names.
const EnvPrefix = "REDISTUNNEL"

type Config struct {
	ConfigFile string `mapstructure:"config"`

	SSHHost            string        `mapstructure:"ssh-host"`
	SSHPort            int           `mapstructure:"ssh-port"`
	SSHUser            string        `mapstructure:"ssh-user"`
	SSHKey             string        `mapstructure:"ssh-key"`
	SSHKeyPassphrase   string        `mapstructure:"ssh-key-passphrase"`
	SSHPassword        string        `mapstructure:"ssh-password"`
	SSHKnownHosts      []string      `mapstructure:"ssh-known-hosts"`
	SSHTrust           string        `mapstructure:"ssh-trust"`
	SSHFingerprints    []string      `mapstructure:"ssh-fingerprint"`
	SSHPersistHostKeys bool          `mapstructure:"ssh-persist-host-keys"`
	SSHShared          bool          `mapstructure:"ssh-shared"`
	DialTimeout        time.Duration `mapstructure:"dial-timeout"`
	HandshakeTimeout   time.Duration `mapstructure:"handshake-timeout"`
	TCPKeepAlive       string        `mapstructure:"tcp-keepalive"`

	RemoteHost string `mapstructure:"remote-host"`
	RemotePort int    `mapstructure:"remote-port"`

	Listen   string `mapstructure:"listen"`
	MaxConns int    `mapstructure:"max-conns"`
	Ping     bool   `mapstructure:"ping"`

	RedisPassword string `mapstructure:"redis-password"`
	RedisDB       int    `mapstructure:"redis-db"`

	LogLevel string `mapstructure:"log-level"`
}

// RegisterFlags adds every setting to fs. Defaults that depend on the invoking
// user (login name, key file, known_hosts) are computed here.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Optional config file (yaml, toml, json); flags and environment override it")

	fs.String("ssh-host", "", "SSH jump host. Required.")
	fs.Int("ssh-port", redistunnel.DefaultSSHPort, "SSH port")
	fs.String("ssh-user", redistunnel.DefaultUser(), "SSH login name")
	fs.String("ssh-key", redistunnel.DefaultKeyPath(), "Private key file, or 'agent' for the SSH agent. Empty disables key auth.")
	fs.String("ssh-key-passphrase", "", "Passphrase for an encrypted private key")
	fs.String("ssh-password", "", "SSH password, offered after the key")
	fs.StringSlice("ssh-known-hosts", redistunnel.DefaultKnownHostsFiles(), "known_hosts files used for host key verification")
	fs.String("ssh-trust", redistunnel.TrustOnFirstUse.String(), "Host key policy: strict | tofu | pinned | insecure")
	fs.StringSlice("ssh-fingerprint", nil, "Allowed SHA256 host key fingerprint for --ssh-trust=pinned (repeatable)")
	fs.Bool("ssh-persist-host-keys", false, "With --ssh-trust=tofu, append newly trusted host keys to the first known_hosts file")
	fs.Bool("ssh-shared", true, "Multiplex all store connections over one SSH session")
	fs.Duration("dial-timeout", 10*time.Second, "Timeout for the TCP connect to the SSH host")
	fs.Duration("handshake-timeout", 10*time.Second, "Timeout for the SSH handshake")
	fs.String("tcp-keepalive", "45:45:3", "TCP keepalive to the SSH host: on|off|keepidle:keepintvl:keepcnt")

	fs.String("remote-host", redistunnel.DefaultRemoteHost, "Store host as seen from the SSH host")
	fs.Int("remote-port", redistunnel.DefaultRemotePort, "Store port as seen from the SSH host")

	fs.String("listen", "127.0.0.1:16379", "Local address to forward to the store")
	fs.Int("max-conns", redistunnel.DefaultMaxConns, "Maximum concurrent tunneled connections")
	fs.Bool("ping", false, "Send one PING through the tunnel and exit instead of forwarding")

	fs.String("redis-password", "", "Store password used by --ping")
	fs.Int("redis-db", 0, "Store database used by --ping")

	fs.String("log-level", "info", "Log level: debug | info | warn | error")
}

// Load merges fs with the environment and the optional config file.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if cfg.SSHHost == "" {
		return nil, errors.New("missing ssh host (set --ssh-host or REDISTUNNEL_SSH_HOST)")
	}
	return &cfg, nil
}

// Logger returns a logger at the configured level.
func (c *Config) Logger() (*log.Logger, error) {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	logger := log.Default().With()
	logger.SetLevel(level)
	return logger, nil
}

// PoolConfig converts the settings into a redistunnel.PoolConfig.
func (c *Config) PoolConfig(logger *log.Logger) (redistunnel.PoolConfig, error) {
	trust, err := redistunnel.ParseTrustPolicy(c.SSHTrust)
	if err != nil {
		return redistunnel.PoolConfig{}, err
	}

	ka, err := ParseTCPKeepAlive(c.TCPKeepAlive)
	if err != nil {
		return redistunnel.PoolConfig{}, fmt.Errorf("invalid tcp-keepalive: %w", err)
	}

	if c.MaxConns < 0 || c.MaxConns > int(^uint32(0)>>1) {
		return redistunnel.PoolConfig{}, fmt.Errorf("invalid max-conns %d", c.MaxConns)
	}

	ssh := redistunnel.SessionConfig{
		Host:               c.SSHHost,
		Port:               c.SSHPort,
		User:               c.SSHUser,
		Passphrase:         c.SSHKeyPassphrase,
		Password:           c.SSHPassword,
		TrustPolicy:        trust,
		KnownHostsFiles:    c.SSHKnownHosts,
		PersistHostKeys:    c.SSHPersistHostKeys,
		PinnedFingerprints: c.SSHFingerprints,
		DialTimeout:        c.DialTimeout,
		HandshakeTimeout:   c.HandshakeTimeout,
		KeepAlive:          ka,
		Logger:             logger,
	}
	if c.SSHKey != "" {
		ssh.Key = c.SSHKey
	}

	return redistunnel.PoolConfig{
		Conn: redistunnel.ConnConfig{
			SSH:    ssh,
			Target: redistunnel.ForwardTarget{Host: c.RemoteHost, Port: c.RemotePort},
		},
		DisableSharing: !c.SSHShared,
		MaxConns:       int32(c.MaxConns), //nolint:gosec // Range checked above.
	}, nil
}

// ParseTCPKeepAlive parses on | off | keepidle:keepintvl:keepcnt, with the
// first two fields in seconds.
func ParseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositive(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositive(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositive(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     time.Duration(keepIdle) * time.Second,
		Interval: time.Duration(keepIntvl) * time.Second,
		Count:    keepCnt,
	}, nil
}

func parsePositive(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
