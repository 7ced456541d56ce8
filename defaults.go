package redistunnel

import (
	"os"
	"os/user"
	"path/filepath"
)

const (
	// DefaultSSHPort is used when SessionConfig.Port is zero.
	DefaultSSHPort = 22
	// DefaultRemoteHost is used when ForwardTarget.Host is empty.
	DefaultRemoteHost = "127.0.0.1"
	// DefaultRemotePort is used when ForwardTarget.Port is zero.
	DefaultRemotePort = 6379
)

// The helpers below read the environment of the invoking OS user. Sessions
// never call them on their own; a config loader resolves them once and puts
// the results in SessionConfig.

// DefaultUser returns the login name of the invoking user, or "" if it cannot
// be determined.
func DefaultUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

// DefaultKeyPath returns the first conventional private key file that exists
// under ~/.ssh, falling back to ~/.ssh/id_rsa. It returns "" if the home
// directory is unknown.
func DefaultKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		path := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return filepath.Join(home, ".ssh", "id_rsa")
}

// DefaultKnownHostsFiles returns the user and system known_hosts locations.
// Missing files are ignored when host keys are checked.
func DefaultKnownHostsFiles() []string {
	var files []string
	if home, err := os.UserHomeDir(); err == nil {
		files = append(files, filepath.Join(home, ".ssh", "known_hosts"))
	}
	return append(files, "/etc/ssh/ssh_known_hosts")
}
