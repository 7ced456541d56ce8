package ssh

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// StrictHostKeyCallback accepts only host keys listed in the given
// known_hosts files. Files that don't exist are skipped; with no usable file
// every host is rejected.
func StrictHostKeyCallback(files []string) (ssh.HostKeyCallback, error) {
	known, err := loadKnownHosts(files)
	if err != nil {
		return nil, err
	}
	if known == nil {
		return func(hostname string, _ net.Addr, _ ssh.PublicKey) error {
			return fmt.Errorf("host key for %s not found: no known_hosts files available", hostname)
		}, nil
	}
	return known, nil
}

// TOFUHostKeyCallback verifies host keys against the given known_hosts files,
// accepting unknown hosts on first connection (trust on first use / TOFU).
//
// Accepted keys are remembered for the lifetime of the returned callback, so a
// later reconnect to the same host must present the same key. If persistPath
// is non-empty the accepted key is also appended to that file, which is
// created (along with its parent directory) if needed.
func TOFUHostKeyCallback(files []string, persistPath string, logger *log.Logger) (ssh.HostKeyCallback, error) {
	if persistPath != "" {
		if err := ensureKnownHostsFile(persistPath); err != nil {
			return nil, err
		}
	}

	known, err := loadKnownHosts(files)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = log.Default()
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]ssh.PublicKey)
	)
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if known != nil {
			err := known(hostname, remote, key)
			if err == nil {
				return nil
			}

			// Only a "key not found" error means the host is unknown.
			var keyErr *knownhosts.KeyError
			if !errors.As(err, &keyErr) {
				return err
			}

			// If Want is non-empty, the host exists but with a different key.
			// This is a potential MITM attack - reject it.
			if len(keyErr.Want) > 0 {
				return fmt.Errorf("host key mismatch for %s (possible MITM attack): %w", hostname, err)
			}
		}

		host := knownhosts.Normalize(hostname)

		mu.Lock()
		defer mu.Unlock()

		if prev, ok := seen[host]; ok {
			if !bytes.Equal(prev.Marshal(), key.Marshal()) {
				return fmt.Errorf("host key mismatch for %s (possible MITM attack): key changed since first use", hostname)
			}
			return nil
		}

		if persistPath != "" {
			if err := appendKnownHost(persistPath, host, key); err != nil {
				return err
			}
		}
		seen[host] = key

		logger.Info("ssh: trusting host key on first use", "host", hostname, "fingerprint", ssh.FingerprintSHA256(key))
		return nil
	}, nil
}

// PinnedHostKeyCallback accepts only host keys whose SHA256 fingerprint (as
// printed by ssh-keygen -l, e.g. "SHA256:...") is in fingerprints.
func PinnedHostKeyCallback(fingerprints []string) (ssh.HostKeyCallback, error) {
	if len(fingerprints) == 0 {
		return nil, errors.New("pinned host key policy requires at least one fingerprint")
	}

	allowed := make(map[string]struct{}, len(fingerprints))
	for _, fp := range fingerprints {
		fp = strings.TrimSpace(fp)
		if !strings.HasPrefix(fp, "SHA256:") {
			fp = "SHA256:" + fp
		}
		allowed[fp] = struct{}{}
	}

	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		fp := ssh.FingerprintSHA256(key)
		if _, ok := allowed[fp]; !ok {
			return fmt.Errorf("host key for %s has unpinned fingerprint %s", hostname, fp)
		}
		return nil
	}, nil
}

// loadKnownHosts builds a knownhosts callback from the files that exist. It
// returns a nil callback if none do.
func loadKnownHosts(files []string) (ssh.HostKeyCallback, error) {
	var existing []string
	for _, f := range files {
		path, err := ExpandPath(f)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(path); err == nil {
			existing = append(existing, path)
		}
	}
	if len(existing) == 0 {
		return nil, nil
	}

	cb, err := knownhosts.New(existing...)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts: %w", err)
	}
	return cb, nil
}

func ensureKnownHostsFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating known_hosts directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
		if err != nil {
			return fmt.Errorf("creating known_hosts file: %w", err)
		}
		_ = f.Close()
	}
	return nil
}

func appendKnownHost(path, host string, key ssh.PublicKey) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return fmt.Errorf("opening known_hosts for writing: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(knownhosts.Line([]string{host}, key) + "\n"); err != nil {
		return fmt.Errorf("writing to known_hosts: %w", err)
	}
	return nil
}
