package redistunnel

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/crypto/ssh"

	internalssh "github.com/die-net/redistunnel/internal/ssh"
)

// TrustPolicy selects how a Session verifies the SSH server's host key.
type TrustPolicy int

const (
	// TrustOnFirstUse consults the known_hosts files, accepts a host that is
	// not listed and remembers its key for the Session's lifetime. A host whose
	// key differs from a listed or remembered one is rejected. Acceptance is
	// logged at info level.
	TrustOnFirstUse TrustPolicy = iota
	// TrustStrict accepts only hosts listed in the known_hosts files.
	TrustStrict
	// TrustPinned accepts only keys whose SHA256 fingerprint is listed in
	// SessionConfig.PinnedFingerprints.
	TrustPinned
	// TrustInsecure accepts any host key.
	TrustInsecure
)

func (p TrustPolicy) String() string {
	switch p {
	case TrustOnFirstUse:
		return "tofu"
	case TrustStrict:
		return "strict"
	case TrustPinned:
		return "pinned"
	case TrustInsecure:
		return "insecure"
	default:
		return fmt.Sprintf("TrustPolicy(%d)", int(p))
	}
}

// ParseTrustPolicy parses the names returned by TrustPolicy.String.
func ParseTrustPolicy(s string) (TrustPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tofu", "trust-on-first-use", "":
		return TrustOnFirstUse, nil
	case "strict":
		return TrustStrict, nil
	case "pinned":
		return TrustPinned, nil
	case "insecure":
		return TrustInsecure, nil
	default:
		return 0, fmt.Errorf("%w: unknown trust policy %q (want strict, tofu, pinned, or insecure)", ErrConfiguration, s)
	}
}

func (p TrustPolicy) hostKeyCallback(cfg *SessionConfig, logger *log.Logger) (ssh.HostKeyCallback, error) {
	var (
		cb  ssh.HostKeyCallback
		err error
	)
	switch p {
	case TrustOnFirstUse:
		var persist string
		if cfg.PersistHostKeys && len(cfg.KnownHostsFiles) > 0 {
			persist, err = internalssh.ExpandPath(cfg.KnownHostsFiles[0])
			if err != nil {
				break
			}
		}
		cb, err = internalssh.TOFUHostKeyCallback(cfg.KnownHostsFiles, persist, logger)
	case TrustStrict:
		cb, err = internalssh.StrictHostKeyCallback(cfg.KnownHostsFiles)
	case TrustPinned:
		cb, err = internalssh.PinnedHostKeyCallback(cfg.PinnedFingerprints)
	case TrustInsecure:
		cb = ssh.InsecureIgnoreHostKey() //nolint:gosec // Caller explicitly disabled host key checking.
	default:
		err = fmt.Errorf("unknown trust policy %v", p)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: host key policy %s: %w", ErrConfiguration, p, err)
	}
	return cb, nil
}
