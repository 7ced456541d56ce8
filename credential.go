package redistunnel

import (
	"fmt"

	"golang.org/x/crypto/ssh"

	internalssh "github.com/die-net/redistunnel/internal/ssh"
)

// AgentKey is the SessionConfig.Key value that selects the SSH agent at
// SSH_AUTH_SOCK instead of a key file.
const AgentKey = internalssh.AgentAuthType

// resolveSigners turns SessionConfig.Key into signers. The accepted forms are:
//   - string: path to a private key file ("~/" is expanded), or AgentKey
//   - []byte: private key material in memory
//   - ssh.Signer or []ssh.Signer: used as-is
//
// A nil key is allowed only when password authentication is configured. The
// returned release func must be called once authentication is over; it
// closes the agent connection when the key came from the agent.
func resolveSigners(key any, passphrase string, havePassword bool) ([]ssh.Signer, func(), error) {
	switch k := key.(type) {
	case nil:
		if havePassword {
			return nil, noRelease, nil
		}
		return nil, noRelease, fmt.Errorf("%w: no ssh key or password configured", ErrConfiguration)
	case string:
		if k == AgentKey {
			signers, agentConn, err := internalssh.AgentSigners()
			if err != nil {
				return nil, noRelease, fmt.Errorf("%w: %w", ErrCredential, err)
			}
			return signers, func() { _ = agentConn.Close() }, nil
		}
		signer, err := internalssh.LoadPrivateKey(k, passphrase)
		if err != nil {
			return nil, noRelease, fmt.Errorf("%w: %w", ErrCredential, err)
		}
		return []ssh.Signer{signer}, noRelease, nil
	case []byte:
		signer, err := internalssh.ParsePrivateKey(k, passphrase)
		if err != nil {
			return nil, noRelease, fmt.Errorf("%w: parsing key bytes: %w", ErrCredential, err)
		}
		return []ssh.Signer{signer}, noRelease, nil
	case ssh.Signer:
		return []ssh.Signer{k}, noRelease, nil
	case []ssh.Signer:
		if len(k) == 0 {
			return nil, noRelease, fmt.Errorf("%w: empty signer list", ErrConfiguration)
		}
		return k, noRelease, nil
	default:
		return nil, noRelease, fmt.Errorf("%w: ssh key of type %T is not supported; use a string (path to a private key file), []byte (private key contents), or an ssh.Signer", ErrConfiguration, key)
	}
}

func noRelease() {}
