package testutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
)

// GenerateKey returns a fresh Ed25519 private key and its signer.
func GenerateKey(t *testing.T) (ed25519.PrivateKey, ssh.Signer) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return priv, signer
}

// MarshalKey encodes key in OpenSSH PEM format, encrypted if passphrase is
// non-empty.
func MarshalKey(t *testing.T, key ed25519.PrivateKey, passphrase string) []byte {
	t.Helper()

	var (
		block *pem.Block
		err   error
	)
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(key, "")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(key, "", []byte(passphrase))
	}
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(block)
}

// WriteKeyFile writes key in OpenSSH PEM format into a temp dir and returns
// the file path.
func WriteKeyFile(t *testing.T, key ed25519.PrivateKey, passphrase string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, MarshalKey(t, key, passphrase), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}
