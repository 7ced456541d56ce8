package ssh

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/die-net/redistunnel/internal/testutil"
)

func TestLoadPrivateKey(t *testing.T) {
	t.Parallel()

	key, signer := testutil.GenerateKey(t)
	want := signer.PublicKey().Marshal()

	tests := []struct {
		name       string
		path       string
		passphrase string
		wantErr    string
	}{
		{
			name: "plain key",
			path: testutil.WriteKeyFile(t, key, ""),
		},
		{
			name:       "encrypted key with passphrase",
			path:       testutil.WriteKeyFile(t, key, "s3cret"),
			passphrase: "s3cret",
		},
		{
			name:    "encrypted key without passphrase",
			path:    testutil.WriteKeyFile(t, key, "s3cret"),
			wantErr: "no passphrase",
		},
		{
			name:       "wrong passphrase",
			path:       testutil.WriteKeyFile(t, key, "s3cret"),
			passphrase: "nope",
			wantErr:    "parsing key file",
		},
		{
			name:    "missing file",
			path:    filepath.Join(t.TempDir(), "absent"),
			wantErr: "reading key file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := LoadPrivateKey(tt.path, tt.passphrase)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got: %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadPrivateKey: %v", err)
			}
			if !bytes.Equal(got.PublicKey().Marshal(), want) {
				t.Fatal("loaded key does not match generated key")
			}
		})
	}
}

func TestParsePrivateKeyGarbage(t *testing.T) {
	t.Parallel()

	if _, err := ParsePrivateKey([]byte("not a key"), ""); err == nil {
		t.Fatal("expected error parsing garbage")
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	got, err := ExpandPath("~/.ssh/id_rsa")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, ".ssh", "id_rsa"); got != want {
		t.Fatalf("got %q want %q", got, want)
	}

	if got, _ := ExpandPath("/etc/ssh/key"); got != "/etc/ssh/key" {
		t.Fatalf("absolute path changed: %q", got)
	}
}
