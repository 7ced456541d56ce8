// Package ssh holds the low-level SSH plumbing behind redistunnel sessions.
//
// It knows how to turn key material into signers, how to verify host keys
// under the supported trust policies, and how to run a client handshake over
// an already dialed net.Conn. It keeps no connection state of its own; the
// lazily connected, shared transport lives in the redistunnel package.
//
// Host key verification:
//   - Strict: only keys found in the known_hosts files are accepted
//   - Trust on first use (TOFU): unknown hosts are accepted and remembered,
//     changed keys are rejected
//   - Pinned: the key's SHA256 fingerprint must be in an allow list
package ssh
