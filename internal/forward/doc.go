// Package forward exposes a tunneled store on a local TCP port.
//
// Each accepted local connection checks out a Conn from a redistunnel.Pool
// and is spliced to it byte for byte, the same as "ssh -L" would do, except
// that every forwarded connection shares the pool's SSH session.
package forward
