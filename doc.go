// Package redistunnel carries Redis client connections over SSH "direct-tcpip"
// channels, for data stores that are only reachable through a jump host.
//
// A [Session] owns one authenticated SSH transport. It connects lazily, on the
// first [Session.EnsureConnected] or [Session.OpenChannel] call, and reconnects
// lazily when a later call finds the transport dead. A [Conn] is a net.Conn
// backed by one forwarded channel; it either owns a private Session or borrows
// a shared one. A [Pool] hands out Conns that all borrow the same Session, so
// many store connections multiplex over a single SSH login.
//
// Features:
//   - Lazy connection: nothing touches the network before Connect
//   - Session sharing: one SSH transport for every pooled connection
//   - Credentials: key file path, key bytes, ssh.Signer, or the SSH agent
//   - Host key policies: strict, trust on first use (default), pinned fingerprints
//   - No hidden retries: failures are returned to the caller, wrapped in one of
//     the package's error kinds
//
// Example usage:
//
//	pool, _ := redistunnel.NewPool(redistunnel.PoolConfig{
//	    Conn: redistunnel.ConnConfig{
//	        SSH: redistunnel.SessionConfig{
//	            Host: "jump.example.com",
//	            User: "deploy",
//	            Key:  "~/.ssh/id_ed25519",
//	        },
//	    },
//	})
//	defer pool.Close()
//
//	rdb := redistunnel.NewRedisClient(pool, &redis.Options{})
//	err := rdb.Ping(ctx).Err()
package redistunnel
