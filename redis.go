package redistunnel

import (
	"github.com/redis/go-redis/v9"
)

// RedisOptions returns a copy of opts whose connections are dialed through
// pool. go-redis keeps its own connection pool on top; every connection it
// dials borrows the pool's shared Session when sharing is enabled.
//
// An empty opts.Addr defaults to the pool's forward target. Because SSH
// channels reject deadlines, zero read and write timeouts are set to -2 so
// go-redis never calls SetReadDeadline or SetWriteDeadline; bound commands
// with their context instead.
func RedisOptions(pool *Pool, opts *redis.Options) *redis.Options {
	o := &redis.Options{}
	if opts != nil {
		cp := *opts
		o = &cp
	}
	if o.Addr == "" {
		o.Addr = pool.conn.Target.withDefaults().String()
	}
	o.Network = "tcp"
	o.Dialer = pool.DialContext
	if o.ReadTimeout == 0 {
		o.ReadTimeout = -2
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = -2
	}
	return o
}

// NewRedisClient returns a go-redis client whose connections tunnel through
// pool. See RedisOptions.
func NewRedisClient(pool *Pool, opts *redis.Options) *redis.Client {
	return redis.NewClient(RedisOptions(pool, opts))
}
