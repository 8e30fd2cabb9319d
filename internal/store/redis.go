package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis wraps the client used to carry sync nudges between processes.
type Redis struct {
	Client  *redis.Client
	timeout time.Duration
}

// NewRedis builds a client with short timeouts; a missing server only delays
// nudges. Health checks give up after timeout, two seconds when zero.
func NewRedis(addr string, timeout time.Duration) *Redis {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	return &Redis{Client: client, timeout: timeout}
}

// Healthy verifies redis answers a ping within the health check timeout.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.Client.Ping(pingCtx).Err() == nil
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}
