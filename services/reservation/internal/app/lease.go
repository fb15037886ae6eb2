package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLease is a SET NX PX lease. It is never released explicitly; it
// lapses after ttl so the next tick on any replica can take it.
type RedisLease struct {
	client redis.UniversalClient
	key    string
	owner  string
	ttl    time.Duration
}

func NewRedisLease(client redis.UniversalClient, key, owner string, ttl time.Duration) (*RedisLease, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "libreserve:sweep:lease"
	}
	if ttl <= 0 {
		return nil, errors.New("lease ttl must be positive")
	}
	return &RedisLease{client: client, key: key, owner: owner, ttl: ttl}, nil
}

func (l *RedisLease) TryAcquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
}
