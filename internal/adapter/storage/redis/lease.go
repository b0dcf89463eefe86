package redis

import (
	"context"
	"time"

	"github.com/embedplan/embedplan/internal/core/port"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const leaseKey = "oracle:lease"

type leaseCoordinator struct {
	client redis.UniversalClient
	log    *zap.Logger
}

// NewLeaseCoordinator creates the Redis adapter recording which task holds
// the shared embedding oracle. The lease is advisory: a new task always
// takes over, the record exists so takeovers are observable.
func NewLeaseCoordinator(client redis.UniversalClient, log *zap.Logger) port.LeaseCoordinator {
	return &leaseCoordinator{
		client: client,
		log:    log,
	}
}

func (c *leaseCoordinator) Acquire(ctx context.Context, holder string, ttl time.Duration) (string, error) {
	previous, err := c.client.Get(ctx, leaseKey).Result()
	if err != nil && err != redis.Nil {
		return "", err
	}

	if err := c.client.Set(ctx, leaseKey, holder, ttl).Err(); err != nil {
		return "", err
	}

	if previous != "" && previous != holder {
		c.log.Info("Oracle lease taken over",
			zap.String("holder", holder),
			zap.String("previous", previous))
	}
	return previous, nil
}

// Release deletes the lease only if holder still owns it; a superseding task
// that already overwrote the key is left alone.
func (c *leaseCoordinator) Release(ctx context.Context, holder string) error {
	const script = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
	return c.client.Eval(ctx, script, []string{leaseKey}, holder).Err()
}
