package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// renewScript extends the lease only while this instance still owns it.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// resignScript deletes the lease only while this instance still owns it.
var resignScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// LeaderElector grants a time-bounded lease so only one instance runs a
// singleton job at a time.
type LeaderElector interface {
	// Acquire takes the lease or renews it when this instance already holds it.
	Acquire(ctx context.Context) (bool, error)
	// Resign gives the lease up early.
	Resign(ctx context.Context) error
}

type leaderElector struct {
	client     *redis.Client
	key        string
	instanceID string
	ttl        time.Duration
}

// NewLeaderElector returns a SETNX-based elector for the lease named key.
func NewLeaderElector(client *redis.Client, key, instanceID string, ttl time.Duration) LeaderElector {
	return &leaderElector{client: client, key: "leader:" + key, instanceID: instanceID, ttl: ttl}
}

func (l *leaderElector) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("leader election SetNX %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}

	renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("leader renewal %s: %w", l.key, err)
	}
	return renewed == 1, nil
}

func (l *leaderElector) Resign(ctx context.Context) error {
	if err := resignScript.Run(ctx, l.client, []string{l.key}, l.instanceID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("leader resign %s: %w", l.key, err)
	}
	return nil
}
