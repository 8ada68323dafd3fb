package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal interface of a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// RedisPingResult is the minimal return type of a Redis client's Ping.
type RedisPingResult interface{ Err() error }

// RedisClient is the slice of a Redis client readiness needs.
type RedisClient interface {
	Ping(ctx context.Context) RedisPingResult
}

// BuildReadinessChecks returns the db and redis probes wired into
// /readyz. The redis check is nil when the pub/sub bridge is disabled,
// which skips the probe entirely.
func BuildReadinessChecks(pool Pinger, rdb RedisClient) (db, redis func(ctx context.Context) error) {
	db = func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	if rdb != nil {
		redis = func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}
	}
	return db, redis
}
