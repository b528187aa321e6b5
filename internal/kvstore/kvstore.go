// Package kvstore is the shared key-value store for fingerprint
// deduplication and per-source rate limiting: "aiops:fingerprint:<fp> →
// incidentId" with TTL, and "aiops:ratelimit:<key> → counter" with
// per-window expiry (spec §6).
//
// Both operations fail open: if Redis is unreachable the gateway proceeds
// as though there were no duplicate / no rate limit, because accepting a
// possible duplicate alert is a lesser harm than dropping a real one
// (spec §7).
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fingerprintKeyPrefix = "aiops:fingerprint:"
	ratelimitKeyPrefix   = "aiops:ratelimit:"
)

// Store is the fingerprint/rate-limit key-value store.
type Store interface {
	// CheckAndRegisterFingerprint looks up fingerprint. If an incident id is
	// already registered, it is returned with found=true and no write
	// happens (TTL is deliberately not refreshed — spec §9 open question a).
	// Otherwise incidentID is registered with the given ttl and found=false
	// is returned. On a store failure the call fails open: found=false,
	// err is non-nil for observability but the caller should proceed as if
	// no duplicate exists.
	CheckAndRegisterFingerprint(ctx context.Context, fingerprint, incidentID string, ttl time.Duration) (existingIncidentID string, found bool, err error)

	// Allow increments the fixed-window counter for key and reports whether
	// the request is within limit for the current windowSeconds bucket. On
	// a store failure it fails open (allowed=true).
	Allow(ctx context.Context, key string, limit int, windowSeconds int) (allowed bool, remaining int, err error)

	Ping(ctx context.Context) error
	Close() error
}

// redisStore implements Store using go-redis.
type redisStore struct {
	client *redis.Client
}

// New creates a Store backed by the Redis instance at addr/db.
func New(addr string, db int) Store {
	return &redisStore{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   db,
		}),
	}
}

// NewFromClient wraps an existing *redis.Client, used by tests with
// miniredis.
func NewFromClient(client *redis.Client) Store {
	return &redisStore{client: client}
}

func (s *redisStore) CheckAndRegisterFingerprint(ctx context.Context, fingerprint, incidentID string, ttl time.Duration) (string, bool, error) {
	key := fingerprintKeyPrefix + fingerprint

	ok, err := s.client.SetNX(ctx, key, incidentID, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("kvstore: fingerprint check failed, failing open: %w", err)
	}
	if ok {
		return "", false, nil
	}

	existing, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// raced with expiry between SetNX and Get; treat as not a duplicate
			return "", false, nil
		}
		return "", false, fmt.Errorf("kvstore: fingerprint lookup failed, failing open: %w", err)
	}
	return existing, true, nil
}

func (s *redisStore) Allow(ctx context.Context, key string, limit int, windowSeconds int) (bool, int, error) {
	rlKey := fmt.Sprintf("%s%s:%d", ratelimitKeyPrefix, key, time.Now().Unix()/int64(windowSeconds))

	count, err := s.client.Incr(ctx, rlKey).Result()
	if err != nil {
		return true, limit, fmt.Errorf("kvstore: rate limit check failed, failing open: %w", err)
	}
	if count == 1 {
		s.client.Expire(ctx, rlKey, time.Duration(windowSeconds)*time.Second)
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return count <= int64(limit), remaining, nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
