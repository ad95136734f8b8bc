package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps entries as JSON strings. Expiry is delegated to key TTLs.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("idempotency: redis client is required")
	}
	if prefix == "" {
		prefix = "idem"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) key(key string) string {
	return fmt.Sprintf("%s:%s", s.prefix, key)
}

func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, lockTTL time.Duration) (Reservation, error) {
	pending := pendingEntry(fingerprint, now, lockTTL)
	data, err := json.Marshal(pending)
	if err != nil {
		return Reservation{}, err
	}
	// Two passes cover a key that expires between SETNX and GET.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.client.SetNX(ctx, s.key(key), data, pending.ExpiresAt.Sub(now.UTC())).Result()
		if err != nil {
			return Reservation{}, err
		}
		if ok {
			return Reservation{State: StateNew}, nil
		}
		raw, err := s.client.Get(ctx, s.key(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Reservation{}, err
		}
		var existing Entry
		if err := json.Unmarshal(raw, &existing); err != nil {
			return Reservation{}, fmt.Errorf("idempotency: decode entry: %w", err)
		}
		return resolve(existing, fingerprint)
	}
	return Reservation{State: StateInFlight}, nil
}

// Complete overwrites the reservation only while it still belongs to the same fingerprint.
func (s *RedisStore) Complete(ctx context.Context, key string, entry Entry, now time.Time, ttl time.Duration) error {
	done := completedEntry(entry, now, ttl)
	data, err := json.Marshal(done)
	if err != nil {
		return err
	}
	redisKey := s.key(key)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, redisKey).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var existing Entry
			if err := json.Unmarshal(raw, &existing); err == nil && existing.Fingerprint != entry.Fingerprint {
				return ErrFingerprintMismatch
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, data, done.ExpiresAt.Sub(now.UTC()))
			return nil
		})
		return err
	}, redisKey)
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}
