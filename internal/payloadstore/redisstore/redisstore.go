// Package redisstore is the shared-KV payload store adapter: a key prefix
// plus an optional TTL, built on github.com/redis/go-redis/v9.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const defaultPrefix = "async_http:payload:"

type Store struct {
	rdb    *goredis.Client
	prefix string
	ttl    time.Duration
}

type Option func(*Store)

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithTTL sets an expiration on stored payloads. Operators should set this
// at or beyond their longest callback-retry horizon so a payload doesn't
// expire before a retried callback job resolves its body_ref.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

func New(rdb *goredis.Client, opts ...Option) *Store {
	s := &Store{rdb: rdb, prefix: defaultPrefix}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) GenerateKey() string { return uuid.NewString() }

func (s *Store) fullKey(key string) string { return s.prefix + key }

func (s *Store) Store(ctx context.Context, key string, data []byte) error {
	if err := s.rdb.Set(ctx, s.fullKey(key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redisstore: set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Fetch(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.rdb.Get(ctx, s.fullKey(key)).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redisstore: get %s: %w", key, err)
	}
	return data, true, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.fullKey(key)).Err(); err != nil {
		return fmt.Errorf("redisstore: del %s: %w", key, err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.fullKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redisstore: exists %s: %w", key, err)
	}
	return n > 0, nil
}
