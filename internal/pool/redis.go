package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each pool as one JSON document under prefix:owner.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

type RedisOption func(*RedisStore)

func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

func NewRedisStore(rdb redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{rdb: rdb, prefix: "keyrelay:pool"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(owner string) string {
	return s.prefix + ":" + owner
}

func (s *RedisStore) LoadPool(ctx context.Context, owner string) (*Pool, error) {
	if s == nil || s.rdb == nil {
		return nil, errors.New("redis pool store is not initialized")
	}
	raw, err := s.rdb.Get(ctx, s.key(owner)).Bytes()
	if errors.Is(err, redis.Nil) {
		return New(owner), nil
	}
	if err != nil {
		return nil, err
	}
	var p Pool
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode pool %q: %w", owner, err)
	}
	p.Owner = owner
	p.Repair()
	return &p, nil
}

func (s *RedisStore) SavePool(ctx context.Context, p *Pool) error {
	if s == nil || s.rdb == nil {
		return errors.New("redis pool store is not initialized")
	}
	if p == nil || strings.TrimSpace(p.Owner) == "" {
		return errors.New("pool owner is required")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key(p.Owner), raw, 0).Err()
}
