package kvstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/miracle2k/xappy-sub001/pkg/errors"
	pkgredis "github.com/miracle2k/xappy-sub001/pkg/redis"
)

const defaultOpTimeout = 5 * time.Second

// RedisStore keeps the cache under a key prefix in Redis. Values never expire;
// removal is a real DEL.
type RedisStore struct {
	client  *pkgredis.Client
	prefix  string
	timeout time.Duration
}

func NewRedisStore(client *pkgredis.Client, prefix string, timeout time.Duration) *RedisStore {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &RedisStore{client: client, prefix: prefix, timeout: timeout}
}

func openRedis(opts Options) (Store, error) {
	if opts.Redis == nil {
		return nil, fmt.Errorf("redis backend: no redis client configured")
	}
	return NewRedisStore(opts.Redis, opts.KeyPrefix, opts.OpTimeout), nil
}

func (s *RedisStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *RedisStore) Get(key []byte) ([]byte, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	v, err := s.client.GetBytes(ctx, s.prefix+string(key))
	if err != nil {
		return nil, apperrors.NewStoreError("redis", "get", err)
	}
	return v, nil
}

func (s *RedisStore) Set(key, value []byte) error {
	ctx, cancel := s.ctx()
	defer cancel()
	if len(value) == 0 {
		return apperrors.NewStoreError("redis", "del", s.client.Del(ctx, s.prefix+string(key)))
	}
	return apperrors.NewStoreError("redis", "set", s.client.Set(ctx, s.prefix+string(key), value, 0))
}

func (s *RedisStore) Delete(key []byte) error {
	return s.Set(key, nil)
}

// Keys scans the prefix. SCAN may repeat a key; callers that need a set must
// deduplicate.
func (s *RedisStore) Keys(fn func(key []byte) error) error {
	ctx, cancel := s.ctx()
	defer cancel()
	var keys []string
	err := s.client.ScanKeys(ctx, s.prefix+"*", func(key string) error {
		keys = append(keys, strings.TrimPrefix(key, s.prefix))
		return nil
	})
	if err != nil {
		return apperrors.NewStoreError("redis", "scan", err)
	}
	for _, k := range keys {
		if err := fn([]byte(k)); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) Flush() error { return nil }

// Close does not close the shared client; its owner does.
func (s *RedisStore) Close() error { return nil }
