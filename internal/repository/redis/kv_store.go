package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"app-security/internal/client"
	"app-security/internal/repository"
	"app-security/internal/util"
)

const opTimeout = 5 * time.Second

// KVStore keeps plain settings in Redis under a per-device prefix. Used when
// the security core runs as a shared agent (kiosk fleets, test rigs) rather
// than on a single handset.
type KVStore struct {
	client *client.RedisClient
	prefix string
	logger *zap.Logger
}

func NewKVStore(c *client.RedisClient, prefix string, logger *zap.Logger) *KVStore {
	return &KVStore{client: c, prefix: prefix, logger: util.OrNop(logger)}
}

func (s *KVStore) key(k string) string {
	return s.prefix + k
}

func (s *KVStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	v, err := s.client.Get(ctx, s.key(key))
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return "", repository.ErrNotFound
		}
		s.logger.Error("Failed to get setting",
			zap.String("key", key),
			zap.Error(err))
		return "", fmt.Errorf("%w: %v", repository.ErrUnavailable, err)
	}
	return v, nil
}

func (s *KVStore) Set(ctx context.Context, key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Set(ctx, s.key(key), value, 0); err != nil {
		s.logger.Error("Failed to set setting",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("%w: %v", repository.ErrUnavailable, err)
	}
	s.logger.Debug("Setting stored", zap.String("key", key))
	return nil
}

func (s *KVStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err := s.client.Del(ctx, full...); err != nil {
		s.logger.Error("Failed to delete settings",
			zap.Strings("keys", keys),
			zap.Error(err))
		return fmt.Errorf("%w: %v", repository.ErrUnavailable, err)
	}
	return nil
}

// Close is a no-op; the Redis client is owned by the factory.
func (s *KVStore) Close() error {
	return nil
}
