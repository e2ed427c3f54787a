package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// KV is a storage.KV on top of redis. Reads use MGET and writes a MULTI
// block, so both sides see whole sessions only.
type KV struct {
	client *redis.Client
}

func NewKV(client *redis.Client) *KV {
	return &KV{client: client}
}

func (s *KV) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget: %w", err)
	}

	out := make(map[string]string, len(keys))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		out[keys[i]] = str
	}
	return out, nil
}

func (s *KV) SetMany(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	for k, v := range values {
		pipe.Set(ctx, k, v, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set values: %w", err)
	}
	return nil
}

func (s *KV) DeleteMany(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete values: %w", err)
	}
	return nil
}
