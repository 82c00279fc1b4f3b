package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each collection as a JSON array under <prefix><collection>.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(c Collection) string { return r.prefix + strings.ToLower(string(c)) }

func (r *RedisStore) Get(ctx context.Context, c Collection) ([]json.RawMessage, error) {
	data, err := r.client.Get(ctx, r.key(c)).Bytes()
	if errors.Is(err, redis.Nil) {
		return []json.RawMessage{}, nil
	}
	if err != nil {
		return nil, err
	}
	var out []json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *RedisStore) Put(ctx context.Context, c Collection, records []json.RawMessage) error {
	if records == nil {
		records = []json.RawMessage{}
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(c), payload, 0).Err()
}
