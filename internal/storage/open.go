package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"

	"github.com/example/carpool/internal/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open builds the record store selected by cfg.StoreBackend. rc must be
// non-nil for the redis backend. The returned Closer releases whatever
// Open itself opened; rc stays owned by the caller.
func Open(ctx context.Context, cfg config.ServerConfig, rc *redis.Client) (RecordStore, io.Closer, error) {
	switch cfg.StoreBackend {
	case config.StoreRedis:
		if rc == nil {
			return nil, nil, fmt.Errorf("redis store needs a client")
		}
		return NewRedisStore(rc, cfg.RedisKeyPrefix), nopCloser{}, nil
	case config.StorePostgres:
		ps, err := NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, nil, err
		}
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				ps.Close()
				return nil, nil, err
			}
		}
		return ps, ps, nil
	case config.StoreMemory, "":
		return NewMemoryStore(), nopCloser{}, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}
