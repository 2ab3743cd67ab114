package goICloud

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/goICloud/session"
)

// OpenStore opens the session store selected by cfg. The returned close
// function is never nil. Driver "none" yields a nil Store.
func OpenStore(ctx context.Context, cfg StoreConfig) (session.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Driver {
	case "", StoreNone:
		return nil, noop, nil

	case StoreRedis:
		if cfg.RedisAddr == "" {
			return nil, noop, errors.New("goICloud: redis store requires an address")
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store := session.NewRedisStore(rdb, cfg.RedisPrefix, cfg.TTL)
		if _, err := store.Ping(ctx); err != nil {
			_ = rdb.Close()
			return nil, noop, err
		}
		return store, rdb.Close, nil

	case StoreFile:
		store, err := session.NewFileStore(cfg.Path)
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil

	case StoreSQLite:
		store, err := session.OpenSQLiteStore(ctx, cfg.Path)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil

	default:
		return nil, noop, fmt.Errorf("goICloud: unsupported store driver %q", cfg.Driver)
	}
}
