package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStateNotFound is returned by Load when no record exists.
var ErrStateNotFound = errors.New("session state not found")

// ErrStoreUnavailable wraps backend failures.
var ErrStoreUnavailable = errors.New("session store unavailable")

// Store persists session records keyed by normalized username.
type Store interface {
	Load(ctx context.Context, username string) (*State, error)
	Save(ctx context.Context, s *State) error
	// Delete is idempotent.
	Delete(ctx context.Context, username string) error
}

const deleteStateScript = `
redis.call("SREM", KEYS[2], ARGV[1])
return redis.call("DEL", KEYS[1])
`

var deleteStateLua = redis.NewScript(deleteStateScript)

// RedisStore keeps records in Redis with an optional TTL and an index set
// of stored accounts.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a [RedisStore]. prefix sets the key namespace; a
// zero ttl keeps records until deleted.
func NewRedisStore(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "icloud"
	}
	return &RedisStore{redis: rdb, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(username string) string {
	return s.prefix + ":session:" + NormalizeUsername(username)
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":accounts"
}

// Save writes the record and adds the account to the index.
func (s *RedisStore) Save(ctx context.Context, st *State) error {
	data, err := Encode(st)
	if err != nil {
		return err
	}
	name := NormalizeUsername(st.Username)

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(name), data, s.ttl)
		pipe.SAdd(ctx, s.indexKey(), name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Load reads and decodes the record for username.
func (s *RedisStore) Load(ctx context.Context, username string) (*State, error) {
	data, err := s.redis.Get(ctx, s.key(username)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return Decode(data)
}

// Delete removes the record and its index entry.
func (s *RedisStore) Delete(ctx context.Context, username string) error {
	name := NormalizeUsername(username)
	if err := deleteStateLua.Run(ctx, s.redis, []string{s.key(name), s.indexKey()}, name).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Accounts lists the indexed usernames. Entries whose record expired are
// pruned from the index.
func (s *RedisStore) Accounts(ctx context.Context) ([]string, error) {
	names, err := s.redis.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(names) == 0 {
		return []string{}, nil
	}

	pipe := s.redis.Pipeline()
	exists := make([]*redis.IntCmd, len(names))
	for i, name := range names {
		exists[i] = pipe.Exists(ctx, s.key(name))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	out := make([]string, 0, len(names))
	var stale []any
	for i, cmd := range exists {
		if cmd.Val() == 1 {
			out = append(out, names[i])
		} else {
			stale = append(stale, names[i])
		}
	}
	if len(stale) > 0 {
		if err := s.redis.SRem(ctx, s.indexKey(), stale...).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	return out, nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *RedisStore) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return time.Since(start), nil
}
