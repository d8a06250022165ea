package adapter

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/Borealin/pick-runner-action/v1/errors"
)

const (
	defaultRedisOpTimeout = 5 * time.Second
	defaultRedisKeyPrefix = "refs/"
)

// createScript stamps the record with the server's TIME so the creation time
// never comes from the client. Requires Redis 5 or later (effects replication).
var createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
local t = redis.call("TIME")
redis.call("HSET", KEYS[1], "meta", ARGV[1], "holder", ARGV[2], "created_s", t[1], "created_us", t[2])
return 1
`)

var compareAndDeleteScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "holder") == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// RedisStore implements RefStore using a Redis backend. Each record is a hash
// stored under prefix+name.
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
	prefix  string
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
	prefix  string
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// WithKeyPrefix sets the prefix prepended to every record name.
func WithKeyPrefix(prefix string) RedisOption {
	return func(o *redisStoreOptions) {
		o.prefix = prefix
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout, prefix: defaultRedisKeyPrefix}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, timeout: o.timeout, prefix: o.prefix}
}

func (s *RedisStore) key(name string) string { return s.prefix + name }

// Create implements RefStore.Create.
func (s *RedisStore) Create(ctx context.Context, name string, meta Metadata) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	created, err := createScript.Run(cctx, s.client, []string{s.key(name)}, data, meta.Holder).Int()
	if err != nil {
		return redisErr(err)
	}
	if created == 0 {
		return warperrors.ErrAlreadyExists
	}
	return nil
}

// Delete implements RefStore.Delete.
func (s *RedisStore) Delete(ctx context.Context, name string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.client.Del(cctx, s.key(name)).Result()
	if err != nil {
		return redisErr(err)
	}
	if n == 0 {
		return warperrors.ErrNotFound
	}
	return nil
}

// CompareAndDelete implements CompareAndDeleter.
func (s *RedisStore) CompareAndDelete(ctx context.Context, name, holder string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := compareAndDeleteScript.Run(cctx, s.client, []string{s.key(name)}, holder).Int()
	if err != nil && err != redis.Nil {
		return redisErr(err)
	}
	if n == 0 {
		return warperrors.ErrNotFound
	}
	return nil
}

// Read implements RefStore.Read.
func (s *RedisStore) Read(ctx context.Context, name string) (Record, error) {
	if err := ctxErr(ctx); err != nil {
		return Record{}, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	fields, err := s.client.HGetAll(cctx, s.key(name)).Result()
	if err != nil {
		return Record{}, redisErr(err)
	}
	if len(fields) == 0 {
		return Record{}, warperrors.ErrNotFound
	}
	rec := Record{Name: name}
	if raw, ok := fields["meta"]; ok {
		if err := json.Unmarshal([]byte(raw), &rec.Metadata); err != nil {
			return Record{}, fmt.Errorf("decode metadata for %s: %w", name, err)
		}
	}
	sec, err := strconv.ParseInt(fields["created_s"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("decode creation time for %s: %w", name, err)
	}
	usec, err := strconv.ParseInt(fields["created_us"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("decode creation time for %s: %w", name, err)
	}
	rec.CreatedAt = time.Unix(sec, usec*int64(time.Microsecond))
	return rec, nil
}

func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return warperrors.ErrTimeout
		}
		return err
	}
	return nil
}

func redisErr(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return warperrors.ErrTimeout
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return warperrors.ErrConnectionClosed
	}
	return err
}
