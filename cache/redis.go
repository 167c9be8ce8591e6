package cache

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// RedisCache stores entries in Redis, shared by all application instances.
// Values are msgpack encoded records carrying the modification time.
type RedisCache struct {
	client       *redis.Client
	ownsClient   bool
	prefix       string
	queryTimeout time.Duration
	clock        func() time.Time
}

var _ Store = (*RedisCache)(nil)

type redisRecord struct {
	Data     []byte `msgpack:"d"`
	Modified int64  `msgpack:"m"`
}

// NewRedisCache connects to the Redis server at addr.
func NewRedisCache(addr string, opts ...Option) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	c := NewRedisCacheFromClient(client, opts...)
	c.ownsClient = true
	ctx, cancel := c.queryCtx(context.Background())
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "connecting to redis at %s", addr)
	}
	return c, nil
}

// NewRedisCacheFromClient uses an existing client. The caller owns the client lifecycle.
func NewRedisCacheFromClient(client *redis.Client, opts ...Option) *RedisCache {
	o := applyOptions(opts)
	return &RedisCache{
		client:       client,
		prefix:       o.prefix,
		queryTimeout: o.queryTimeout,
		clock:        o.clock,
	}
}

func (c *RedisCache) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.queryTimeout)
}

func (c *RedisCache) key(id, namespace string) string {
	key := storageKey(id, namespace)
	if c.prefix == "" {
		return key
	}
	return c.prefix + ":" + key
}

func (c *RedisCache) record(ctx context.Context, id, namespace string) (redisRecord, bool, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	var rec redisRecord
	b, err := c.client.Get(qctx, c.key(id, namespace)).Bytes()
	if err == redis.Nil {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	if err := msgpack.Unmarshal(b, &rec); err != nil {
		return rec, false, errors.Wrap(err, "decoding cache record")
	}
	return rec, true, nil
}

func (c *RedisCache) Get(ctx context.Context, id, namespace string, lifeTime time.Duration) ([]byte, bool, error) {
	rec, ok, err := c.record(ctx, id, namespace)
	if !ok || err != nil {
		return nil, false, err
	}
	if !(Entry{Modified: time.Unix(0, rec.Modified)}).Fresh(lifeTime, c.clock()) {
		return nil, false, nil
	}
	return rec.Data, true, nil
}

func (c *RedisCache) Has(ctx context.Context, id, namespace string, lifeTime time.Duration) (bool, error) {
	_, ok, err := c.Get(ctx, id, namespace, lifeTime)
	return ok, err
}

func (c *RedisCache) Set(ctx context.Context, id, namespace string, data []byte, lifeTime time.Duration) error {
	b, err := msgpack.Marshal(redisRecord{Data: data, Modified: c.clock().UnixNano()})
	if err != nil {
		return err
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	// 0 keeps the key without expiry
	return c.client.Set(qctx, c.key(id, namespace), b, lifeTime).Err()
}

func (c *RedisCache) Remove(ctx context.Context, id, namespace string) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	return c.client.Del(qctx, c.key(id, namespace)).Err()
}

func (c *RedisCache) LastModified(ctx context.Context, id, namespace string) (time.Time, error) {
	rec, ok, err := c.record(ctx, id, namespace)
	if !ok || err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, rec.Modified), nil
}

func (c *RedisCache) Clean(ctx context.Context, namespace string) error {
	pattern := "*"
	if namespace = strings.TrimSuffix(namespace, "/"); namespace != "" {
		pattern = escapeGlob(namespace) + "/*"
	}
	if c.prefix != "" {
		pattern = escapeGlob(c.prefix) + ":" + pattern
	}
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		qctx, cancel := c.queryCtx(ctx)
		err := c.client.Del(qctx, iter.Val()).Err()
		cancel()
		if err != nil {
			return err
		}
	}
	return iter.Err()
}

// Close closes the client if it was created by NewRedisCache.
func (c *RedisCache) Close() error {
	if c.ownsClient {
		return c.client.Close()
	}
	return nil
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}
