package cache

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	str2duration "github.com/xhit/go-str2duration/v2"
)

// Store persists rendered output under a (namespace, id) pair.
//
// Freshness is decided at read time: an entry is fresh if the lifeTime passed to Get or Has
// is not positive, or if it was modified less than lifeTime ago.
// Set receives the lifetime as well so that backends with native expiry can evict.
//
// Implementations must be thread-safe! The store is shared by all concurrent requests,
// and no coordination happens above it.
type Store interface {
	// Get returns the data stored under the key, if it exists and is fresh.
	Get(ctx context.Context, id, namespace string, lifeTime time.Duration) ([]byte, bool, error)
	// Has checks if a fresh entry exists under the key.
	Has(ctx context.Context, id, namespace string, lifeTime time.Duration) (bool, error)
	// Set stores data under the key, replacing any previous entry.
	Set(ctx context.Context, id, namespace string, data []byte, lifeTime time.Duration) error
	// Remove deletes the entry if present.
	Remove(ctx context.Context, id, namespace string) error
	// LastModified returns the time the entry was written, or the zero time if absent.
	LastModified(ctx context.Context, id, namespace string) (time.Time, error)
	// Clean removes all entries in the namespace and below it.
	// An empty namespace removes everything.
	Clean(ctx context.Context, namespace string) error
	// Close releases the resources held by the store.
	Close() error
}

// Entry is a stored piece of output.
type Entry struct {
	Namespace string
	ID        string
	Data      []byte
	Modified  time.Time
}

// Fresh reports whether the entry is still usable for the given read lifetime.
func (e Entry) Fresh(lifeTime time.Duration, now time.Time) bool {
	if lifeTime <= 0 {
		return true
	}
	return now.Before(e.Modified.Add(lifeTime))
}

// storageKey flattens the key into the single string backends index on.
func storageKey(id, namespace string) string {
	return strings.TrimSuffix(namespace, "/") + "/" + id
}

// inNamespace reports whether a flattened key lives in namespace or below it.
func inNamespace(key, namespace string) bool {
	namespace = strings.TrimSuffix(namespace, "/")
	return namespace == "" || strings.HasPrefix(key, namespace+"/")
}

// Config selects and configures a store backend.
type Config struct {
	// Provider is one of `memory`, `sqlite` and `redis`.
	Provider string `yaml:"provider"`
	// DB is the SQLite database file. Use `memory` for an in-memory database.
	DB string `yaml:"db"`
	// Redis is the address of the Redis server.
	Redis string `yaml:"redis"`
	// Prefix namespaces Redis keys.
	Prefix string `yaml:"prefix"`
	// Capacity is the number of entries kept by the memory store.
	Capacity int `yaml:"capacity"`
	// TTL is the age after which the memory store evicts entries, e.g. `12h` or `1d`.
	TTL string `yaml:"ttl"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Provider, validation.Required, validation.In("memory", "sqlite", "redis")),
		validation.Field(&c.Redis, validation.When(c.Provider == "redis", validation.Required)),
		validation.Field(&c.Capacity, validation.Min(0)),
		validation.Field(&c.TTL, validation.By(func(value interface{}) error {
			_, err := parseTTL(value.(string))
			return err
		})),
	)
}

func parseTTL(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return str2duration.ParseDuration(s)
}

// ErrUnknownProvider is returned by Open for unsupported providers.
var ErrUnknownProvider = errors.New("unknown cache provider")

// Open creates the store described by the configuration.
func Open(config Config) (Store, error) {
	switch config.Provider {
	case "memory":
		ttl, err := parseTTL(config.TTL)
		if err != nil {
			return nil, errors.Wrap(err, "parsing ttl")
		}
		opts := []Option{WithCapacity(config.Capacity)}
		if ttl > 0 {
			opts = append(opts, WithMaxAge(ttl))
		}
		return NewMemCache(opts...), nil
	case "sqlite":
		return NewSQLiteCache(config.DB)
	case "redis":
		return NewRedisCache(config.Redis, WithPrefix(config.Prefix))
	}
	return nil, errors.Wrapf(ErrUnknownProvider, "%q", config.Provider)
}

// options shared by the store backends.
type options struct {
	capacity     int
	numShards    int
	maxAge       time.Duration
	prefix       string
	queryTimeout time.Duration
	clock        func() time.Time
}

// Option configures a store backend.
type Option func(*options)

// DefaultQueryTimeout bounds every operation of the I/O backed stores.
const DefaultQueryTimeout = 5 * time.Second

func applyOptions(opts []Option) options {
	o := options{
		capacity:     10000,
		numShards:    64,
		maxAge:       24 * time.Hour,
		queryTimeout: DefaultQueryTimeout,
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithCapacity sets the number of entries kept by the memory store.
func WithCapacity(capacity int) Option {
	return func(o *options) {
		if capacity > 0 {
			o.capacity = capacity
		}
	}
}

// WithMaxAge sets the age after which the memory store evicts entries regardless of
// their read lifetime.
func WithMaxAge(d time.Duration) Option {
	return func(o *options) { o.maxAge = d }
}

// WithPrefix namespaces the Redis keys.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithQueryTimeout sets the per-operation timeout of the SQLite and Redis stores.
func WithQueryTimeout(d time.Duration) Option {
	return func(o *options) { o.queryTimeout = d }
}

// WithClock replaces the clock used for modification times and freshness.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}
