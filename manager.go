package viewcache

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/always-cache/viewcache/cache"
	cachekey "github.com/always-cache/viewcache/pkg/cache-key"
	cachepolicy "github.com/always-cache/viewcache/pkg/cache-policy"
	cacheupdate "github.com/always-cache/viewcache/pkg/cache-update"
	"github.com/always-cache/viewcache/pkg/routing"
)

type ManagerConfig struct {
	// The request being served.
	Request *http.Request
	// URI of the page being served. Contextual keys are derived from it.
	Current routing.InternalURI
	Policies *cachepolicy.Registry
	Deriver  cachekey.Deriver
	Store    cache.Store
	// Output receives everything written outside of a capture.
	Output io.Writer
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// IgnoreCache disables reads for the request. Writes still happen.
	IgnoreCache bool
	// IgnoreParam is the request parameter that does not make a request uncacheable.
	IgnoreParam string
}

// Manager reads and writes cached output for a single request.
// It caches whole action output by URI and named fragments of the current action.
// Cache failures never fail the request: reads fall back to a miss, writes are logged and dropped.
//
// Manager is an io.Writer: output goes to the innermost open capture, or to the configured output.
type Manager struct {
	ctx         context.Context
	r           *http.Request
	current     routing.InternalURI
	action      routing.InternalURI
	policies    *cachepolicy.Registry
	deriver     cachekey.Deriver
	store       cache.Store
	out         io.Writer
	log         zerolog.Logger
	ignore      bool
	ignoreParam string
	captures    *captureStack
}

// NewManager creates the cache manager of a request.
func NewManager(config ManagerConfig) *Manager {
	logger := getLogger(config.Request)
	if config.Logger != nil {
		logger = config.Logger
	}
	ctx := context.Background()
	if config.Request != nil {
		ctx = config.Request.Context()
	}
	out := config.Output
	if out == nil {
		out = io.Discard
	}
	return &Manager{
		ctx:         ctx,
		r:           config.Request,
		current:     config.Current,
		action:      config.Current,
		policies:    config.Policies,
		deriver:     config.Deriver,
		store:       config.Store,
		out:         out,
		log:         *logger,
		ignore:      config.IgnoreCache,
		ignoreParam: config.IgnoreParam,
		captures:    &captureStack{},
	}
}

// ForAction returns a manager whose fragments belong to the given action.
// It shares the output and captures of m.
func (m *Manager) ForAction(uri routing.InternalURI) *Manager {
	c := *m
	c.action = uri
	return &c
}

// Detached returns a manager that keeps working after the request is done.
func (m *Manager) Detached() *Manager {
	c := *m
	c.ctx = context.WithoutCancel(m.ctx)
	return &c
}

// Register loads the cache policies of the module.
func (m *Manager) Register(module string) error {
	return m.policies.Register(module)
}

// Policy returns the resolved policy of the URI.
func (m *Manager) Policy(uri routing.InternalURI) cachepolicy.Policy {
	if err := m.Register(uri.Module); err != nil {
		m.log.Error().Err(err).Str("module", uri.Module).Msg("Could not load cache policies")
		return cachepolicy.Policy{}
	}
	p, _ := m.policies.Lookup(uri.Module, cachepolicy.PolicyAction(uri))
	return p
}

// IsCacheable reports whether output of the URI may be cached for this request.
// Unsafe requests and requests with query or form parameters are never cacheable.
func (m *Manager) IsCacheable(uri routing.InternalURI) bool {
	if m.r != nil && cacheupdate.UnsafeRequest(m.r) {
		return false
	}
	return m.Policy(uri).Cacheable() && cachepolicy.RequestHasNoCacheBustingParameters(m.r, m.ignoreParam)
}

// Ignored reports whether cache reads are disabled for the request.
func (m *Manager) Ignored() bool {
	return m.ignore
}

// deriveKey loads the policies of the module first, the deriver reads vary and contextual from them.
func (m *Manager) deriveKey(uri routing.InternalURI) (cachekey.Key, error) {
	if err := m.Register(uri.Module); err != nil {
		return cachekey.Key{}, err
	}
	key, err := m.deriver.DeriveKey(m.r, m.current, uri)
	if err != nil {
		return key, errors.Wrapf(err, "deriving key of %s", uri)
	}
	return key, nil
}

func (m *Manager) key(uri routing.InternalURI) (cachekey.Key, bool) {
	key, err := m.deriveKey(uri)
	if err != nil {
		m.log.Error().Err(err).Str("uri", uri.String()).Msg("Could not derive cache key")
		return key, false
	}
	return key, true
}

// lookup resolves cacheability and key for a read.
func (m *Manager) lookup(uri routing.InternalURI) (cachekey.Key, time.Duration, bool) {
	if m.ignore || !m.IsCacheable(uri) {
		return cachekey.Key{}, 0, false
	}
	key, ok := m.key(uri)
	if !ok {
		return key, 0, false
	}
	return key, m.Policy(uri).LifeTime, true
}

// Get returns the cached output of the URI.
func (m *Manager) Get(uri routing.InternalURI) ([]byte, bool) {
	key, lifeTime, ok := m.lookup(uri)
	if !ok {
		return nil, false
	}
	data, found, err := m.store.Get(m.ctx, key.ID, key.Namespace, lifeTime)
	if err != nil {
		m.log.Warn().Err(err).Str("key", key.Path()).Msg("Could not read from cache")
		return nil, false
	}
	if !found {
		m.log.Trace().Str("key", key.Path()).Msg("Cache miss")
		return nil, false
	}
	m.log.Trace().Str("key", key.Path()).Msg("Cache hit")
	return data, true
}

// Has checks if fresh output of the URI is cached.
func (m *Manager) Has(uri routing.InternalURI) bool {
	key, lifeTime, ok := m.lookup(uri)
	if !ok {
		return false
	}
	found, err := m.store.Has(m.ctx, key.ID, key.Namespace, lifeTime)
	if err != nil {
		m.log.Warn().Err(err).Str("key", key.Path()).Msg("Could not read from cache")
		return false
	}
	return found
}

// Set caches the output of the URI.
// It returns false if the URI is not cacheable or the write failed.
func (m *Manager) Set(data []byte, uri routing.InternalURI) bool {
	if !m.IsCacheable(uri) {
		return false
	}
	key, ok := m.key(uri)
	if !ok {
		return false
	}
	if err := m.store.Set(m.ctx, key.ID, key.Namespace, data, m.Policy(uri).LifeTime); err != nil {
		m.log.Error().Err(err).Str("key", key.Path()).Msg("Could not write to cache")
		return false
	}
	m.log.Trace().Str("key", key.Path()).Str("size", humanize.Bytes(uint64(len(data)))).Msg("Cached")
	return true
}

// Remove deletes the cached output of the URI, whether or not it is currently cacheable.
func (m *Manager) Remove(uri routing.InternalURI) error {
	key, err := m.deriveKey(uri)
	if err != nil {
		return err
	}
	return errors.Wrapf(m.store.Remove(m.ctx, key.ID, key.Namespace), "removing %s", key.Path())
}

// LastModified returns the time the output of the URI was cached.
func (m *Manager) LastModified(uri routing.InternalURI) (time.Time, bool) {
	if !m.IsCacheable(uri) {
		return time.Time{}, false
	}
	key, ok := m.key(uri)
	if !ok {
		return time.Time{}, false
	}
	modified, err := m.store.LastModified(m.ctx, key.ID, key.Namespace)
	if err != nil {
		m.log.Warn().Err(err).Str("key", key.Path()).Msg("Could not read from cache")
		return time.Time{}, false
	}
	return modified, !modified.IsZero()
}

// Write implements io.Writer.
func (m *Manager) Write(p []byte) (int, error) {
	if c := m.captures.top(); c != nil {
		return c.buf.Write(p)
	}
	return m.out.Write(p)
}
