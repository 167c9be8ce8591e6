package viewcache

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"testing/fstest"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/always-cache/viewcache/cache"
	cachekey "github.com/always-cache/viewcache/pkg/cache-key"
	cachepolicy "github.com/always-cache/viewcache/pkg/cache-policy"
	"github.com/always-cache/viewcache/pkg/routing"
)

var (
	blogIndex = routing.MustParse("blog/index")
	blogShow  = routing.MustParse("blog/show?id=1")
)

type managerFixture struct {
	registry *cachepolicy.Registry
	store    cache.Store
	out      *bytes.Buffer
}

func newManager(t *testing.T, r *http.Request, store cache.Store, ignore bool) (*Manager, managerFixture) {
	t.Helper()
	if r == nil {
		r = httptest.NewRequest("GET", "http://example.com/", nil)
	}
	if store == nil {
		store = cache.NewMemCache()
	}
	registry := cachepolicy.NewRegistry(nil)
	registry.Add("blog", cachepolicy.DefaultAction, cachepolicy.Policy{LifeTime: time.Minute})
	registry.Add("blog", "edit", cachepolicy.Policy{})
	out := &bytes.Buffer{}
	logger := zerolog.Nop()
	m := NewManager(ManagerConfig{
		Request:     r,
		Current:     blogIndex,
		Policies:    registry,
		Deriver:     cachekey.DefaultDeriver{Policies: registry},
		Store:       store,
		Output:      out,
		Logger:      &logger,
		IgnoreCache: ignore,
		IgnoreParam: IgnoreCacheParam,
	})
	return m, managerFixture{registry: registry, store: store, out: out}
}

func TestManagerRoundTrip(t *testing.T) {
	m, _ := newManager(t, nil, nil, false)
	data := []byte("<p>post 1</p>\x00\xff")

	assert.True(t, m.IsCacheable(blogShow))
	assert.False(t, m.Has(blogShow))
	assert.True(t, m.Set(data, blogShow))

	got, ok := m.Get(blogShow)
	require.True(t, ok)
	assert.Equal(t, data, got)
	assert.True(t, m.Has(blogShow))
	modified, ok := m.LastModified(blogShow)
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now(), modified, time.Minute)
}

func TestManagerNotCacheable(t *testing.T) {
	m, f := newManager(t, nil, nil, false)
	edit := routing.MustParse("blog/edit")

	assert.False(t, m.IsCacheable(edit))
	assert.False(t, m.Set([]byte("form"), edit))
	_, ok := m.Get(edit)
	assert.False(t, ok)
	_, ok = m.LastModified(edit)
	assert.False(t, ok)

	// nothing was written
	key, err := cachekey.DefaultDeriver{Policies: f.registry}.DeriveKey(httptest.NewRequest("GET", "http://example.com/", nil), blogIndex, edit)
	require.NoError(t, err)
	has, err := f.store.Has(context.Background(), key.ID, key.Namespace, 0)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestManagerRemove(t *testing.T) {
	m, f := newManager(t, nil, nil, false)
	require.True(t, m.Set([]byte("x"), blogShow))
	require.NoError(t, m.Remove(blogShow))
	assert.False(t, m.Has(blogShow))

	// entries are removed even when the policy no longer allows caching
	require.True(t, m.Set([]byte("x"), blogShow))
	f.registry.Add("blog", cachepolicy.DefaultAction, cachepolicy.Policy{})
	require.NoError(t, m.Remove(blogShow))
	f.registry.Add("blog", cachepolicy.DefaultAction, cachepolicy.Policy{LifeTime: time.Minute})
	assert.False(t, m.Has(blogShow))
}

func TestManagerRemoveLoadsPolicies(t *testing.T) {
	source := cachepolicy.FSSource{FS: fstest.MapFS{
		"blog/cache.yml": {Data: []byte("show:\n  lifetime: 1m\n  vary: [Accept-Language]\n")},
	}}
	store := cache.NewMemCache()
	logger := zerolog.Nop()
	managerFor := func() *Manager {
		r := httptest.NewRequest("GET", "http://example.com/post/1", nil)
		r.Header.Set("Accept-Language", "fi")
		registry := cachepolicy.NewRegistry(source)
		return NewManager(ManagerConfig{
			Request:  r,
			Current:  blogShow,
			Policies: registry,
			Deriver:  cachekey.DefaultDeriver{Policies: registry},
			Store:    store,
			Logger:   &logger,
		})
	}

	require.True(t, managerFor().Set([]byte("post"), blogShow))
	// a new process only knows the store, its registry has not loaded the module yet
	require.NoError(t, managerFor().Remove(blogShow))
	assert.False(t, managerFor().Has(blogShow))
}

func TestManagerRemoveFailsOnBrokenPolicies(t *testing.T) {
	registry := cachepolicy.NewRegistry(cachepolicy.FSSource{FS: fstest.MapFS{
		"blog/cache.yml": {Data: []byte("show: [")},
	}})
	logger := zerolog.Nop()
	m := NewManager(ManagerConfig{
		Request:  httptest.NewRequest("GET", "http://example.com/", nil),
		Current:  blogIndex,
		Policies: registry,
		Deriver:  cachekey.DefaultDeriver{Policies: registry},
		Store:    cache.NewMemCache(),
		Logger:   &logger,
	})
	err := m.Remove(blogShow)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cachepolicy.ErrConfiguration))
}

func TestManagerUnsafeRequestNotCacheable(t *testing.T) {
	m, _ := newManager(t, httptest.NewRequest("DELETE", "http://example.com/post/1", nil), nil, false)
	assert.False(t, m.IsCacheable(blogShow))
	assert.False(t, m.Set([]byte("post"), blogShow))

	head, _ := newManager(t, httptest.NewRequest("HEAD", "http://example.com/post/1", nil), nil, false)
	assert.True(t, head.IsCacheable(blogShow))
}

func TestManagerRequestParametersDisableCaching(t *testing.T) {
	r := httptest.NewRequest("GET", "http://example.com/blog?page=2", nil)
	m, _ := newManager(t, r, nil, false)
	assert.False(t, m.IsCacheable(blogIndex))
	assert.False(t, m.Set([]byte("x"), blogIndex))

	r = httptest.NewRequest("GET", "http://example.com/blog?"+IgnoreCacheParam+"=1", nil)
	m, _ = newManager(t, r, nil, false)
	assert.True(t, m.IsCacheable(blogIndex), "the ignore parameter does not bust the cache")
}

func TestManagerIgnoreCache(t *testing.T) {
	store := cache.NewMemCache()
	m, _ := newManager(t, nil, store, true)

	assert.True(t, m.Set([]byte("fresh"), blogIndex), "writes still happen")
	_, ok := m.Get(blogIndex)
	assert.False(t, ok)
	assert.False(t, m.Has(blogIndex))

	m, _ = newManager(t, nil, store, false)
	got, ok := m.Get(blogIndex)
	require.True(t, ok)
	assert.Equal(t, "fresh", string(got))
}

type failingStore struct {
	cache.Store
}

var errStore = errors.New("store is down")

func (failingStore) Get(context.Context, string, string, time.Duration) ([]byte, bool, error) {
	return nil, false, errStore
}

func (failingStore) Has(context.Context, string, string, time.Duration) (bool, error) {
	return false, errStore
}

func (failingStore) Set(context.Context, string, string, []byte, time.Duration) error {
	return errStore
}

func (failingStore) LastModified(context.Context, string, string) (time.Time, error) {
	return time.Time{}, errStore
}

func TestManagerStoreFailures(t *testing.T) {
	m, f := newManager(t, nil, failingStore{}, false)

	assert.False(t, m.Set([]byte("x"), blogIndex))
	_, ok := m.Get(blogIndex)
	assert.False(t, ok)
	assert.False(t, m.Has(blogIndex))

	data, hit := m.Start("header", time.Minute, 0)
	require.False(t, hit)
	assert.Nil(t, data)
	m.Write([]byte("<header/>"))
	data, err := m.Stop("header")
	require.NoError(t, err, "a failed write does not fail the fragment")
	assert.Equal(t, "<header/>", string(data))
	assert.Empty(t, f.out.String())
}

func TestFragmentStartStop(t *testing.T) {
	m, f := newManager(t, nil, nil, false)

	data, hit := m.Start("header", time.Minute, 0)
	require.False(t, hit)
	assert.Nil(t, data)

	// a second start before the first stop is still a miss
	_, hit = m.Start("header", time.Minute, 0)
	require.False(t, hit)
	m.Write([]byte("inner"))
	data, err := m.Stop("header")
	require.NoError(t, err)
	assert.Equal(t, "inner", string(data))

	m.Write([]byte("<h1>Blog</h1>"))
	data, err = m.Stop("header")
	require.NoError(t, err)
	assert.Equal(t, "<h1>Blog</h1>", string(data))
	assert.Empty(t, f.out.String(), "captured output does not leak")

	data, hit = m.Start("header", time.Minute, 0)
	require.True(t, hit)
	assert.Equal(t, "<h1>Blog</h1>", string(data))
	assert.Empty(t, m.Open())
}

func TestFragmentDoesNotClobberActionPolicy(t *testing.T) {
	m, f := newManager(t, nil, nil, false)
	f.registry.Add("blog", "index", cachepolicy.Policy{LifeTime: time.Hour, WithLayout: true})

	m.Start("header", 0, 0)
	_, err := m.Stop("header")
	require.NoError(t, err)

	p, ok := f.registry.Lookup("blog", "index")
	require.True(t, ok)
	assert.Equal(t, time.Hour, p.LifeTime)
	assert.True(t, p.WithLayout)
	assert.True(t, m.IsCacheable(blogIndex))
	assert.False(t, m.IsCacheable(blogIndex.With(cachepolicy.FragmentParam, "header")))
}

func TestFragmentNesting(t *testing.T) {
	m, f := newManager(t, nil, nil, false)

	_, hit := m.Start("outer", time.Minute, 0)
	require.False(t, hit)
	m.Write([]byte("<div>"))
	_, hit = m.Start("inner", time.Minute, 0)
	require.False(t, hit)
	m.Write([]byte("inner"))
	inner, err := m.Stop("inner")
	require.NoError(t, err)
	m.Write(inner)
	m.Write([]byte("</div>"))
	outer, err := m.Stop("outer")
	require.NoError(t, err)
	m.Write(outer)

	assert.Equal(t, "<div>inner</div>", f.out.String())

	data, hit := m.Start("inner", time.Minute, 0)
	require.True(t, hit)
	assert.Equal(t, "inner", string(data))
	data, hit = m.Start("outer", time.Minute, 0)
	require.True(t, hit)
	assert.Equal(t, "<div>inner</div>", string(data))
}

func TestFragmentMismatch(t *testing.T) {
	m, _ := newManager(t, nil, nil, false)

	_, err := m.Stop("never")
	assert.ErrorIs(t, err, ErrFragmentMismatch)

	m.Start("outer", time.Minute, 0)
	m.Start("inner", time.Minute, 0)
	_, err = m.Stop("outer")
	assert.ErrorIs(t, err, ErrFragmentMismatch)
	assert.Equal(t, []string{"outer", "inner"}, m.Open())
}

func TestFragmentHelper(t *testing.T) {
	m, f := newManager(t, nil, nil, false)
	renders := 0
	render := func() error {
		renders++
		_, err := m.Write([]byte("<nav/>"))
		return err
	}

	require.NoError(t, m.Fragment("nav", time.Minute, render))
	require.NoError(t, m.Fragment("nav", time.Minute, render))
	assert.Equal(t, 1, renders)
	assert.Equal(t, "<nav/><nav/>", f.out.String())

	boom := errors.New("boom")
	err := m.Fragment("broken", time.Minute, func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, m.Open())
}

func TestEndCaptureUnwindsOpenFragments(t *testing.T) {
	m, f := newManager(t, nil, nil, false)

	m.beginCapture()
	m.Start("part", time.Minute, 0)
	m.Write([]byte("half"))
	_, err := m.endCapture()
	assert.ErrorIs(t, err, ErrFragmentMismatch)
	assert.Empty(t, m.Open())

	m.Write([]byte("after"))
	assert.Equal(t, "after", f.out.String())
}
