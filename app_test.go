package viewcache

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/always-cache/viewcache/cache"
	"github.com/always-cache/viewcache/filter"
	cachepolicy "github.com/always-cache/viewcache/pkg/cache-policy"
)

const blogPolicies = `
all:
  lifetime: 60
index:
  with_layout: true
  lifetime: 1m
show:
  lifetime: 1m
  vary: [Accept_Language]
edit:
  enabled: false
`

type testApp struct {
	*App
	layouts int
}

func newTestApp(t *testing.T, config Config) *testApp {
	t.Helper()
	logger := zerolog.Nop()
	config.Logger = &logger
	if config.Store == nil {
		config.Store = cache.NewMemCache()
	}
	if config.Policies == nil {
		config.Policies = cachepolicy.FSSource{FS: fstest.MapFS{
			"blog/cache.yml": {Data: []byte(blogPolicies)},
		}}
	}
	ta := &testApp{}
	config.Layout = func(ctx *Context, content []byte) ([]byte, error) {
		ta.layouts++
		return []byte("<html>" + string(content) + "</html>"), nil
	}
	app, err := New(config)
	require.NoError(t, err)
	ta.App = app
	return ta
}

func (ta *testApp) get(path string, header ...string) *httptest.ResponseRecorder {
	r := httptest.NewRequest("GET", "http://example.com"+path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		r.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	ta.ServeHTTP(rec, r)
	return rec
}

func counting(count *int, body string) Action {
	return func(ctx *Context) error {
		*count++
		_, err := fmt.Fprintf(ctx, body, *count)
		return err
	}
}

func TestPageCache(t *testing.T) {
	ta := newTestApp(t, Config{})
	calls := 0
	ta.Handle("/", "blog", "index", counting(&calls, "<h1>Blog %d</h1>"))

	first := ta.get("/")
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "<html><h1>Blog 1</h1></html>", first.Body.String())
	assert.Equal(t, "ViewCache; fwd=miss; detail=page", first.Header().Get("Cache-Status"))
	assert.Equal(t, "max-age=60", first.Header().Get("Cache-Control"))
	assert.NotEmpty(t, first.Header().Get("Last-Modified"))
	assert.NotEmpty(t, first.Header().Get("Expires"))

	second := ta.get("/")
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "ViewCache; hit; detail=page", second.Header().Get("Cache-Status"))
	assert.Equal(t, first.Header().Get("Last-Modified"), second.Header().Get("Last-Modified"))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, ta.layouts, "cached pages include the layout")
}

func TestPageCacheIfModifiedSince(t *testing.T) {
	ta := newTestApp(t, Config{})
	calls := 0
	ta.Handle("/", "blog", "index", counting(&calls, "%d"))

	first := ta.get("/")
	rec := ta.get("/", "If-Modified-Since", first.Header().Get("Last-Modified"))
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.String())

	old := time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)
	rec = ta.get("/", "If-Modified-Since", old)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, calls)
}

func TestActionCacheReappliesLayout(t *testing.T) {
	ta := newTestApp(t, Config{})
	calls := 0
	ta.Handle("/post/{id}", "blog", "show", func(ctx *Context) error {
		calls++
		_, err := fmt.Fprintf(ctx, "post %s (%d)", ctx.Param("id"), calls)
		return err
	})

	first := ta.get("/post/1", "Accept-Language", "fi")
	second := ta.get("/post/1", "Accept-Language", "fi")
	assert.Equal(t, "<html>post 1 (1)</html>", first.Body.String())
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "ViewCache; fwd=miss; detail=action", first.Header().Get("Cache-Status"))
	assert.Equal(t, "ViewCache; hit; detail=action", second.Header().Get("Cache-Status"))
	assert.Equal(t, "Accept-Language", second.Header().Get("Vary"))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, ta.layouts)

	other := ta.get("/post/1", "Accept-Language", "en")
	assert.Equal(t, "<html>post 1 (2)</html>", other.Body.String(), "vary header values get their own entry")
	ta.get("/post/2", "Accept-Language", "fi")
	assert.Equal(t, 3, calls)
}

func TestParametersBypassCache(t *testing.T) {
	ta := newTestApp(t, Config{})
	calls := 0
	ta.Handle("/", "blog", "index", counting(&calls, "%d"))

	ta.get("/?page=2")
	rec := ta.get("/?page=2")
	assert.Equal(t, 2, calls)
	assert.Equal(t, "ViewCache; fwd=bypass", rec.Header().Get("Cache-Status"))
	assert.Empty(t, rec.Header().Get("Cache-Control"))
}

func TestDisabledPolicy(t *testing.T) {
	ta := newTestApp(t, Config{})
	calls := 0
	ta.Handle("/edit", "blog", "edit", counting(&calls, "%d"))
	ta.get("/edit")
	ta.get("/edit")
	assert.Equal(t, 2, calls)
}

func TestRedirectHaltsAndIsNotCached(t *testing.T) {
	ta := newTestApp(t, Config{})
	calls := 0
	ta.Handle("/", "blog", "index", func(ctx *Context) error {
		calls++
		ctx.Redirect("/post/1", http.StatusFound)
		return nil
	})

	rec := ta.get("/")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/post/1", rec.Header().Get("Location"))
	assert.Equal(t, 0, ta.layouts, "the layout is skipped after a redirect")
	ta.get("/")
	assert.Equal(t, 2, calls)
}

func TestDebugIgnoreCache(t *testing.T) {
	ta := newTestApp(t, Config{Debug: true})
	calls := 0
	ta.Handle("/", "blog", "index", counting(&calls, "%d"))

	ta.get("/")
	rec := ta.get("/?" + IgnoreCacheParam + "=1")
	assert.Equal(t, 2, calls)
	assert.Equal(t, "ViewCache; fwd=request; detail=page", rec.Header().Get("Cache-Status"))
	assert.Equal(t, "<html>2</html>", rec.Body.String())

	// the ignored request refreshed the entry
	rec = ta.get("/")
	assert.Equal(t, "<html>2</html>", rec.Body.String())
	assert.Equal(t, 2, calls)
}

func TestIgnoreParamWithoutDebugBypasses(t *testing.T) {
	ta := newTestApp(t, Config{})
	calls := 0
	ta.Handle("/", "blog", "index", counting(&calls, "%d"))
	ta.get("/")
	rec := ta.get("/?" + IgnoreCacheParam + "=1")
	assert.Equal(t, "ViewCache; fwd=bypass", rec.Header().Get("Cache-Status"))
	assert.Equal(t, 2, calls)
}

func TestETag(t *testing.T) {
	ta := newTestApp(t, Config{ETag: true})
	calls := 0
	ta.Handle("/edit", "blog", "edit", func(ctx *Context) error {
		calls++
		_, err := ctx.Write([]byte("same"))
		return err
	})

	first := ta.get("/edit")
	etag := first.Header().Get("ETag")
	require.NotEmpty(t, etag)

	rec := ta.get("/edit", "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.String())
	rec = ta.get("/edit", "If-None-Match", `"other"`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, calls)
}

func TestComponents(t *testing.T) {
	for _, contextual := range []bool{false, true} {
		t.Run(fmt.Sprintf("contextual=%v", contextual), func(t *testing.T) {
			ta := newTestApp(t, Config{Policies: cachepolicy.SourceFunc(func(string) ([]cachepolicy.Declaration, error) {
				return nil, nil
			})})
			ta.Policies().Add("blog", cachepolicy.ComponentAction("sidebar"), cachepolicy.Policy{
				LifeTime:   time.Minute,
				Contextual: contextual,
			})
			renders := 0
			ta.Component("blog", "sidebar", counting(&renders, "<aside>%d</aside>"))
			page := func(ctx *Context) error {
				fmt.Fprint(ctx, "<main>")
				if err := ctx.IncludeComponent("blog", "sidebar", nil); err != nil {
					return err
				}
				fmt.Fprint(ctx, "</main>")
				return nil
			}
			ta.Handle("/", "blog", "index", page)
			ta.Handle("/about", "blog", "about", page)

			rec := ta.get("/")
			assert.Equal(t, "<html><main><aside>1</aside></main></html>", rec.Body.String())
			ta.get("/")
			ta.get("/about")
			if contextual {
				assert.Equal(t, 2, renders)
			} else {
				assert.Equal(t, 1, renders)
			}
		})
	}
}

func TestFragmentsInActions(t *testing.T) {
	ta := newTestApp(t, Config{})
	renders := 0
	ta.Handle("/edit", "blog", "edit", func(ctx *Context) error {
		fmt.Fprint(ctx, "<form/>")
		return ctx.Fragment("help", time.Minute, func() error {
			renders++
			_, err := fmt.Fprintf(ctx, "<p>help %d</p>", renders)
			return err
		})
	})

	ta.get("/edit")
	rec := ta.get("/edit")
	assert.Equal(t, "<html><form/><p>help 1</p></html>", rec.Body.String())
	assert.Equal(t, 1, renders)
}

func TestUnclosedFragmentFails(t *testing.T) {
	ta := newTestApp(t, Config{})
	ta.Handle("/edit", "blog", "edit", func(ctx *Context) error {
		ctx.Cache.Start("help", time.Minute, 0)
		return nil
	})
	assert.Equal(t, http.StatusInternalServerError, ta.get("/edit").Code)
}

func TestFiltersRunInOrder(t *testing.T) {
	var calls []string
	guard := func(ctx *Context) filter.Filter {
		return filter.Func(func(chain *filter.Chain) (filter.Result, error) {
			calls = append(calls, "guard")
			if ctx.Request.Header.Get("Authorization") == "" {
				ctx.Response.WriteHeader(http.StatusUnauthorized)
				return filter.Halt("unauthorized"), nil
			}
			return chain.Execute()
		})
	}
	ta := newTestApp(t, Config{Filters: []FilterFactory{guard}})
	ta.Handle("/edit", "blog", "edit", func(ctx *Context) error {
		calls = append(calls, "action")
		return nil
	})

	assert.Equal(t, http.StatusUnauthorized, ta.get("/edit").Code)
	assert.Equal(t, []string{"guard"}, calls)
	assert.Equal(t, http.StatusOK, ta.get("/edit", "Authorization", "yes").Code)
	assert.Equal(t, []string{"guard", "guard", "action"}, calls)
}

func TestErrors(t *testing.T) {
	ta := newTestApp(t, Config{})
	ta.Handle("/fail", "blog", "fail", func(ctx *Context) error {
		return errors.New("boom")
	})
	ta.Handle("/panic", "blog", "panic", func(ctx *Context) error {
		panic("boom")
	})

	assert.Equal(t, http.StatusInternalServerError, ta.get("/fail").Code)
	assert.Equal(t, http.StatusInternalServerError, ta.get("/panic").Code)
	assert.Equal(t, http.StatusNotFound, ta.get("/nowhere/at/all").Code)
}

func TestGenericRoute(t *testing.T) {
	ta := newTestApp(t, Config{})
	ta.Handle("/{module}/{action}", "", "", nil)
	calls := 0
	ta.Action("blog", "edit", counting(&calls, "edit %d"))

	assert.Equal(t, "<html>edit 1</html>", ta.get("/blog/edit").Body.String())
	assert.Equal(t, http.StatusNotFound, ta.get("/blog/missing").Code)
}

func TestBrokenPolicies(t *testing.T) {
	ta := newTestApp(t, Config{Policies: cachepolicy.FSSource{FS: fstest.MapFS{
		"blog/cache.yml": {Data: []byte("index:\n  lifetime: soon\n")},
	}}})
	ta.Handle("/", "blog", "index", counting(new(int), "%d"))
	assert.Equal(t, http.StatusInternalServerError, ta.get("/").Code)
}

func TestNewFailsOnUnknownDeriver(t *testing.T) {
	_, err := New(Config{Store: cache.NewMemCache(), Deriver: "md5"})
	assert.True(t, errors.Is(err, cachepolicy.ErrConfiguration))

	_, err = New(Config{})
	assert.True(t, errors.Is(err, cachepolicy.ErrConfiguration))
}

func TestHashedDeriver(t *testing.T) {
	ta := newTestApp(t, Config{Deriver: "hashed"})
	calls := 0
	ta.Handle("/", "blog", "index", counting(&calls, "%d"))
	ta.get("/")
	ta.get("/")
	assert.Equal(t, 1, calls)
}

func TestCacheUpdateHeader(t *testing.T) {
	ta := newTestApp(t, Config{})
	var renders int
	ta.Handle("/", "blog", "index", counting(&renders, "index %d"))
	ta.Handle("/save", "blog", "save", func(ctx *Context) error {
		ctx.Header().Add("Cache-Update", ctx.Request.PostFormValue("stale"))
		ctx.Redirect("/", http.StatusSeeOther)
		return nil
	})
	post := func(stale string) *httptest.ResponseRecorder {
		r := httptest.NewRequest("POST", "http://example.com/save", strings.NewReader("stale="+stale))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		ta.ServeHTTP(rec, r)
		return rec
	}

	assert.Equal(t, "<html>index 1</html>", ta.get("/").Body.String())
	assert.Equal(t, "<html>index 1</html>", ta.get("/").Body.String())

	rec := post("blog/show")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Empty(t, rec.Header().Get("Cache-Update"))
	assert.Equal(t, "<html>index 1</html>", ta.get("/").Body.String())

	post("blog/index")
	assert.Equal(t, "<html>index 2</html>", ta.get("/").Body.String())
}

func TestUnsafeRequestsBypassCache(t *testing.T) {
	ta := newTestApp(t, Config{})
	calls := 0
	ta.Handle("/post/{id}", "blog", "show", counting(&calls, "post %d"))

	ta.get("/post/1")
	assert.Equal(t, "ViewCache; hit; detail=action", ta.get("/post/1").Header().Get("Cache-Status"))
	require.Equal(t, 1, calls)

	for _, method := range []string{"DELETE", "PUT", "POST"} {
		rec := httptest.NewRecorder()
		ta.ServeHTTP(rec, httptest.NewRequest(method, "http://example.com/post/1", nil))
		assert.Equal(t, "ViewCache; fwd=bypass", rec.Header().Get("Cache-Status"), method)
		assert.Empty(t, rec.Header().Get("Last-Modified"), method)
	}
	assert.Equal(t, 4, calls)
	assert.Equal(t, "<html>post 1</html>", ta.get("/post/1").Body.String())
}

func TestRequestsLogToConfiguredLogger(t *testing.T) {
	global := &bytes.Buffer{}
	saved := log.Logger
	log.Logger = zerolog.New(global)
	t.Cleanup(func() { log.Logger = saved })

	fail := func(ctx *Context) error {
		ctx.Logger().Info().Msg("rendering")
		return errors.New("boom")
	}

	out := &bytes.Buffer{}
	logger := zerolog.New(out).Level(zerolog.DebugLevel)
	app, err := New(Config{Store: cache.NewMemCache(), Logger: &logger})
	require.NoError(t, err)
	app.Handle("/fail", "blog", "fail", fail)
	app.Handle("/missing", "blog", "missing", nil)
	for _, path := range []string{"/fail", "/missing"} {
		app.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "http://example.com"+path, nil))
	}
	assert.Contains(t, out.String(), "rendering")
	assert.Contains(t, out.String(), "Request failed")
	assert.Contains(t, out.String(), "No such action")
	assert.Contains(t, out.String(), `"req_id"`)

	ta := newTestApp(t, Config{})
	ta.Handle("/fail", "blog", "fail", fail)
	assert.Equal(t, http.StatusInternalServerError, ta.get("/fail").Code)
	assert.Empty(t, global.String(), "a disabled logger stays silent")
}

func TestFailedComponentReleasesOutput(t *testing.T) {
	ta := newTestApp(t, Config{})
	ta.Component("blog", "broken", func(ctx *Context) error {
		ctx.Cache.Start("part", time.Minute, 0)
		fmt.Fprint(ctx, "half")
		return errors.New("boom")
	})
	ta.Handle("/", "blog", "index", func(ctx *Context) error {
		if _, err := ctx.Component("blog", "broken", nil); err == nil {
			return errors.New("component should fail")
		}
		_, err := fmt.Fprint(ctx, "fallback")
		return err
	})

	rec := ta.get("/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>fallback</html>", rec.Body.String())
}
