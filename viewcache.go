// Package viewcache serves module actions through a filter chain with page, action and
// fragment caching.
//
//	app, err := viewcache.New(viewcache.Config{
//		Store:    cache.NewMemCache(),
//		Policies: cachepolicy.FSSource{FS: os.DirFS("policies")},
//	})
//	app.Handle("/", "blog", "index", index)
//	http.ListenAndServe(":8080", app)
package viewcache

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/always-cache/viewcache/cache"
	"github.com/always-cache/viewcache/filter"
	cachekey "github.com/always-cache/viewcache/pkg/cache-key"
	cachepolicy "github.com/always-cache/viewcache/pkg/cache-policy"
	"github.com/always-cache/viewcache/pkg/routing"
)

// IgnoreCacheParam set to 1 disables cache reads for a request in debug mode.
const IgnoreCacheParam = "_ignore_cache"

// Action renders the content of a module action.
type Action func(ctx *Context) error

// Layout wraps the content of an action into the page.
type Layout func(ctx *Context, content []byte) ([]byte, error)

// FilterFactory creates a filter for a request.
type FilterFactory func(ctx *Context) filter.Filter

type Config struct {
	// Storage for cache entries.
	Store cache.Store
	// Source of the module cache policies.
	// Policies can also be added to the registry returned by App.Policies.
	Policies cachepolicy.Source
	// Name of the key deriver strategy, see cachekey.Lookup. Defaults to `default`.
	Deriver string
	// Layout applied to the content of every action, unless the action disables it.
	Layout Layout
	// Filters run before the cache and rendering filters, in order.
	Filters []FilterFactory
	// Debug enables the IgnoreCacheParam request parameter.
	Debug bool
	// ETag adds an ETag header to rendered pages and answers If-None-Match.
	ETag bool
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// App dispatches requests to module actions.
type App struct {
	config     Config
	store      cache.Store
	policies   *cachepolicy.Registry
	deriver    cachekey.Deriver
	router     *routing.Router
	mux        *chi.Mux
	mutex      sync.RWMutex
	actions    map[string]Action
	components map[string]Action
	now        func() time.Time
}

// New creates an application.
// It fails if the configuration names an unknown key deriver.
func New(config Config) (*App, error) {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		logger = *config.Logger
	}

	if config.Store == nil {
		return nil, errors.Mark(errors.New("no cache store configured"), cachepolicy.ErrConfiguration)
	}
	factory, err := cachekey.Lookup(config.Deriver)
	if err != nil {
		return nil, err
	}

	a := &App{
		config:     config,
		store:      config.Store,
		policies:   cachepolicy.NewRegistry(config.Policies),
		router:     routing.NewRouter(),
		actions:    make(map[string]Action),
		components: make(map[string]Action),
		now:        time.Now,
	}
	a.deriver = factory(a.policies, a.router)

	a.mux = chi.NewRouter()
	a.mux.Use(
		hlog.NewHandler(logger),
		hlog.RequestIDHandler("req_id", "Request-Id"),
		hlog.AccessHandler(accessLog),
		recoverer,
	)
	a.mux.HandleFunc("/*", a.dispatch)
	return a, nil
}

// Handle serves the module action on the URL pattern (chi syntax).
// Patterns may contain `{module}` and `{action}` placeholders, in which case module and action
// may be left empty and every action registered for the module is reachable.
func (a *App) Handle(pattern, module, action string, fn Action) {
	a.router.Connect(pattern, module, action)
	if fn != nil {
		a.Action(module, action, fn)
	}
}

// Action registers an action without a route of its own.
func (a *App) Action(module, action string, fn Action) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.actions[module+"/"+action] = fn
}

// Component registers a component, a partial that can be included in pages.
// Its cache policy is declared under the action `_name`.
func (a *App) Component(module, name string, fn Action) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.components[module+"/"+cachepolicy.ComponentAction(name)] = fn
}

func (a *App) action(uri routing.InternalURI) (Action, bool) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	fn, ok := a.actions[uri.Module+"/"+uri.Action]
	return fn, ok
}

func (a *App) component(uri routing.InternalURI) (Action, bool) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	fn, ok := a.components[uri.Module+"/"+uri.Action]
	return fn, ok
}

// Policies returns the cache policy registry of the application.
func (a *App) Policies() *cachepolicy.Registry {
	return a.policies
}

// Router returns the router of the application.
func (a *App) Router() *routing.Router {
	return a.router
}

// Store returns the cache store of the application.
func (a *App) Store() cache.Store {
	return a.store
}

// ServeHTTP implements the http.Handler interface.
func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *App) dispatch(w http.ResponseWriter, r *http.Request) {
	logger := hlog.FromRequest(r)
	_, uri, ok := a.router.Match(r.Method, r.URL.Path, r.URL.Query())
	if !ok {
		http.NotFound(w, r)
		return
	}
	action, ok := a.action(uri)
	if !ok {
		logger.Debug().Str("uri", uri.String()).Msg("No such action")
		http.NotFound(w, r)
		return
	}
	if err := a.policies.Register(uri.Module); err != nil {
		logger.Error().Err(err).Str("module", uri.Module).Msg("Could not load cache policies")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	ctx := a.newContext(r, uri, action)
	chain := filter.New()
	for _, factory := range a.config.Filters {
		chain.Register(factory(ctx))
	}
	if !filter.Has[*UpdateFilter](chain) {
		chain.Register(NewUpdateFilter(ctx))
	}
	if !filter.Has[*CacheFilter](chain) {
		chain.Register(NewCacheFilter(ctx))
	}
	if !filter.Has[*RenderingFilter](chain) {
		chain.Register(NewRenderingFilter(ctx, a.config.ETag))
	}

	res, err := chain.Execute()
	if err != nil {
		logger.Error().Err(err).Str("uri", uri.String()).Msg("Request failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if res.Halted() {
		logger.Trace().Str("reason", res.Reason).Msg("Chain halted")
	}
	if err := ctx.commit(w); err != nil {
		logger.Error().Err(err).Msg("Could not write response")
	}
}

func accessLog(r *http.Request, status, size int, duration time.Duration) {
	hlog.FromRequest(r).Info().
		Str("method", r.Method).
		Stringer("url", r.URL).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Msg("")
}

// recoverer answers panics in actions with 500, the same way chi's middleware does.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				hlog.FromRequest(r).Error().Str("panic", fmt.Sprint(rvr)).Msg("Recovered from panic")
				w.WriteHeader(http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// getLogger returns the logger from the request context.
// If no logger is found, it will return the default logger.
func getLogger(r *http.Request) *zerolog.Logger {
	if r == nil {
		return &log.Logger
	}
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &log.Logger
	}
	return logger
}
