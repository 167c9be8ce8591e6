package viewcache

import (
	"net/http"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/always-cache/viewcache/filter"
	cachepolicy "github.com/always-cache/viewcache/pkg/cache-policy"
	tee "github.com/always-cache/viewcache/pkg/response-writer-tee"
	"github.com/always-cache/viewcache/pkg/routing"
)

// Context is the state of a request as it passes the filter chain.
// Write to it to render action output.
type Context struct {
	Request *http.Request
	// Response is buffered until the chain is done.
	Response *tee.ResponseSaver
	// URI of the action being rendered.
	URI   routing.InternalURI
	Cache *Manager

	app    *App
	action Action
	layout Layout
	log    zerolog.Logger
	result filter.Result

	// content is the action output, before the layout is applied
	content       []byte
	contentCached bool
}

func (a *App) newContext(r *http.Request, uri routing.InternalURI, action Action) *Context {
	ignoreParam := ""
	ignore := false
	if a.config.Debug {
		ignoreParam = IgnoreCacheParam
		ignore = r.URL.Query().Get(IgnoreCacheParam) == "1"
		uri.Params.Del(IgnoreCacheParam)
		if len(uri.Params) == 0 {
			uri.Params = nil
		}
	}
	logger := hlog.FromRequest(r).With().Str("module", uri.Module).Str("action", uri.Action).Logger()

	ctx := &Context{
		Request:  r,
		Response: tee.NewResponseSaver(nil),
		URI:      uri,
		app:      a,
		action:   action,
		layout:   a.config.Layout,
		log:      logger,
		result:   filter.Continue(),
	}
	ctx.Cache = NewManager(ManagerConfig{
		Request:     r,
		Current:     uri,
		Policies:    a.policies,
		Deriver:     a.deriver,
		Store:       a.store,
		Output:      ctx.Response,
		Logger:      &logger,
		IgnoreCache: ignore,
		IgnoreParam: ignoreParam,
	})
	return ctx
}

// Logger returns the request logger.
func (c *Context) Logger() *zerolog.Logger {
	return &c.log
}

// Write implements io.Writer. Output goes to the innermost open fragment, or to the response.
func (c *Context) Write(p []byte) (int, error) {
	return c.Cache.Write(p)
}

// Header returns the response header.
func (c *Context) Header() http.Header {
	return c.Response.Header()
}

// Param returns a parameter of the action URI.
func (c *Context) Param(name string) string {
	return c.URI.Param(name)
}

// URL returns the external URL of an internal URI.
func (c *Context) URL(uri routing.InternalURI) string {
	return c.app.router.GenerateURL(uri)
}

// SetLayout replaces the layout of the page. Use nil to render the action output alone.
func (c *Context) SetLayout(layout Layout) {
	c.layout = layout
}

// Redirect sends the client to location and halts the chain.
// Nothing after the redirecting filter or action runs.
func (c *Context) Redirect(location string, code int) {
	c.Response.Header().Set("Location", location)
	c.Response.WriteHeader(code)
	c.result = filter.Halt("redirect to " + location)
}

// Halted reports whether the action stopped the chain.
func (c *Context) Halted() bool {
	return c.result.Halted()
}

// Fragment renders a named fragment of the action, or writes it from the cache.
func (c *Context) Fragment(name string, lifeTime time.Duration, render func() error) error {
	return c.Cache.Fragment(name, lifeTime, render)
}

// Component renders a component of module and returns its output.
// Cacheable components are served from the cache; contextual ones are cached per page.
func (c *Context) Component(module, name string, params url.Values) ([]byte, error) {
	uri := routing.InternalURI{Module: module, Action: cachepolicy.ComponentAction(name), Params: params}
	fn, ok := c.app.component(uri)
	if !ok {
		return nil, errors.Newf("unknown component %s/%s", module, name)
	}
	if err := c.Cache.Register(module); err != nil {
		return nil, err
	}
	if data, ok := c.Cache.Get(uri); ok {
		return data, nil
	}

	sub := &Context{
		Request:  c.Request,
		Response: c.Response,
		URI:      uri,
		Cache:    c.Cache.ForAction(uri),
		app:      c.app,
		action:   fn,
		log:      c.log.With().Str("component", name).Logger(),
		result:   filter.Continue(),
	}
	c.Cache.beginCapture()
	err := fn(sub)
	data, captureErr := c.Cache.endCapture()
	if err != nil {
		return nil, errors.Wrapf(err, "component %s", uri)
	}
	if captureErr != nil {
		return nil, captureErr
	}
	c.Cache.Set(data, uri)
	return data, nil
}

// IncludeComponent writes the output of a component.
func (c *Context) IncludeComponent(module, name string, params url.Values) error {
	data, err := c.Component(module, name, params)
	if err != nil {
		return err
	}
	_, err = c.Write(data)
	return err
}

// run executes the action and keeps its output.
func (c *Context) run() error {
	if err := c.action(c); err != nil {
		return errors.Wrapf(err, "action %s", c.URI)
	}
	if open := c.Cache.Open(); len(open) > 0 {
		return errors.Wrapf(ErrFragmentMismatch, "fragments left open: %v", open)
	}
	c.content = append([]byte(nil), c.Response.Body()...)
	return nil
}

// supply sets the action output from the cache, so the action does not run.
func (c *Context) supply(content []byte) {
	c.content = content
	c.contentCached = true
}

// commit sends the response to the client.
func (c *Context) commit(w http.ResponseWriter) error {
	if c.Response.StatusCode() == http.StatusOK && notModified(c.Request, c.Response.Header()) {
		c.Response.WriteHeader(http.StatusNotModified)
	}
	return c.Response.Commit(w)
}
