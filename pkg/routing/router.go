package routing

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
)

// Route connects an URL pattern (chi syntax) to a module action.
// If Module or Action is empty, it is taken from the `module` / `action` URL parameter.
type Route struct {
	Pattern string
	Module  string
	Action  string
}

// Router maps request paths to internal URIs and back.
// Matching is done by a chi mux holding one no-op endpoint per route.
type Router struct {
	mutex     sync.RWMutex
	mux       *chi.Mux
	routes    []Route
	byPattern map[string]Route
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{
		mux:       chi.NewMux(),
		byPattern: make(map[string]Route),
	}
}

var nopHandler = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})

// Connect adds a route. Routes are matched by chi and generated in registration order.
func (r *Router) Connect(pattern, module, action string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.mux.Handle(pattern, nopHandler)
	route := Route{Pattern: pattern, Module: module, Action: action}
	r.routes = append(r.routes, route)
	r.byPattern[pattern] = route
}

// Routes returns the registered routes.
func (r *Router) Routes() []Route {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return append([]Route(nil), r.routes...)
}

// Match resolves the request path to its route and internal URI.
// Path parameters and query parameters both end up in the URI parameters.
func (r *Router) Match(method, path string, query url.Values) (Route, InternalURI, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	rctx := chi.NewRouteContext()
	if !r.mux.Match(rctx, method, path) {
		return Route{}, InternalURI{}, false
	}
	route, ok := r.byPattern[rctx.RoutePattern()]
	if !ok {
		return Route{}, InternalURI{}, false
	}

	params := make(url.Values)
	for k, v := range query {
		params[k] = append([]string(nil), v...)
	}
	for i, key := range rctx.URLParams.Keys {
		if key == "*" {
			continue
		}
		params.Set(key, rctx.URLParams.Values[i])
	}

	uri := InternalURI{Module: route.Module, Action: route.Action}
	if uri.Module == "" {
		uri.Module = params.Get("module")
		params.Del("module")
	}
	if uri.Action == "" {
		uri.Action = params.Get("action")
		params.Del("action")
	}
	if uri.Module == "" || uri.Action == "" {
		return Route{}, InternalURI{}, false
	}
	if len(params) > 0 {
		uri.Params = params
	}
	return route, uri, true
}

var placeholder = regexp.MustCompile(`\{([^}:]+)(:[^}]*)?\}`)

// GenerateURL returns the external URL for an internal URI.
// The first route serving the module action whose placeholders can all be filled wins.
// Parameters not consumed by the pattern are appended as a sorted query string.
// Without a matching route, `/module/action` is used.
func (r *Router) GenerateURL(uri InternalURI) string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	for _, route := range r.routes {
		if path, rest, ok := fill(route, uri); ok {
			return withQuery(path, rest)
		}
	}
	return withQuery("/"+uri.Module+"/"+uri.Action, uri.Params)
}

func fill(route Route, uri InternalURI) (string, url.Values, bool) {
	values := map[string]string{"module": uri.Module, "action": uri.Action}
	if route.Module != "" && route.Module != uri.Module {
		return "", nil, false
	}
	if route.Action != "" && route.Action != uri.Action {
		return "", nil, false
	}
	rest := make(url.Values)
	for k, v := range uri.Params {
		rest[k] = v
		if len(v) > 0 {
			values[k] = v[0]
		}
	}
	ok := true
	path := placeholder.ReplaceAllStringFunc(route.Pattern, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		value, found := values[name]
		if !found {
			ok = false
			return m
		}
		delete(rest, name)
		return url.PathEscape(value)
	})
	if !ok || strings.Contains(path, "*") {
		return "", nil, false
	}
	return path, rest, true
}

func withQuery(path string, params url.Values) string {
	if len(params) == 0 {
		return path
	}
	return path + "?" + params.Encode()
}
