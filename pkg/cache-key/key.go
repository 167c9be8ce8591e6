package cachekey

import (
	"net/http"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"

	cachepolicy "github.com/always-cache/viewcache/pkg/cache-policy"
	"github.com/always-cache/viewcache/pkg/routing"
)

const (
	// varyAll is the vary fingerprint of policies without vary headers.
	varyAll       = "all"
	varySeparator = "|"
)

// Key addresses a cache entry in the store.
// Namespace and ID are always derived together.
type Key struct {
	Namespace string
	ID        string
}

// Path joins the namespace and the id.
func (k Key) Path() string {
	return path.Join(k.Namespace, k.ID)
}

func (k Key) String() string {
	return k.Path()
}

// Deriver converts a logical URI into a store key for the given request.
// current is the URI of the page being served, uri the one being cached.
type Deriver interface {
	DeriveKey(r *http.Request, current, uri routing.InternalURI) (Key, error)
}

// DeriverFunc adapts a function to the Deriver interface.
type DeriverFunc func(r *http.Request, current, uri routing.InternalURI) (Key, error)

func (f DeriverFunc) DeriveKey(r *http.Request, current, uri routing.InternalURI) (Key, error) {
	return f(r, current, uri)
}

// URLGenerator produces the external URL of an internal URI.
type URLGenerator interface {
	GenerateURL(uri routing.InternalURI) string
}

// DefaultDeriver keys entries by host, vary header values and external URL:
//
//	/{host}/{vary}/{url}
//
// The directory part is the namespace and the base name the id.
type DefaultDeriver struct {
	Policies *cachepolicy.Registry
	URLs     URLGenerator
}

// DeriveKey implements Deriver.
func (d DefaultDeriver) DeriveKey(r *http.Request, current, uri routing.InternalURI) (Key, error) {
	action := cachepolicy.PolicyAction(uri)
	var contextual bool
	var vary []string
	if d.Policies != nil {
		contextual = cachepolicy.Get(d.Policies, uri.Module, action, cachepolicy.Contextual, false)
		vary = cachepolicy.Get(d.Policies, uri.Module, action, cachepolicy.Vary, nil)
	}

	target := d.url(uri)
	if contextual {
		target = d.url(current) + "/" + target
	}

	var header http.Header
	var host string
	if r != nil {
		header = r.Header
		host = r.Host
	}
	full := "/" + HostFingerprint(host) + "/" + VaryFingerprint(header, vary) + "/" + target
	return Split(full), nil
}

func (d DefaultDeriver) url(uri routing.InternalURI) string {
	if d.URLs == nil {
		return uri.String()
	}
	return d.URLs.GenerateURL(uri)
}

var nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)

// HostFingerprint lower-cases the host and replaces every run of
// non-alphanumeric characters with a single underscore.
func HostFingerprint(host string) string {
	return nonAlphanumeric.ReplaceAllString(strings.ToLower(host), "_")
}

// VaryFingerprint concatenates the values of the named headers, in sorted name order,
// each followed by a pipe. Without names it is `all`.
func VaryFingerprint(header http.Header, names []string) string {
	if len(names) == 0 {
		return varyAll
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	var b strings.Builder
	for _, name := range sorted {
		b.WriteString(header.Get(name))
		b.WriteString(varySeparator)
	}
	return b.String()
}

var repeatedSlashes = regexp.MustCompile(`/+`)

// Split collapses repeated separators and splits the path into namespace and id.
func Split(p string) Key {
	p = repeatedSlashes.ReplaceAllString(p, "/")
	dir, base := path.Split(strings.TrimSuffix(p, "/"))
	if dir != "/" {
		dir = strings.TrimSuffix(dir, "/")
	}
	return Key{Namespace: dir, ID: base}
}

// HashedDeriver replaces the id produced by the wrapped deriver with its xxhash digest,
// keeping ids short for long URLs.
type HashedDeriver struct {
	Deriver Deriver
}

// DeriveKey implements Deriver.
func (h HashedDeriver) DeriveKey(r *http.Request, current, uri routing.InternalURI) (Key, error) {
	key, err := h.Deriver.DeriveKey(r, current, uri)
	if err != nil {
		return key, err
	}
	key.ID = strconv.FormatUint(xxhash.Sum64String(key.ID), 16)
	return key, nil
}

// Factory builds a deriver from the application registry and router.
type Factory func(policies *cachepolicy.Registry, urls URLGenerator) Deriver

var (
	factoriesMutex sync.RWMutex
	factories      = map[string]Factory{
		"default": func(p *cachepolicy.Registry, u URLGenerator) Deriver {
			return DefaultDeriver{Policies: p, URLs: u}
		},
		"hashed": func(p *cachepolicy.Registry, u URLGenerator) Deriver {
			return HashedDeriver{Deriver: DefaultDeriver{Policies: p, URLs: u}}
		},
	}
)

// Register makes a deriver strategy available under name.
func Register(name string, factory Factory) {
	factoriesMutex.Lock()
	defer factoriesMutex.Unlock()
	factories[name] = factory
}

// Lookup returns the deriver strategy registered under name.
// An empty name selects the default strategy.
func Lookup(name string) (Factory, error) {
	if name == "" {
		name = "default"
	}
	factoriesMutex.RLock()
	defer factoriesMutex.RUnlock()
	factory, ok := factories[name]
	if !ok {
		return nil, errors.Mark(errors.Newf("unknown key deriver %q", name), cachepolicy.ErrConfiguration)
	}
	return factory, nil
}
