package cachepolicy

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrConfiguration marks errors caused by invalid cache configuration.
var ErrConfiguration = errors.New("cache configuration error")

// Declaration is a policy declared for one action by a Source.
type Declaration struct {
	Action string
	Policy Policy
}

// Source supplies the policy declarations of a module.
type Source interface {
	Load(module string) ([]Declaration, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(module string) ([]Declaration, error)

func (f SourceFunc) Load(module string) ([]Declaration, error) {
	return f(module)
}

type actionKey struct {
	module string
	action string
}

// Registry holds the cache policies of an application.
// It is safe for concurrent use.
type Registry struct {
	source   Source
	mutex    sync.RWMutex
	policies map[actionKey]Policy
	loaded   map[string]struct{}
}

// NewRegistry creates a registry loading module policies from source.
// A nil source means policies are only added programmatically.
func NewRegistry(source Source) *Registry {
	return &Registry{
		source:   source,
		policies: make(map[actionKey]Policy),
		loaded:   make(map[string]struct{}),
	}
}

// Add sets the policy of a module action, replacing any previous one.
func (r *Registry) Add(module, action string, policy Policy) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.policies[actionKey{module, action}] = policy.normalize()
}

// Register loads the policies of module from the source, once per registry.
// Loading the same module concurrently may hit the source twice, which is harmless
// as Add always replaces.
func (r *Registry) Register(module string) error {
	if r.source == nil || r.isLoaded(module) {
		return nil
	}
	declarations, err := r.source.Load(module)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "loading cache policies of module %q", module), ErrConfiguration)
	}
	for _, d := range declarations {
		if err := d.Policy.Validate(); err != nil {
			return errors.Mark(errors.Wrapf(err, "cache policy %s/%s", module, d.Action), ErrConfiguration)
		}
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.loaded[module]; ok {
		return nil
	}
	for _, d := range declarations {
		r.policies[actionKey{module, d.Action}] = d.Policy.normalize()
	}
	r.loaded[module] = struct{}{}
	return nil
}

func (r *Registry) isLoaded(module string) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	_, ok := r.loaded[module]
	return ok
}

// Lookup resolves the policy of a module action: the action itself first,
// then the DEFAULT action of the module.
func (r *Registry) Lookup(module, action string) (Policy, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if p, ok := r.policies[actionKey{module, action}]; ok {
		return p, true
	}
	if p, ok := r.policies[actionKey{module, DefaultAction}]; ok {
		return p, true
	}
	return Policy{}, false
}

// IsCacheable reports whether the resolved lifetime of the action is positive.
func (r *Registry) IsCacheable(module, action string) bool {
	p, _ := r.Lookup(module, action)
	return p.Cacheable()
}

// Get returns one field of the resolved policy, or def when no policy applies.
//
//	lifeTime := cachepolicy.Get(registry, "blog", "edit", cachepolicy.LifeTime, 0)
func Get[T any](r *Registry, module, action string, field func(Policy) T, def T) T {
	p, ok := r.Lookup(module, action)
	if !ok {
		return def
	}
	return field(p)
}
