package cachepolicy

import (
	"net/http"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/always-cache/viewcache/pkg/routing"
)

const (
	// DefaultAction is the sentinel action holding the module-wide fallback policy.
	DefaultAction = "DEFAULT"
	// FragmentParam carries the fragment name in the logical URI of a cached fragment.
	FragmentParam = "_cache_key"
)

// Policy holds the caching rules of a module action.
type Policy struct {
	// WithLayout tells whether the cached payload includes the page layout.
	WithLayout bool
	// LifeTime is the server side lifetime. Zero means not cacheable.
	LifeTime time.Duration
	// ClientLifeTime is advertised to clients. Defaults to LifeTime.
	ClientLifeTime time.Duration
	// Contextual policies key entries by the embedding page as well.
	Contextual bool
	// Vary lists the request headers the output depends on.
	Vary []string
}

// Validate checks the policy values.
func (p Policy) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.LifeTime, validation.Min(time.Duration(0))),
		validation.Field(&p.ClientLifeTime, validation.Min(time.Duration(0))),
		validation.Field(&p.Vary, validation.Each(validation.Required)),
	)
}

// Cacheable reports whether the policy allows storing output.
func (p Policy) Cacheable() bool {
	return p.LifeTime > 0
}

// normalize returns the policy with defaults applied and vary names in canonical case.
func (p Policy) normalize() Policy {
	if p.ClientLifeTime == 0 {
		p.ClientLifeTime = p.LifeTime
	}
	p.Vary = NormalizeVary(p.Vary)
	return p
}

// NormalizeVary lower-cases header names, turns underscores into dashes and drops duplicates.
func NormalizeVary(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "-")
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// Field selectors for Get.
var (
	WithLayout     = func(p Policy) bool { return p.WithLayout }
	LifeTime       = func(p Policy) time.Duration { return p.LifeTime }
	ClientLifeTime = func(p Policy) time.Duration { return p.ClientLifeTime }
	Contextual     = func(p Policy) bool { return p.Contextual }
	Vary           = func(p Policy) []string { return p.Vary }
)

// FragmentAction is the synthetic action under which a named fragment of action stores its policy.
func FragmentAction(action, fragment string) string {
	return action + "@" + fragment
}

// ComponentAction is the action name a component is addressed with.
func ComponentAction(component string) string {
	return "_" + component
}

// PolicyAction returns the action whose policy governs the URI.
// Fragment URIs resolve to their synthetic fragment action.
func PolicyAction(uri routing.InternalURI) string {
	if name := uri.Param(FragmentParam); name != "" {
		return FragmentAction(uri.Action, name)
	}
	return uri.Action
}

// RequestHasNoCacheBustingParameters reports whether the request carries no query or form
// parameters. Output depending on parameters is never cached.
// The ignore parameter, if given, does not count.
func RequestHasNoCacheBustingParameters(r *http.Request, ignore string) bool {
	if r == nil {
		return true
	}
	for name := range r.URL.Query() {
		if name != ignore {
			return false
		}
	}
	if r.PostForm == nil && isForm(r) {
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			_ = r.ParseMultipartForm(32 << 20)
		} else {
			_ = r.ParseForm()
		}
	}
	for name := range r.PostForm {
		if name != ignore {
			return false
		}
	}
	return true
}

func isForm(r *http.Request) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return false
	}
	if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
		return false
	}
	ct := r.Header.Get("Content-Type")
	return strings.HasPrefix(ct, "application/x-www-form-urlencoded") || strings.HasPrefix(ct, "multipart/form-data")
}
