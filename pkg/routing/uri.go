package routing

import (
	"fmt"
	"net/url"
	"strings"
)

// InternalURI is the logical address of an action: `module/action?param=value`.
// It is independent of the external URL the action is served on.
type InternalURI struct {
	Module string
	Action string
	Params url.Values
}

// Parse parses a logical URI of the form `module/action[?query]`.
// A leading slash is tolerated.
func Parse(s string) (InternalURI, error) {
	path, query, _ := strings.Cut(strings.TrimPrefix(s, "/"), "?")
	module, action, found := strings.Cut(path, "/")
	if !found || module == "" || action == "" || strings.Contains(action, "/") {
		return InternalURI{}, fmt.Errorf("malformed internal uri %q", s)
	}
	params, err := url.ParseQuery(query)
	if err != nil {
		return InternalURI{}, fmt.Errorf("malformed internal uri %q: %w", s, err)
	}
	return InternalURI{Module: module, Action: action, Params: params}, nil
}

// MustParse is like Parse but panics on malformed input.
func MustParse(s string) InternalURI {
	u, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

// String returns the canonical form, with parameters sorted by key.
func (u InternalURI) String() string {
	s := u.Module + "/" + u.Action
	if len(u.Params) > 0 {
		s += "?" + u.Params.Encode()
	}
	return s
}

// Param returns the first value of the named parameter.
func (u InternalURI) Param(name string) string {
	return u.Params.Get(name)
}

// With returns a copy of the URI with the parameter set.
// The receiver is left untouched.
func (u InternalURI) With(name, value string) InternalURI {
	params := make(url.Values, len(u.Params)+1)
	for k, v := range u.Params {
		params[k] = append([]string(nil), v...)
	}
	params.Set(name, value)
	u.Params = params
	return u
}
