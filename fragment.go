package viewcache

import (
	"bytes"
	"time"

	"github.com/cockroachdb/errors"

	cachepolicy "github.com/always-cache/viewcache/pkg/cache-policy"
	"github.com/always-cache/viewcache/pkg/routing"
)

// ErrFragmentMismatch is returned when captures are not closed in the order they were opened.
var ErrFragmentMismatch = errors.New("fragment capture mismatch")

type capture struct {
	name string
	uri  routing.InternalURI
	buf  bytes.Buffer
	// anonymous captures collect the output of components
	anonymous bool
}

type captureStack struct {
	captures []*capture
}

func (s *captureStack) push(c *capture) {
	s.captures = append(s.captures, c)
}

func (s *captureStack) top() *capture {
	if len(s.captures) == 0 {
		return nil
	}
	return s.captures[len(s.captures)-1]
}

func (s *captureStack) pop() *capture {
	c := s.top()
	if c != nil {
		s.captures = s.captures[:len(s.captures)-1]
	}
	return c
}

func (s *captureStack) open() []string {
	names := make([]string, 0, len(s.captures))
	for _, c := range s.captures {
		names = append(names, c.name)
	}
	return names
}

// Start begins the named fragment of the current action.
//
// The fragment gets its own policy, registered under a per-fragment action so the policy of the
// action itself stays untouched. If the fragment is cached, its content is returned and the caller
// must not render it. Otherwise a capture is opened: render the fragment, then call Stop.
// clientLifeTime defaults to lifeTime.
//
//	if data, ok := m.Start("sidebar", time.Hour, 0); ok {
//		m.Write(data)
//	} else {
//		renderSidebar(m)
//		data, err := m.Stop("sidebar")
//		...
//		m.Write(data)
//	}
func (m *Manager) Start(name string, lifeTime, clientLifeTime time.Duration, vary ...string) ([]byte, bool) {
	if err := m.Register(m.action.Module); err != nil {
		m.log.Error().Err(err).Str("module", m.action.Module).Msg("Could not load cache policies")
	}
	m.policies.Add(m.action.Module, cachepolicy.FragmentAction(m.action.Action, name), cachepolicy.Policy{
		LifeTime:       lifeTime,
		ClientLifeTime: clientLifeTime,
		Vary:           vary,
	})
	uri := m.action.With(cachepolicy.FragmentParam, name)
	if data, ok := m.Get(uri); ok {
		return data, true
	}
	m.captures.push(&capture{name: name, uri: uri})
	return nil, false
}

// Stop closes the capture of the named fragment, caches the captured content and returns it.
// The content is returned even when it could not be cached.
// Stopping a fragment that is not the innermost open one fails with ErrFragmentMismatch.
func (m *Manager) Stop(name string) ([]byte, error) {
	c := m.captures.top()
	if c == nil {
		return nil, errors.Wrapf(ErrFragmentMismatch, "stopping fragment %q that was not started", name)
	}
	if c.anonymous || c.name != name {
		return nil, errors.Wrapf(ErrFragmentMismatch, "stopping fragment %q while %q is open", name, c.name)
	}
	m.captures.pop()
	data := c.buf.Bytes()
	m.Set(data, c.uri)
	return data, nil
}

// Open returns the names of the open fragments, outermost first.
func (m *Manager) Open() []string {
	return m.captures.open()
}

// beginCapture opens an anonymous capture, used to collect the output of a component.
func (m *Manager) beginCapture() {
	m.captures.push(&capture{anonymous: true})
}

// endCapture closes the innermost anonymous capture and returns its content.
// Fragments still open inside it are discarded along with it.
func (m *Manager) endCapture() ([]byte, error) {
	var open []string
	for c := m.captures.pop(); c != nil; c = m.captures.pop() {
		if !c.anonymous {
			open = append(open, c.name)
			continue
		}
		if len(open) > 0 {
			return nil, errors.Wrapf(ErrFragmentMismatch, "fragments left open: %v", open)
		}
		return c.buf.Bytes(), nil
	}
	return nil, errors.Wrap(ErrFragmentMismatch, "no component capture open")
}

// Fragment renders the named fragment with render, or writes its cached content.
// Output of render written to m is captured and cached.
func (m *Manager) Fragment(name string, lifeTime time.Duration, render func() error) error {
	data, ok := m.Start(name, lifeTime, 0)
	if !ok {
		if err := render(); err != nil {
			// drop the capture so the output of the enclosing scope stays intact
			if top := m.captures.top(); top != nil && !top.anonymous && top.name == name {
				m.captures.pop()
			}
			return err
		}
		var err error
		if data, err = m.Stop(name); err != nil {
			return err
		}
	}
	_, err := m.Write(data)
	return err
}
