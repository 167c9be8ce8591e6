package viewcache

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/always-cache/viewcache/filter"
	cachepolicy "github.com/always-cache/viewcache/pkg/cache-policy"
	serializer "github.com/always-cache/viewcache/pkg/response-serializer"
)

// CacheFilter serves actions from the cache and caches what they render.
//
// Policies with layout cache the whole page: a hit is sent as is and halts the chain.
// Policies without layout cache the action output: a hit skips the action, but the layout
// is still applied. Only 200 responses of chains that were not halted are cached.
type CacheFilter struct {
	filter.Once
	ctx *Context
}

func NewCacheFilter(ctx *Context) *CacheFilter {
	return &CacheFilter{ctx: ctx}
}

func (f *CacheFilter) Execute(chain *filter.Chain) (filter.Result, error) {
	if !f.FirstCall() {
		return chain.Execute()
	}
	ctx := f.ctx
	m := ctx.Cache
	cs := CacheStatus{}

	if !m.IsCacheable(ctx.URI) {
		cs.Forward(CacheStatusFwdBypass)
		ctx.Header().Set("Cache-Status", cs.String())
		return chain.Execute()
	}
	policy := m.Policy(ctx.URI)
	if policy.WithLayout {
		return f.page(chain, policy, cs)
	}
	return f.action(chain, policy, cs)
}

func (f *CacheFilter) page(chain *filter.Chain, policy cachepolicy.Policy, cs CacheStatus) (filter.Result, error) {
	ctx := f.ctx
	m := ctx.Cache
	cs.Detail("page")

	if data, ok := m.Get(ctx.URI); ok {
		page, err := serializer.Unmarshal(data)
		if err == nil {
			copyHeader(ctx.Header(), page.Header)
			cs.Hit()
			ctx.Header().Set("Cache-Status", cs.String())
			ctx.Response.WriteHeader(page.StatusCode)
			ctx.Response.SetBody(page.Body)
			return filter.Halt("page served from cache"), nil
		}
		ctx.log.Warn().Err(err).Msg("Could not read cached page")
	}
	forward(&cs, m)

	res, err := chain.Execute()
	if err != nil || res.Halted() || ctx.Response.StatusCode() != http.StatusOK {
		return res, err
	}
	now := ctx.app.now()
	setCacheHeaders(ctx.Header(), policy, now)
	data, err := serializer.Marshal(serializer.Page{
		StatusCode: http.StatusOK,
		Header:     ctx.Header(),
		Body:       ctx.Response.Body(),
		StoredAt:   now,
	})
	if err != nil {
		ctx.log.Error().Err(err).Msg("Could not serialize page")
	} else {
		m.Set(data, ctx.URI)
	}
	ctx.Header().Set("Cache-Status", cs.String())
	return res, nil
}

func (f *CacheFilter) action(chain *filter.Chain, policy cachepolicy.Policy, cs CacheStatus) (filter.Result, error) {
	ctx := f.ctx
	m := ctx.Cache
	cs.Detail("action")

	modified := ctx.app.now()
	data, hit := m.Get(ctx.URI)
	if hit {
		ctx.supply(data)
		cs.Hit()
		if lm, ok := m.LastModified(ctx.URI); ok {
			modified = lm
		}
	} else {
		forward(&cs, m)
	}

	res, err := chain.Execute()
	if err != nil || res.Halted() || ctx.Response.StatusCode() != http.StatusOK {
		return res, err
	}
	if !hit && m.Set(ctx.content, ctx.URI) {
		if lm, ok := m.LastModified(ctx.URI); ok {
			modified = lm
		}
	}
	setCacheHeaders(ctx.Header(), policy, modified)
	ctx.Header().Set("Cache-Status", cs.String())
	return res, nil
}

func forward(cs *CacheStatus, m *Manager) {
	if m.Ignored() {
		cs.Forward(CacheStatusFwdRequest)
	} else {
		cs.Forward(CacheStatusFwdMiss)
	}
}

// setCacheHeaders advertises the client lifetime of the policy.
func setCacheHeaders(h http.Header, policy cachepolicy.Policy, modified time.Time) {
	maxAge := policy.ClientLifeTime
	h.Set("Last-Modified", modified.UTC().Format(http.TimeFormat))
	h.Set("Expires", modified.Add(maxAge).UTC().Format(http.TimeFormat))
	h.Set("Cache-Control", fmt.Sprintf("max-age=%d", int64(maxAge/time.Second)))
	if len(policy.Vary) > 0 {
		names := make([]string, len(policy.Vary))
		for i, name := range policy.Vary {
			names[i] = http.CanonicalHeaderKey(name)
		}
		h.Set("Vary", strings.Join(names, ", "))
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
