package viewcache

import (
	"net/http"
	"time"

	"github.com/always-cache/viewcache/filter"
	cacheupdate "github.com/always-cache/viewcache/pkg/cache-update"
)

// UpdateFilter removes the cached output named in the `Cache-Update` headers of the response.
// Only successful responses to unsafe requests are considered. The header never reaches the client.
type UpdateFilter struct {
	filter.Once
	ctx *Context
}

func NewUpdateFilter(ctx *Context) *UpdateFilter {
	return &UpdateFilter{ctx: ctx}
}

func (f *UpdateFilter) Execute(chain *filter.Chain) (filter.Result, error) {
	if !f.FirstCall() {
		return chain.Execute()
	}
	res, err := chain.Execute()
	if err != nil {
		return res, err
	}
	ctx := f.ctx
	updates, malformed := cacheupdate.GetCacheUpdates(ctx.Request, ctx.Header())
	ctx.Header().Del(cacheupdate.Header)
	for _, entry := range malformed {
		ctx.log.Warn().Str("update", entry).Msg("Ignoring malformed cache update")
	}
	if ctx.Response.StatusCode() >= http.StatusBadRequest {
		return res, nil
	}
	f.saveUpdates(updates)
	return res, nil
}

func (f *UpdateFilter) saveUpdates(updates []cacheupdate.CacheUpdate) {
	for _, update := range updates {
		f.ctx.log.Trace().Stringer("update", update.URI).Msg("Updating cache based on header")
		if update.Delay > 0 {
			m := f.ctx.Cache.Detached()
			time.AfterFunc(update.Delay, func() {
				removeUpdated(m, update)
			})
			continue
		}
		removeUpdated(f.ctx.Cache, update)
	}
}

func removeUpdated(m *Manager, update cacheupdate.CacheUpdate) {
	if err := m.Register(update.URI.Module); err != nil {
		m.log.Error().Err(err).Str("module", update.URI.Module).Msg("Could not load cache policies")
		return
	}
	if err := m.Remove(update.URI); err != nil {
		m.log.Error().Err(err).Stringer("update", update.URI).Msg("Could not remove updated entry")
	}
}
