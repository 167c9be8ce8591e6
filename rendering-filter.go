package viewcache

import (
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/always-cache/viewcache/filter"
)

// RenderingFilter runs the action and applies the layout.
// When the cache filter already supplied the action output, the action is skipped.
type RenderingFilter struct {
	filter.Once
	ctx  *Context
	etag bool
}

func NewRenderingFilter(ctx *Context, etag bool) *RenderingFilter {
	return &RenderingFilter{ctx: ctx, etag: etag}
}

func (f *RenderingFilter) Execute(chain *filter.Chain) (filter.Result, error) {
	if !f.FirstCall() {
		return chain.Execute()
	}
	ctx := f.ctx
	if ctx.contentCached {
		ctx.Response.SetBody(ctx.content)
	} else {
		if err := ctx.run(); err != nil {
			return filter.Continue(), err
		}
		if ctx.Halted() {
			return ctx.result, nil
		}
	}

	if ctx.layout != nil {
		page, err := ctx.layout(ctx, ctx.content)
		if err != nil {
			return filter.Continue(), err
		}
		ctx.Response.SetBody(page)
	}
	if f.etag {
		sum := xxhash.Sum64(ctx.Response.Body())
		ctx.Header().Set("ETag", `"`+strconv.FormatUint(sum, 16)+`"`)
	}
	return chain.Execute()
}
