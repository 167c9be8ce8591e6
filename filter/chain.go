// Package filter implements the sequential filter chain every request passes through.
//
// Each filter receives the chain and decides whether to continue it:
//
//	func (f *timer) Execute(chain *filter.Chain) (filter.Result, error) {
//		start := time.Now()
//		res, err := chain.Execute()
//		log.Trace().Dur("took", time.Since(start)).Msg("Request done")
//		return res, err
//	}
//
// A filter that does not call Execute again skips all remaining filters.
// Returning Halt says so explicitly: the response is final and the request succeeded.
// Errors are returned unmodified through all enclosing filters.
package filter

// Outcome tells how a chain ended.
type Outcome int

const (
	// Continued means the chain ran to its end or a filter returned without halting.
	Continued Outcome = iota
	// Halted means a filter stopped the chain on purpose with a final response.
	Halted
)

func (o Outcome) String() string {
	if o == Halted {
		return "halted"
	}
	return "continued"
}

// Result is what a filter returns when it succeeds.
type Result struct {
	Outcome Outcome
	// Reason describes why the chain was halted.
	Reason string
}

// Continue is the result of a filter that let the chain proceed.
func Continue() Result {
	return Result{Outcome: Continued}
}

// Halt is the result of a filter that stopped the chain with a final response.
func Halt(reason string) Result {
	return Result{Outcome: Halted, Reason: reason}
}

// Halted reports whether the chain was stopped on purpose.
func (r Result) Halted() bool {
	return r.Outcome == Halted
}

// Filter intercepts a request. Call chain.Execute to run the remaining filters.
type Filter interface {
	Execute(chain *Chain) (Result, error)
}

// Func adapts a function to the Filter interface.
type Func func(chain *Chain) (Result, error)

func (f Func) Execute(chain *Chain) (Result, error) {
	return f(chain)
}

// Chain is an ordered list of filters with a cursor.
// A chain serves a single request and is not safe for concurrent use.
type Chain struct {
	filters []Filter
	cursor  int
}

// New returns an empty chain.
func New(filters ...Filter) *Chain {
	return &Chain{filters: filters, cursor: -1}
}

// Register appends a filter. Filters of the same type may be registered more than once.
func (c *Chain) Register(f Filter) {
	c.filters = append(c.filters, f)
}

// Execute advances the cursor and runs the filter at its position.
// Past the last filter it returns Continue.
func (c *Chain) Execute() (Result, error) {
	c.cursor++
	if c.cursor < len(c.filters) {
		return c.filters[c.cursor].Execute(c)
	}
	return Continue(), nil
}

// Len returns the number of registered filters.
func (c *Chain) Len() int {
	return len(c.filters)
}

// Has reports whether a filter of type T is registered.
func Has[T Filter](c *Chain) bool {
	for _, f := range c.filters {
		if _, ok := f.(T); ok {
			return true
		}
	}
	return false
}

// Once guards the part of a filter that must run only on its first call in a request.
// Embed it in filters that may be entered more than once.
type Once struct {
	called bool
}

// FirstCall returns true the first time it is called.
func (o *Once) FirstCall() bool {
	if o.called {
		return false
	}
	o.called = true
	return true
}
