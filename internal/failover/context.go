package failover

import "time"

// Context tracks one top-level retry sequence: the current attempt, the
// endpoint it targets, and every endpoint id already tried. Contexts are
// immutable — NextAttempt produces a new one — so concurrent sequences
// sharing a Manager never observe each other's bookkeeping.
type Context struct {
	Attempt   uint32
	Endpoint  *Endpoint
	StartedAt time.Time

	tried map[string]struct{}
}

// NewContext starts a fresh sequence with nothing tried yet.
func NewContext() *Context {
	return &Context{
		Attempt:   0,
		StartedAt: time.Now(),
		tried:     map[string]struct{}{},
	}
}

// Tried reports whether the endpoint id was already used in this sequence.
func (c *Context) Tried(id string) bool {
	_, ok := c.tried[id]
	return ok
}

// TriedCount returns how many distinct endpoints this sequence has used.
func (c *Context) TriedCount() int { return len(c.tried) }

// NextAttempt returns a new context targeting ep, with ep marked as tried.
// The receiver is left untouched.
func (c *Context) NextAttempt(ep *Endpoint) *Context {
	tried := make(map[string]struct{}, len(c.tried)+1)
	for id := range c.tried {
		tried[id] = struct{}{}
	}
	if ep != nil {
		tried[ep.ID] = struct{}{}
	}
	return &Context{
		Attempt:   c.Attempt + 1,
		Endpoint:  ep,
		StartedAt: c.StartedAt,
		tried:     tried,
	}
}
