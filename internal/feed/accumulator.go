// Package feed grows a conversation list in fixed-size pages while
// tracking how much the server still holds.
package feed

import (
	"sync"

	"github.com/pulsehq/pulse/internal/store"
)

// Accumulator collects conversation summaries page by page. Accumulation
// is strictly additive within one search context; changing the context
// resets everything.
type Accumulator struct {
	mu    sync.Mutex
	query string
	items []store.Conversation
	seen  map[string]bool
	total int
	// primed is set after the first page; it distinguishes "nothing
	// fetched yet" from "server reported an empty result".
	primed bool
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{seen: make(map[string]bool)}
}

// Reset clears accumulated items and total for a new search context.
func (a *Accumulator) Reset(query string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.query = query
	a.items = nil
	a.seen = make(map[string]bool)
	a.total = 0
	a.primed = false
}

// LoadPage appends a page of items, deduplicated by id against what is
// already held. reportedTotal is authoritative as of this response: the
// last page wins, it is never summed.
func (a *Accumulator) LoadPage(items []store.Conversation, reportedTotal int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, item := range items {
		if a.seen[item.ID] {
			continue
		}
		a.seen[item.ID] = true
		a.items = append(a.items, item)
	}
	a.total = reportedTotal
	a.primed = true
}

// Items returns the accumulated summaries in insertion order.
func (a *Accumulator) Items() []store.Conversation {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]store.Conversation, len(a.items))
	copy(out, a.items)
	return out
}

// Len returns how many items have been accumulated.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.items)
}

// Total returns the item count last reported by the server.
func (a *Accumulator) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// Query returns the current search context.
func (a *Accumulator) Query() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.query
}

// Primed reports whether at least one page has been loaded in the
// current search context.
func (a *Accumulator) Primed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.primed
}

// HasMore reports whether the server holds items beyond the accumulated
// ones. When a later page reports a shrunken total (concurrent
// deletions), HasMore turns false; staleness of already-shown items is
// accepted, not reconciled.
func (a *Accumulator) HasMore() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.items) < a.total
}

// Remaining returns how many items are still unfetched, clamped to zero.
func (a *Accumulator) Remaining() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r := a.total - len(a.items); r > 0 {
		return r
	}
	return 0
}
