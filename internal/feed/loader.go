package feed

import (
	"context"

	"go.uber.org/zap"

	"github.com/pulsehq/pulse/internal/bus"
	"github.com/pulsehq/pulse/internal/store"
)

// Pager fetches one page of conversation summaries. Implemented by the
// rest client.
type Pager interface {
	ListConversations(ctx context.Context, limit, offset int, query string) ([]store.Conversation, int, error)
}

// PageLoaded is published on "feed.page_loaded" after a successful fetch.
type PageLoaded struct {
	Added     int
	Count     int
	Total     int
	HasMore   bool
	Remaining int
}

// LoadFailed is published on "feed.load_failed" when a fetch errors.
// The accumulated list is untouched in that case; surfaces show the
// message as a transient notice.
type LoadFailed struct {
	Message string
}

// Loader drives an Accumulator from a Pager, caching loaded summaries
// in the local store.
type Loader struct {
	acc      *Accumulator
	pager    Pager
	db       *store.DB
	bus      *bus.Bus
	logger   *zap.Logger
	pageSize int
}

// NewLoader creates a loader fetching pageSize items per call. db may be
// nil to skip caching.
func NewLoader(pageSize int, pager Pager, db *store.DB, b *bus.Bus, logger *zap.Logger) *Loader {
	return &Loader{
		acc:      NewAccumulator(),
		pager:    pager,
		db:       db,
		bus:      b,
		logger:   logger.Named("feed"),
		pageSize: pageSize,
	}
}

// Accumulator exposes the underlying accumulator for read access.
func (l *Loader) Accumulator() *Accumulator {
	return l.acc
}

// Reset starts a new search context. The next LoadMore fetches from
// offset zero.
func (l *Loader) Reset(query string) {
	l.acc.Reset(query)
}

// LoadMore fetches the next page and folds it into the accumulator. It
// is a no-op once the server reports nothing further. A fetch error
// leaves the accumulated state unchanged and is reported once on the
// bus.
func (l *Loader) LoadMore(ctx context.Context) error {
	if l.acc.Primed() && !l.acc.HasMore() {
		return nil
	}

	offset := l.acc.Len()
	query := l.acc.Query()
	items, total, err := l.pager.ListConversations(ctx, l.pageSize, offset, query)
	if err != nil {
		l.logger.Warn("page fetch failed",
			zap.Int("offset", offset),
			zap.Error(err))
		l.bus.Publish(bus.NewEvent("feed.load_failed", LoadFailed{Message: err.Error()}))
		return err
	}

	added := -l.acc.Len()
	l.acc.LoadPage(items, total)
	added += l.acc.Len()

	if l.db != nil && len(items) > 0 {
		if err := l.db.UpsertConversations(items); err != nil {
			l.logger.Warn("conversation cache write failed", zap.Error(err))
		}
	}

	l.bus.Publish(bus.NewEvent("feed.page_loaded", PageLoaded{
		Added:     added,
		Count:     l.acc.Len(),
		Total:     l.acc.Total(),
		HasMore:   l.acc.HasMore(),
		Remaining: l.acc.Remaining(),
	}))
	return nil
}
