package feed

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pulsehq/pulse/internal/bus"
	"github.com/pulsehq/pulse/internal/store"
)

func convs(start, n int) []store.Conversation {
	out := make([]store.Conversation, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, store.Conversation{
			ID:    fmt.Sprintf("conv-%03d", start+i),
			Title: fmt.Sprintf("Conversation %d", start+i),
		})
	}
	return out
}

// fakePager serves a fixed backing list, slicing per request.
type fakePager struct {
	backing []store.Conversation
	total   int
	err     error
	calls   int
	offsets []int
}

func (p *fakePager) ListConversations(_ context.Context, limit, offset int, _ string) ([]store.Conversation, int, error) {
	p.calls++
	p.offsets = append(p.offsets, offset)
	if p.err != nil {
		return nil, 0, p.err
	}
	if offset >= len(p.backing) {
		return nil, p.total, nil
	}
	end := offset + limit
	if end > len(p.backing) {
		end = len(p.backing)
	}
	page := make([]store.Conversation, end-offset)
	copy(page, p.backing[offset:end])
	return page, p.total, nil
}

func newTestLoader(t *testing.T, pager Pager) (*Loader, *bus.Bus) {
	t.Helper()
	b := bus.New()
	return NewLoader(10, pager, nil, b, zap.NewNop()), b
}

func TestLoadMoreAccumulatesPages(t *testing.T) {
	pager := &fakePager{backing: convs(0, 25), total: 25}
	loader, _ := newTestLoader(t, pager)
	acc := loader.Accumulator()

	if err := loader.LoadMore(context.Background()); err != nil {
		t.Fatalf("first page: %v", err)
	}
	if acc.Len() != 10 || acc.Remaining() != 15 || !acc.HasMore() {
		t.Fatalf("after page 1: len=%d remaining=%d hasMore=%v", acc.Len(), acc.Remaining(), acc.HasMore())
	}

	if err := loader.LoadMore(context.Background()); err != nil {
		t.Fatalf("second page: %v", err)
	}
	if acc.Len() != 20 || acc.Remaining() != 5 || !acc.HasMore() {
		t.Fatalf("after page 2: len=%d remaining=%d hasMore=%v", acc.Len(), acc.Remaining(), acc.HasMore())
	}

	if err := loader.LoadMore(context.Background()); err != nil {
		t.Fatalf("third page: %v", err)
	}
	if acc.Len() != 25 || acc.Remaining() != 0 || acc.HasMore() {
		t.Fatalf("after page 3: len=%d remaining=%d hasMore=%v", acc.Len(), acc.Remaining(), acc.HasMore())
	}

	// Exhausted: no further fetches happen.
	if err := loader.LoadMore(context.Background()); err != nil {
		t.Fatalf("exhausted load: %v", err)
	}
	if pager.calls != 3 {
		t.Fatalf("pager calls = %d, want 3", pager.calls)
	}

	items := acc.Items()
	if items[0].ID != "conv-000" || items[24].ID != "conv-024" {
		t.Fatalf("unexpected item order: first=%s last=%s", items[0].ID, items[24].ID)
	}
}

func TestLoadMoreFetchesAtAccumulatedOffset(t *testing.T) {
	pager := &fakePager{backing: convs(0, 25), total: 25}
	loader, _ := newTestLoader(t, pager)

	for i := 0; i < 3; i++ {
		if err := loader.LoadMore(context.Background()); err != nil {
			t.Fatalf("page %d: %v", i+1, err)
		}
	}
	want := []int{0, 10, 20}
	for i, off := range pager.offsets {
		if off != want[i] {
			t.Fatalf("offsets = %v, want %v", pager.offsets, want)
		}
	}
}

func TestLoadPageDeduplicatesByID(t *testing.T) {
	acc := NewAccumulator()
	acc.LoadPage(convs(0, 10), 25)
	// Overlapping page: items 5..14.
	acc.LoadPage(convs(5, 10), 25)

	if acc.Len() != 15 {
		t.Fatalf("len = %d, want 15 after overlap", acc.Len())
	}
	seen := map[string]bool{}
	for _, item := range acc.Items() {
		if seen[item.ID] {
			t.Fatalf("duplicate id %s", item.ID)
		}
		seen[item.ID] = true
	}
}

func TestShrunkenTotalClampsRemaining(t *testing.T) {
	acc := NewAccumulator()
	acc.LoadPage(convs(0, 10), 25)
	acc.LoadPage(convs(10, 10), 18)

	if acc.Len() != 20 {
		t.Fatalf("len = %d, want 20", acc.Len())
	}
	if acc.Remaining() != 0 {
		t.Fatalf("remaining = %d, want 0 (clamped)", acc.Remaining())
	}
	if acc.HasMore() {
		t.Fatal("hasMore should be false once total falls below held count")
	}
}

func TestResetClearsAccumulation(t *testing.T) {
	pager := &fakePager{backing: convs(0, 25), total: 25}
	loader, _ := newTestLoader(t, pager)

	if err := loader.LoadMore(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	loader.Reset("alice")

	acc := loader.Accumulator()
	if acc.Len() != 0 || acc.Total() != 0 || acc.HasMore() || acc.Primed() {
		t.Fatalf("reset left state behind: len=%d total=%d", acc.Len(), acc.Total())
	}
	if acc.Query() != "alice" {
		t.Fatalf("query = %q, want alice", acc.Query())
	}

	// Next load starts over at offset zero.
	if err := loader.LoadMore(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := pager.offsets[len(pager.offsets)-1]; got != 0 {
		t.Fatalf("offset after reset = %d, want 0", got)
	}
}

func TestFetchErrorLeavesStateUntouched(t *testing.T) {
	pager := &fakePager{backing: convs(0, 25), total: 25}
	loader, b := newTestLoader(t, pager)
	acc := loader.Accumulator()

	if err := loader.LoadMore(context.Background()); err != nil {
		t.Fatalf("first page: %v", err)
	}

	failures, unsub := b.Subscribe("feed.load_failed", 4)
	defer unsub()

	pager.err = errors.New("upstream 503")
	if err := loader.LoadMore(context.Background()); err == nil {
		t.Fatal("expected fetch error")
	}

	if acc.Len() != 10 || acc.Remaining() != 15 {
		t.Fatalf("failed fetch changed state: len=%d remaining=%d", acc.Len(), acc.Remaining())
	}

	select {
	case ev := <-failures:
		failed, ok := ev.Payload.(LoadFailed)
		if !ok || failed.Message == "" {
			t.Fatalf("unexpected failure payload: %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no feed.load_failed event")
	}

	// Recovery: the next attempt resumes from the same offset.
	pager.err = nil
	if err := loader.LoadMore(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if acc.Len() != 20 {
		t.Fatalf("len after retry = %d, want 20", acc.Len())
	}
}

func TestPageLoadedEvent(t *testing.T) {
	pager := &fakePager{backing: convs(0, 25), total: 25}
	loader, b := newTestLoader(t, pager)

	pages, unsub := b.Subscribe("feed.page_loaded", 4)
	defer unsub()

	if err := loader.LoadMore(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	select {
	case ev := <-pages:
		loaded, ok := ev.Payload.(PageLoaded)
		if !ok {
			t.Fatalf("unexpected payload type %T", ev.Payload)
		}
		if loaded.Added != 10 || loaded.Count != 10 || loaded.Total != 25 || !loaded.HasMore || loaded.Remaining != 15 {
			t.Fatalf("unexpected page event: %+v", loaded)
		}
	case <-time.After(time.Second):
		t.Fatal("no feed.page_loaded event")
	}
}

func TestEmptyResultPrimesAccumulator(t *testing.T) {
	pager := &fakePager{backing: nil, total: 0}
	loader, _ := newTestLoader(t, pager)

	if err := loader.LoadMore(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := loader.LoadMore(context.Background()); err != nil {
		t.Fatalf("second load: %v", err)
	}
	if pager.calls != 1 {
		t.Fatalf("pager calls = %d, want 1 (empty result is terminal)", pager.calls)
	}
}
