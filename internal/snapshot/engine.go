// Package snapshot turns inbound full-state pushes into visible room
// state. A snapshot always replaces the previous one wholesale: the
// server payload is the complete current truth, so there is no merge,
// no diffing, and no local echo of outgoing comments.
package snapshot

import (
	"context"
	"sync"

	"github.com/pulsehq/pulse/internal/bus"
	"github.com/pulsehq/pulse/internal/store"
	"github.com/pulsehq/pulse/internal/wire"
	"go.uber.org/zap"
)

// Applied is the payload for room.snapshot_applied events.
type Applied struct {
	RoomID string
	Seq    uint64
	Count  int
}

type applied struct {
	seq      uint64
	comments []wire.Comment
}

// Engine applies room snapshots with ordering safety and persists the
// latest one per room so surfaces restore instantly after a restart.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc

	mu    sync.Mutex
	seq   uint64
	rooms map[string]*applied
}

// NewEngine creates an engine. db may be nil to run memory-only.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:     db,
		bus:    b,
		logger: logger,
		rooms:  make(map[string]*applied),
	}
}

// Start restores cached snapshots and subscribes to inbound pushes.
func (e *Engine) Start(ctx context.Context) {
	e.restore()

	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("rt.snapshot", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				snap, ok := evt.Payload.(*wire.Snapshot)
				if !ok {
					continue
				}
				e.Apply(snap.RoomID, snap.Comments, snap.Seq)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Apply replaces the visible state of roomID with comments. seq is the
// server order token; zero means "stamp locally on arrival". A snapshot
// whose sequence is not greater than the last applied one for the room
// is a benign out-of-order delivery and is dropped silently. Returns
// whether the snapshot became visible.
func (e *Engine) Apply(roomID string, comments []wire.Comment, seq uint64) bool {
	if roomID == "" {
		return false
	}

	e.mu.Lock()
	if seq == 0 {
		e.seq++
		seq = e.seq
	} else if seq > e.seq {
		// Keep local stamps ahead of server tokens so the two never
		// collide within one room.
		e.seq = seq
	}
	cur, ok := e.rooms[roomID]
	if ok && seq <= cur.seq {
		e.mu.Unlock()
		e.logger.Debug("stale snapshot dropped",
			zap.String("room", roomID),
			zap.Uint64("seq", seq),
			zap.Uint64("applied", cur.seq))
		return false
	}
	e.rooms[roomID] = &applied{seq: seq, comments: comments}
	e.mu.Unlock()

	if e.db != nil {
		if err := e.db.ReplaceRoomComments(roomID, seq, comments); err != nil {
			e.logger.Error("persist snapshot", zap.Error(err), zap.String("room", roomID))
		}
	}

	e.logger.Info("snapshot applied",
		zap.String("room", roomID),
		zap.Uint64("seq", seq),
		zap.Int("comments", len(comments)))
	e.bus.Publish(bus.NewEvent("room.snapshot_applied", Applied{
		RoomID: roomID,
		Seq:    seq,
		Count:  len(comments),
	}))
	return true
}

// Visible returns the current comment list for roomID in server order.
// Nil means no snapshot has arrived yet, which surfaces render as a
// loading state, never as an error.
func (e *Engine) Visible(roomID string) []wire.Comment {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]wire.Comment, len(cur.comments))
	copy(out, cur.comments)
	return out
}

// LastSeq returns the sequence of the applied snapshot for roomID.
func (e *Engine) LastSeq(roomID string) (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.rooms[roomID]
	if !ok {
		return 0, false
	}
	return cur.seq, true
}

// Forget drops in-memory and cached state for roomID. Called when a
// surface permanently leaves a room.
func (e *Engine) Forget(roomID string) {
	e.mu.Lock()
	delete(e.rooms, roomID)
	e.mu.Unlock()
	if e.db != nil {
		if err := e.db.DeleteRoomComments(roomID); err != nil {
			e.logger.Error("drop cached snapshot", zap.Error(err), zap.String("room", roomID))
		}
	}
}

// restore warm-loads the latest cached snapshot of every room.
func (e *Engine) restore() {
	if e.db == nil {
		return
	}
	snaps, err := e.db.ListRoomSnapshots()
	if err != nil {
		e.logger.Error("restore snapshots", zap.Error(err))
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range snaps {
		comments, err := e.db.ListRoomComments(s.RoomID)
		if err != nil {
			e.logger.Error("restore room", zap.Error(err), zap.String("room", s.RoomID))
			continue
		}
		e.rooms[s.RoomID] = &applied{seq: s.Seq, comments: comments}
		if s.Seq > e.seq {
			e.seq = s.Seq
		}
	}
	if len(snaps) > 0 {
		e.logger.Info("snapshots restored", zap.Int("rooms", len(snaps)))
	}
}
