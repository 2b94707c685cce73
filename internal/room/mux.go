// Package room multiplexes logical room subscriptions over one physical
// connection and guarantees membership is restored after reconnects.
package room

import (
	"context"
	"errors"
	"sync"

	"github.com/pulsehq/pulse/internal/bus"
	"github.com/pulsehq/pulse/internal/conn"
	"github.com/pulsehq/pulse/internal/status"
	"github.com/pulsehq/pulse/internal/wire"
	"go.uber.org/zap"
)

// ErrEmptyRoomID rejects join and send requests without a resource id.
var ErrEmptyRoomID = errors.New("room id must not be empty")

// Binding is the externally visible view of one registered room.
type Binding struct {
	RoomID string
	Acked  bool
}

type binding struct {
	roomID string
	// joined tracks whether a join was issued on the current physical
	// connection epoch; cleared whenever the transport is lost so the
	// room is re-joined exactly once per successful (re)connect.
	joined bool
	// acked is set when the server confirms membership. Sends never
	// wait for it.
	acked bool
}

// Mux keeps an ordered registry of room bindings on top of a Manager.
// Bindings survive reconnects and manager swaps (credential changes);
// the server-side join is re-issued in registration order every time the
// attached connection reaches CONNECTED.
type Mux struct {
	bus    *bus.Bus
	logger *zap.Logger

	mu       sync.Mutex
	manager  *conn.Manager
	connID   string
	bindings []*binding
	index    map[string]*binding

	cancel context.CancelFunc
}

// NewMux creates a detached mux. Attach a manager before joining rooms.
func NewMux(b *bus.Bus, logger *zap.Logger) *Mux {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mux{
		bus:    b,
		logger: logger,
		index:  make(map[string]*binding),
	}
}

// Start subscribes to connection state changes and join acks.
func (x *Mux) Start(ctx context.Context) {
	ctx, x.cancel = context.WithCancel(ctx)
	stateCh, unsubState := x.bus.Subscribe("conn.state_changed", 64)
	ackCh, unsubAck := x.bus.Subscribe("rt.join_ack", 64)

	go func() {
		defer unsubState()
		defer unsubAck()
		for {
			select {
			case evt := <-stateCh:
				if change, ok := evt.Payload.(status.Change); ok {
					x.handleStateChange(change)
				}
			case evt := <-ackCh:
				if ack, ok := evt.Payload.(*wire.JoinAck); ok {
					x.handleJoinAck(ack)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts event processing. Bindings are kept.
func (x *Mux) Stop() {
	if x.cancel != nil {
		x.cancel()
	}
}

// Attach binds the mux to a manager, keeping all registered rooms. Used
// at startup and after a credential change replaced the connection.
// Membership on the previous connection is void, so every binding is
// marked for rejoin.
func (x *Mux) Attach(m *conn.Manager) {
	x.mu.Lock()
	x.manager = m
	x.connID = ""
	if m != nil {
		x.connID = m.ID()
	}
	for _, bd := range x.bindings {
		bd.joined = false
		bd.acked = false
	}
	x.mu.Unlock()

	if m != nil && m.Online() {
		x.flushJoins()
	}
}

// Detach disconnects the mux from its manager. Bindings are kept so a
// later Attach restores membership.
func (x *Mux) Detach() {
	x.Attach(nil)
}

// Join registers roomID and requests membership. Duplicate joins for a
// registered room are deduplicated. If the connection is not yet up the
// join is queued and issued as soon as CONNECTED is reached.
func (x *Mux) Join(roomID string) error {
	if roomID == "" {
		return ErrEmptyRoomID
	}

	x.mu.Lock()
	if _, ok := x.index[roomID]; ok {
		x.mu.Unlock()
		return nil
	}
	bd := &binding{roomID: roomID}
	x.bindings = append(x.bindings, bd)
	x.index[roomID] = bd
	m := x.manager
	online := m != nil && m.Online()
	if online {
		bd.joined = true
	}
	x.mu.Unlock()

	x.logger.Info("room registered", zap.String("room", roomID))
	if online {
		m.Send(wire.NewJoin(roomID))
	}
	return nil
}

// Leave unregisters roomID. Idempotent: leaving an unknown room is a
// no-op, not an error.
func (x *Mux) Leave(roomID string) {
	x.mu.Lock()
	bd, ok := x.index[roomID]
	if !ok {
		x.mu.Unlock()
		return
	}
	delete(x.index, roomID)
	for i, b := range x.bindings {
		if b == bd {
			x.bindings = append(x.bindings[:i], x.bindings[i+1:]...)
			break
		}
	}
	m := x.manager
	wasJoined := bd.joined
	x.mu.Unlock()

	x.logger.Info("room unregistered", zap.String("room", roomID))
	if wasJoined && m != nil {
		m.Send(wire.NewLeave(roomID))
	}
}

// SendComment emits a comment scoped to roomID, fire-and-forget. It does
// not require membership; the server ignores sends for rooms it has no
// record of, which is an accepted outcome.
func (x *Mux) SendComment(roomID, text string) error {
	if roomID == "" {
		return ErrEmptyRoomID
	}
	x.mu.Lock()
	m := x.manager
	x.mu.Unlock()
	if m != nil {
		m.Send(wire.NewComment(roomID, text))
	}
	return nil
}

// Rooms returns the registered bindings in registration order.
func (x *Mux) Rooms() []Binding {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]Binding, 0, len(x.bindings))
	for _, bd := range x.bindings {
		out = append(out, Binding{RoomID: bd.roomID, Acked: bd.acked})
	}
	return out
}

// Empty reports whether no rooms are registered, making the underlying
// connection eligible for teardown.
func (x *Mux) Empty() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.bindings) == 0
}

func (x *Mux) handleStateChange(change status.Change) {
	x.mu.Lock()
	if change.ConnID != x.connID {
		x.mu.Unlock()
		return
	}
	x.mu.Unlock()

	switch change.To {
	case status.Connected:
		x.flushJoins()
	case status.Reconnecting, status.Failed, status.Closed:
		// Server-side membership is gone with the transport.
		x.mu.Lock()
		for _, bd := range x.bindings {
			bd.joined = false
			bd.acked = false
		}
		x.mu.Unlock()
	}
}

// flushJoins issues a join for every binding not yet joined on the
// current connection epoch, in registration order.
func (x *Mux) flushJoins() {
	x.mu.Lock()
	m := x.manager
	var pending []string
	for _, bd := range x.bindings {
		if !bd.joined {
			bd.joined = true
			pending = append(pending, bd.roomID)
		}
	}
	x.mu.Unlock()

	if m == nil {
		return
	}
	for _, roomID := range pending {
		x.logger.Info("joining room", zap.String("room", roomID))
		m.Send(wire.NewJoin(roomID))
	}
}

func (x *Mux) handleJoinAck(ack *wire.JoinAck) {
	x.mu.Lock()
	if bd, ok := x.index[ack.RoomID]; ok {
		bd.acked = true
	}
	x.mu.Unlock()
	x.logger.Debug("join acknowledged", zap.String("room", ack.RoomID))
}
