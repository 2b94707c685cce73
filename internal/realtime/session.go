// Package realtime ties the credential, the connection registry and the
// room multiplexer into one per-profile session. It is the only place
// that decides which connection the daemon is on.
package realtime

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pulsehq/pulse/internal/bus"
	"github.com/pulsehq/pulse/internal/conn"
	"github.com/pulsehq/pulse/internal/room"
	"github.com/pulsehq/pulse/internal/token"
)

// Session owns the active upstream connection for a profile. A
// credential change never mutates a live connection: the session
// releases the old manager and acquires a fresh one, and the mux
// rejoins its rooms on the new connection.
type Session struct {
	endpoint string
	tokens   *token.Source
	registry *conn.Registry
	mux      *room.Mux
	bus      *bus.Bus
	logger   *zap.Logger

	mu      sync.Mutex
	current *conn.Manager
	ctx     context.Context
	cancel  context.CancelFunc
	closed  bool
}

// NewSession wires a session against endpoint.
func NewSession(endpoint string, tokens *token.Source, registry *conn.Registry, mux *room.Mux, b *bus.Bus, logger *zap.Logger) *Session {
	return &Session{
		endpoint: endpoint,
		tokens:   tokens,
		registry: registry,
		mux:      mux,
		bus:      b,
		logger:   logger.Named("session"),
	}
}

// Start brings up the mux, connects with the current credential and
// begins watching for credential changes.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()

	s.mux.Start(s.ctx)

	changes, unsub := s.bus.Subscribe("auth.token_changed", 8)
	go func() {
		defer unsub()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-changes:
				s.swap()
			}
		}
	}()

	s.swap()
}

// Manager returns the active connection manager, or nil when the
// session is parked.
func (s *Session) Manager() *conn.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Close tears the session down: the active connection is released and
// the mux stops listening. The session cannot be restarted.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	old := s.current
	s.current = nil
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.mux.Detach()
	s.mux.Stop()
	if old != nil {
		s.registry.Release(old)
	}
}

// swap reconciles the active connection with the current credential.
// Same credential is a no-op; an empty credential parks the session
// with no connection until a login arrives.
func (s *Session) swap() {
	tok := s.tokens.Current()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	old := s.current
	ctx := s.ctx
	s.mu.Unlock()

	if tok == "" {
		if old == nil {
			return
		}
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
		s.mux.Detach()
		s.registry.Release(old)
		s.logger.Info("session parked")
		return
	}

	next := s.registry.Acquire(s.endpoint, tok)
	if next == old {
		// Acquire refcounted the same manager; undo.
		if next != nil {
			s.registry.Release(next)
		}
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.registry.Release(next)
		return
	}
	s.current = next
	s.mu.Unlock()

	s.mux.Attach(next)
	if old != nil {
		s.registry.Release(old)
	}

	s.logger.Info("connection swapped",
		zap.Bool("authenticated", tok != ""),
		zap.String("conn_id", next.ID()))

	if err := next.Connect(ctx); err != nil {
		s.logger.Warn("connect failed", zap.Error(err))
	}
}
