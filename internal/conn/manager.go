// Package conn owns the physical realtime connection: dialing,
// credential presentation, failure detection and bounded reconnect.
// Connectivity is exposed as state machine transitions on the bus,
// never as errors thrown at observers.
package conn

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pulsehq/pulse/internal/bus"
	"github.com/pulsehq/pulse/internal/status"
	"github.com/pulsehq/pulse/internal/wire"
	"go.uber.org/zap"
)

// ErrClosed is returned when an operation races with explicit teardown.
var ErrClosed = errors.New("connection closed")

const outgoingBuffer = 64

// Policy bounds the automatic reconnect loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Manager owns one physical connection for a fixed (endpoint, token)
// pair. A credential change never mutates a Manager; the registry hands
// out a fresh one instead, because mixing credentials on one socket is
// unsafe.
type Manager struct {
	id       string
	endpoint string
	token    string
	dialer   Dialer
	machine  *status.Machine
	bus      *bus.Bus
	logger   *zap.Logger
	retry    *backoff

	mu        sync.Mutex
	transport Transport
	cancel    context.CancelFunc
	outgoing  chan wire.Envelope
}

// NewManager creates a manager in IDLE. No network activity happens
// until Connect.
func NewManager(endpoint, token string, policy Policy, dialer Dialer, b *bus.Bus, logger *zap.Logger) *Manager {
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Manager{
		id:       id,
		endpoint: endpoint,
		token:    token,
		dialer:   dialer,
		machine:  status.NewMachine(id, b),
		bus:      b,
		logger:   logger.With(zap.String("conn_id", id)),
		retry:    newBackoff(policy.BaseDelay, policy.MaxDelay, policy.MaxAttempts),
		outgoing: make(chan wire.Envelope, outgoingBuffer),
	}
}

// ID returns the connection id carried in conn.state_changed events.
func (m *Manager) ID() string { return m.id }

// Endpoint returns the platform base URL this manager dials.
func (m *Manager) Endpoint() string { return m.endpoint }

// State returns the current lifecycle state.
func (m *Manager) State() status.State { return m.machine.Current() }

// Online reports whether the socket is usable right now.
func (m *Manager) Online() bool { return m.machine.Online() }

// Recovering reports whether an automatic reconnect is in progress.
func (m *Manager) Recovering() bool { return m.machine.Recovering() }

// Connect performs the handshake. Valid from IDLE and FAILED. A
// handshake error parks the manager in FAILED; automatic retries only
// ever happen after an established connection drops.
func (m *Manager) Connect(ctx context.Context) error {
	if err := m.machine.Transition(status.Connecting); err != nil {
		return err
	}

	// A previous FAILED cycle may have left pumps running; stop them
	// before starting a fresh pair so the transport has a single writer.
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()

	t, err := m.dial(ctx)
	if err != nil {
		_ = m.machine.Transition(status.Failed)
		m.logger.Warn("handshake failed", zap.Error(err))
		return err
	}

	// The dial context bounds the handshake only; the running
	// connection lives until Close.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.transport = t
	m.cancel = cancel
	m.mu.Unlock()
	m.retry.markConnected()

	if err := m.machine.Transition(status.Connected); err != nil {
		// Close() won the race.
		cancel()
		_ = t.Close()
		return ErrClosed
	}
	m.logger.Info("connected", zap.String("endpoint", m.endpoint))

	go m.writePump(runCtx)
	go m.readPump(runCtx, t)
	return nil
}

// Send enqueues an envelope for the writer. Best-effort: envelopes are
// dropped when the socket is down or the queue is full, which the
// protocol accepts for every outbound message class.
func (m *Manager) Send(env wire.Envelope) {
	if !m.machine.Online() {
		m.logger.Debug("offline, dropping outbound", zap.String("type", env.Type))
		return
	}
	select {
	case m.outgoing <- env:
	default:
		m.logger.Warn("outgoing queue full, dropping", zap.String("type", env.Type))
	}
}

// Close tears the connection down immediately and unconditionally:
// pending reconnect timers are cancelled, the transport is closed, and
// the manager parks in CLOSED forever.
func (m *Manager) Close() {
	if err := m.machine.Transition(status.Closed); err != nil {
		return // already closed
	}
	m.mu.Lock()
	cancel := m.cancel
	t := m.transport
	m.cancel = nil
	m.transport = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if t != nil {
		_ = t.Close()
	}
	m.logger.Info("closed")
}

func (m *Manager) dial(ctx context.Context) (Transport, error) {
	header := http.Header{}
	if m.token != "" {
		header.Set("Authorization", "Bearer "+m.token)
	}
	return m.dialer.Dial(ctx, SocketURL(m.endpoint), header)
}

// writePump is the single goroutine allowed to write to the transport.
func (m *Manager) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-m.outgoing:
			if !m.machine.Online() {
				m.logger.Debug("offline, dropping outbound", zap.String("type", env.Type))
				continue
			}
			m.mu.Lock()
			t := m.transport
			m.mu.Unlock()
			if t == nil {
				continue
			}
			data, err := env.Encode()
			if err != nil {
				m.logger.Error("encode outbound", zap.Error(err))
				continue
			}
			if err := t.WriteMessage(data); err != nil {
				// The read pump detects the dead socket and recovers.
				m.logger.Debug("write failed", zap.Error(err))
			}
		}
	}
}

// readPump consumes inbound frames until the transport dies, then hands
// off to the reconnect loop.
func (m *Manager) readPump(ctx context.Context, t Transport) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || m.machine.Current() == status.Closed {
				return
			}
			if terr := m.machine.Transition(status.Reconnecting); terr != nil {
				return
			}
			m.logger.Warn("transport dropped", zap.Error(err))
			go m.reconnectLoop(ctx)
			return
		}
		m.route(data)
	}
}

// route decodes one inbound frame and republishes it as an rt.* event.
func (m *Manager) route(data []byte) {
	env, err := wire.Decode(data)
	if err != nil {
		m.logger.Warn("bad frame", zap.Error(err))
		return
	}
	switch env.Type {
	case wire.TypeSnapshot:
		snap, err := wire.DecodeSnapshot(env)
		if err != nil {
			m.logger.Warn("bad snapshot", zap.Error(err))
			return
		}
		m.bus.Publish(bus.NewEvent("rt.snapshot", snap))
	case wire.TypeJoinAck:
		ack, err := wire.DecodeJoinAck(env)
		if err != nil {
			m.logger.Warn("bad join_ack", zap.Error(err))
			return
		}
		m.bus.Publish(bus.NewEvent("rt.join_ack", ack))
	case wire.TypeError:
		srvErr, err := wire.DecodeServerError(env)
		if err != nil {
			return
		}
		m.logger.Warn("server error", zap.String("message", srvErr.Message))
		m.bus.Publish(bus.NewEvent("rt.error", srvErr))
	default:
		m.logger.Debug("unknown frame type", zap.String("type", env.Type))
	}
}

// reconnectLoop retries the handshake with backoff until it succeeds,
// the budget is exhausted, or teardown cancels it.
func (m *Manager) reconnectLoop(ctx context.Context) {
	for {
		if m.retry.exhausted() {
			m.logger.Warn("reconnect budget exhausted")
			_ = m.machine.Transition(status.Failed)
			return
		}
		delay := m.retry.next()
		m.logger.Info("reconnect scheduled", zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		t, err := m.dial(ctx)
		if err != nil {
			var authErr *AuthError
			if errors.As(err, &authErr) {
				m.logger.Warn("credential rejected on reconnect", zap.Int("status", authErr.Status))
				_ = m.machine.Transition(status.Failed)
				return
			}
			m.logger.Warn("reconnect attempt failed", zap.Error(err))
			continue
		}

		m.mu.Lock()
		m.transport = t
		m.mu.Unlock()
		m.retry.markConnected()

		if err := m.machine.Transition(status.Connected); err != nil {
			// Closed while dialing.
			_ = t.Close()
			return
		}
		m.logger.Info("reconnected")
		go m.readPump(ctx, t)
		return
	}
}
