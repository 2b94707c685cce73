package conn

import (
	"sync"

	"github.com/pulsehq/pulse/internal/bus"
	"github.com/pulsehq/pulse/internal/status"
	"go.uber.org/zap"
)

// Registry enforces at most one live Manager per (endpoint, credential)
// pair. Acquire/Release are refcounted: the physical connection is torn
// down when its last holder releases it.
type Registry struct {
	policy Policy
	dialer Dialer
	bus    *bus.Bus
	logger *zap.Logger

	mu      sync.Mutex
	entries map[registryKey]*registryEntry
}

type registryKey struct {
	endpoint string
	token    string
}

type registryEntry struct {
	m    *Manager
	refs int
}

// NewRegistry creates an empty registry. dialer may be nil for the
// default websocket dialer.
func NewRegistry(policy Policy, dialer Dialer, b *bus.Bus, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		policy:  policy,
		dialer:  dialer,
		bus:     b,
		logger:  logger,
		entries: make(map[registryKey]*registryEntry),
	}
}

// Acquire returns the live Manager for (endpoint, token), creating one
// if none exists. A manager that was closed underneath the registry is
// replaced, never resurrected.
func (r *Registry) Acquire(endpoint, token string) *Manager {
	key := registryKey{endpoint: endpoint, token: token}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok && e.m.State() != status.Closed {
		e.refs++
		return e.m
	}

	m := NewManager(endpoint, token, r.policy, r.dialer, r.bus, r.logger)
	r.entries[key] = &registryEntry{m: m, refs: 1}
	r.logger.Info("connection created",
		zap.String("endpoint", endpoint),
		zap.Bool("anonymous", token == ""),
		zap.String("conn_id", m.ID()))
	return m
}

// Release drops one reference. The manager is closed and forgotten when
// the last reference goes. Releasing an unknown manager is a no-op.
func (r *Registry) Release(m *Manager) {
	key := registryKey{endpoint: m.endpoint, token: m.token}

	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || e.m != m {
		r.mu.Unlock()
		return
	}
	e.refs--
	done := e.refs <= 0
	if done {
		delete(r.entries, key)
	}
	r.mu.Unlock()

	if done {
		m.Close()
	}
}

// CloseAll tears down every connection. Used at daemon shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.entries))
	for _, e := range r.entries {
		managers = append(managers, e.m)
	}
	r.entries = make(map[registryKey]*registryEntry)
	r.mu.Unlock()

	for _, m := range managers {
		m.Close()
	}
}
