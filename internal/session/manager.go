package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ticketbridge/internal/domain"
	"ticketbridge/internal/metrics"
)

// disconnectStatuses are native engine statuses that mean a connected
// session has been lost.
var disconnectStatuses = map[string]bool{
	"CONFLICT":           true,
	"UNPAIRED":           true,
	"UNPAIRED_IDLE":      true,
	"UNLAUNCHED":         true,
	"DISCONNECTED":       true,
	"DEPRECATED_VERSION": true,
	"TOS_BLOCK":          true,
	"SMB_TOS_BLOCK":      true,
	"PROXYBLOCK":         true,
}

// Manager owns the process's single chat session. It is built once at
// startup and handed to every component that needs the session client.
type Manager struct {
	engine domain.SessionClient
	events domain.EventPublisher
	logger *slog.Logger

	mu         sync.RWMutex
	state      domain.SessionState
	since      time.Time
	client     domain.SessionClient // set only once Connect succeeds
	connectErr error

	initOnce sync.Once
	done     chan struct{}
}

type ManagerConfig struct {
	Engine domain.SessionClient
	Events domain.EventPublisher // optional
	Logger *slog.Logger
}

// Status is a point-in-time view of the session.
type Status struct {
	State string    `json:"state"`
	Since time.Time `json:"since"`
	Error string    `json:"error,omitempty"`
}

func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		engine: cfg.Engine,
		events: cfg.Events,
		logger: cfg.Logger,
		state:  domain.StateUninitialized,
		since:  time.Now(),
		done:   make(chan struct{}),
	}
}

// Initialize starts connecting in the background and returns immediately.
// Calls after the first are no-ops. A failed connect is logged and leaves
// the session in StateFailed for the rest of the process lifetime.
func (m *Manager) Initialize(ctx context.Context) {
	m.initOnce.Do(func() {
		m.engine.SubscribeState(m.OnStateChanged)
		m.setState(domain.StateConnecting)
		m.logger.Info("session connecting")

		go func() {
			defer close(m.done)

			start := time.Now()
			if err := m.engine.Connect(ctx); err != nil {
				m.mu.Lock()
				m.connectErr = fmt.Errorf("connect session: %w", err)
				m.mu.Unlock()
				m.transition(domain.StateConnecting, domain.StateFailed)
				m.logger.Error("session failed to start, bridge will not deliver messages", "err", err)
				return
			}

			m.mu.Lock()
			m.client = m.engine
			m.mu.Unlock()
			m.transition(domain.StateConnecting, domain.StateConnected)
			m.logger.Info("session connected", "took", time.Since(start).Round(time.Millisecond))
		}()
	})
}

// Wait blocks until the initial connect attempt finishes and returns its
// error. It returns ctx.Err() if ctx ends first.
func (m *Manager) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.connectErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Client returns the shared session client, or domain.ErrNotInitialized when
// the session never finished connecting.
func (m *Manager) Client() (domain.SessionClient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil {
		return nil, domain.ErrNotInitialized
	}
	return m.client, nil
}

func (m *Manager) State() domain.SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{State: m.state.String(), Since: m.since}
	if m.connectErr != nil {
		st.Error = m.connectErr.Error()
	}
	return st
}

// OnStateChanged receives the engine's native status stream. It only logs
// and records: a lost session is not reconnected.
func (m *Manager) OnStateChanged(native string) {
	m.logger.Info("session native state", "state", native)
	m.publish(domain.EventState, map[string]string{"native": native})

	if !disconnectStatuses[strings.ToUpper(native)] {
		return
	}

	if m.transition(domain.StateConnected, domain.StateDisconnected) {
		m.logger.Warn("session disconnected, restart required", "native", native)
	}
}

func (m *Manager) setState(s domain.SessionState) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	if changed {
		m.since = time.Now()
	}
	m.mu.Unlock()

	if changed {
		m.announce(s)
	}
}

// transition moves from -> to and reports whether the session was in from.
func (m *Manager) transition(from, to domain.SessionState) bool {
	m.mu.Lock()
	if m.state != from {
		m.mu.Unlock()
		return false
	}
	m.state = to
	m.since = time.Now()
	m.mu.Unlock()

	m.announce(to)
	return true
}

func (m *Manager) announce(s domain.SessionState) {
	metrics.SessionState.Set(int64(s))
	m.publish(domain.EventState, map[string]string{"state": s.String()})
}

func (m *Manager) publish(t domain.EventType, data any) {
	if m.events == nil {
		return
	}
	m.events.Publish(domain.Event{Type: t, Timestamp: time.Now(), Data: data})
}
