package client

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aeolun/socialsync/pkg/metrics"
	"github.com/aeolun/socialsync/pkg/session"
)

// ErrSuperseded is returned by SetIdentity when a newer identity change
// replaced the one being opened.
var ErrSuperseded = errors.New("identity superseded")

// Factory builds an unopened channel for an identity.
type Factory func(id session.Identity) (ManagedChannel, error)

// Manager owns at most one live channel, scoped to the signed-in identity,
// and publishes it to subscribers. A nil publication means offline.
type Manager struct {
	factory Factory
	logger  zerolog.Logger

	// serializes identity changes and open-completion publications
	opMu sync.Mutex

	mu         sync.RWMutex
	identity   session.Identity
	current    ManagedChannel
	generation uint64
	cancelOpen context.CancelFunc
	closed     bool

	subMu     sync.Mutex
	nextSub   uint64
	subs      map[uint64]func(Channel)
	stateSubs map[uint64]func(ConnectionStateUpdate)

	// publications reach subscribers in order
	pubMu sync.Mutex
}

// NewManager creates a manager with no identity.
func NewManager(factory Factory, logger zerolog.Logger) *Manager {
	return &Manager{
		factory:   factory,
		logger:    logger.With().Str("component", "lifecycle").Logger(),
		subs:      make(map[uint64]func(Channel)),
		stateSubs: make(map[uint64]func(ConnectionStateUpdate)),
	}
}

// Current returns the live channel, or nil when offline.
func (m *Manager) Current() Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil
	}
	return m.current
}

// Identity returns the identity the manager is scoped to.
func (m *Manager) Identity() session.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity
}

// Subscribe registers fn for channel publications. A channel that
// reconnects after a drop is published again. fn must not call
// SetIdentity synchronously.
func (m *Manager) Subscribe(fn func(Channel)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = fn
	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

// SubscribeState registers fn for connection state updates of the current
// channel.
func (m *Manager) SubscribeState(fn func(ConnectionStateUpdate)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextSub++
	id := m.nextSub
	m.stateSubs[id] = fn
	return func() {
		m.subMu.Lock()
		delete(m.stateSubs, id)
		m.subMu.Unlock()
	}
}

// SetIdentity replaces the scoped identity. The previous channel is closed
// and nil is published before a channel for id is opened. A zero identity
// leaves the manager offline. Opening blocks until the channel connects, its
// retries run out, or a later SetIdentity supersedes it.
func (m *Manager) SetIdentity(ctx context.Context, id session.Identity) error {
	m.mu.Lock()
	if m.closed && !id.IsZero() {
		m.mu.Unlock()
		return ErrChannelClosed
	}
	if id == m.identity && (m.current != nil || m.cancelOpen != nil) {
		m.mu.Unlock()
		return nil
	}
	m.generation++
	gen := m.generation
	m.identity = id
	if m.cancelOpen != nil {
		m.cancelOpen()
		m.cancelOpen = nil
	}
	m.mu.Unlock()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	old := m.current
	m.current = nil
	m.mu.Unlock()

	if old != nil {
		m.logger.Info().Str("user", old.UserID()).Msg("Closing channel for previous identity")
		old.Close()
		m.publish(nil)
	}

	if id.IsZero() {
		return nil
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return ErrSuperseded
	}
	openCtx, cancel := context.WithCancel(ctx)
	m.cancelOpen = cancel
	m.mu.Unlock()
	defer cancel()

	ch, err := m.factory(id)
	if err != nil {
		m.clearOpen(gen)
		return err
	}
	go m.watch(ch)

	m.logger.Info().Str("identity", id.String()).Msg("Opening channel")
	err = ch.Connect(openCtx)

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		ch.Close()
		m.logger.Debug().Str("identity", id.String()).Msg("Discarding channel for superseded identity")
		return ErrSuperseded
	}
	m.cancelOpen = nil
	if err != nil {
		m.mu.Unlock()
		ch.Close()
		m.logger.Warn().Err(err).Str("identity", id.String()).Msg("Channel unavailable, staying offline")
		return err
	}
	m.current = ch
	m.mu.Unlock()

	m.publish(ch)
	return nil
}

func (m *Manager) clearOpen(gen uint64) {
	m.mu.Lock()
	if gen == m.generation {
		m.cancelOpen = nil
	}
	m.mu.Unlock()
}

// watch forwards state changes of ch until it is closed.
func (m *Manager) watch(ch ManagedChannel) {
	dropped := false
	for update := range ch.StateChanges() {
		m.mu.RLock()
		exposed := m.current == ch
		m.mu.RUnlock()

		m.subMu.Lock()
		fns := make([]func(ConnectionStateUpdate), 0, len(m.stateSubs))
		for _, fn := range m.stateSubs {
			fns = append(fns, fn)
		}
		m.subMu.Unlock()
		for _, fn := range fns {
			fn(update)
		}

		switch update.State {
		case StateDisconnected, StateReconnecting:
			dropped = true
		case StateConnected:
			if dropped && exposed {
				m.handleReconnect(ch)
			}
			dropped = false
		case StateOffline:
			if exposed {
				m.handleOffline(ch)
			}
		}
	}
}

// handleReconnect republishes ch after it recovered from a drop, so
// subscribers resync whatever they missed while it was down.
func (m *Manager) handleReconnect(ch ManagedChannel) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.RLock()
	current := m.current == ch
	m.mu.RUnlock()
	if !current {
		return
	}

	m.logger.Info().Str("user", ch.UserID()).Msg("Channel recovered, republishing")
	m.publish(ch)
}

// handleOffline withdraws ch after its reconnect attempts ran out.
func (m *Manager) handleOffline(ch ManagedChannel) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.current != ch {
		m.mu.Unlock()
		return
	}
	m.current = nil
	m.mu.Unlock()

	m.logger.Warn().Str("user", ch.UserID()).Msg("Channel offline after reconnect attempts")
	m.publish(nil)
	// Close waits for loops that are already done, safe from the watcher.
	go ch.Close()
}

func (m *Manager) publish(ch Channel) {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	metrics.SetOnline(ch != nil)

	m.subMu.Lock()
	ids := make([]uint64, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	m.subMu.Unlock()
	sortIDs(ids)

	for _, id := range ids {
		m.subMu.Lock()
		fn, ok := m.subs[id]
		m.subMu.Unlock()
		if ok {
			fn(ch)
		}
	}
}

// Close signs out and refuses further identities.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	_ = m.SetIdentity(context.Background(), session.Identity{})
}
