// Package gateway accepts client websockets, binds each to a session and
// moves envelopes between the socket and the router.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/contract-forge/internal/domain"
	"github.com/ashureev/contract-forge/internal/router"
	"github.com/ashureev/contract-forge/internal/session"
	"github.com/ashureev/contract-forge/internal/store"
	"github.com/coder/websocket"
)

const persistTimeout = 5 * time.Second

// Manager tracks live channels and which one each chat is bound to.
type Manager struct {
	registry *session.Registry
	repo     store.Repository
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	byChat map[string]*channel
	byID   map[string]*channel
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a manager. repo may be nil, in which case nothing is
// persisted.
func NewManager(registry *session.Registry, repo store.Repository, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry: registry,
		repo:     repo,
		logger:   slog.Default(),
		now:      time.Now,
		byChat:   make(map[string]*channel),
		byID:     make(map[string]*channel),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Attach binds ch to its chat. An older channel for the same chat is closed
// with normal closure. The registry bind and the channel map swap happen
// under one lock so both always agree on the live channel.
func (m *Manager) Attach(ctx context.Context, ch *channel) (*session.Session, error) {
	m.mu.Lock()
	sess, err := m.registry.Bind(ch.id, ch.chatID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	sess.SetWallet(ch.wallet)
	old := m.byChat[ch.chatID]
	m.byChat[ch.chatID] = ch
	m.byID[ch.id] = ch
	m.mu.Unlock()

	if old != nil && old != ch {
		m.logger.Info("Channel replaced", "chat_id", ch.chatID, "old_channel_id", old.id, "channel_id", ch.id)
		go old.close(websocket.StatusNormalClosure, "session replaced")
	}

	m.persist(ctx, sess)
	m.logger.Info("Channel attached", "chat_id", ch.chatID, "channel_id", ch.id, "state", sess.State().String())
	return sess, nil
}

// Detach forgets ch and unbinds it if it is still the chat's channel. The
// session stays alive for a later reconnect.
func (m *Manager) Detach(ctx context.Context, ch *channel) {
	ch.shutdown()

	m.mu.Lock()
	if m.byChat[ch.chatID] == ch {
		delete(m.byChat, ch.chatID)
		m.registry.Unbind(ch.chatID, ch.id)
	}
	delete(m.byID, ch.id)
	m.mu.Unlock()

	if m.repo != nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := m.repo.TouchSession(pctx, ch.chatID, m.now()); err != nil {
			m.logger.Warn("Failed to update session last seen", "chat_id", ch.chatID, "error", err)
		}
	}
	m.logger.Info("Channel detached", "chat_id", ch.chatID, "channel_id", ch.id)
}

// Deliver implements router.Deliverer.
func (m *Manager) Deliver(chatID string, env router.Envelope) bool {
	m.mu.RLock()
	ch := m.byChat[chatID]
	m.mu.RUnlock()
	if ch == nil {
		return false
	}
	return ch.send(env)
}

// Count returns the number of live channels.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// CloseAll closes every live channel. Used on shutdown.
func (m *Manager) CloseAll(reason string) {
	m.mu.RLock()
	chans := make([]*channel, 0, len(m.byID))
	for _, ch := range m.byID {
		chans = append(chans, ch)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, ch := range chans {
		wg.Add(1)
		go func(ch *channel) {
			defer wg.Done()
			ch.close(websocket.StatusGoingAway, reason)
		}(ch)
	}
	wg.Wait()
}

// OnEvict removes the persisted record of an evicted session. It matches
// session.EvictCallback.
func (m *Manager) OnEvict(ctx context.Context, chatID string) {
	if m.repo == nil {
		return
	}
	if err := m.repo.DeleteSession(ctx, chatID); err != nil {
		m.logger.Warn("Failed to delete evicted session", "chat_id", chatID, "error", err)
	}
}

func (m *Manager) persist(ctx context.Context, sess *session.Session) {
	if m.repo == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	rec := &domain.SessionRecord{
		ChatID:        sess.ID(),
		WalletAddress: sess.Wallet(),
		LastSeenAt:    m.now(),
		CreatedAt:     sess.CreatedAt(),
	}
	if err := m.repo.UpsertSession(pctx, rec); err != nil {
		m.logger.Warn("Failed to persist session", "chat_id", sess.ID(), "error", err)
	}
}
