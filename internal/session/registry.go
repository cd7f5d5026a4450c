package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/contract-forge/internal/domain"
	"github.com/ashureev/contract-forge/internal/filestore"
	"github.com/google/uuid"
)

// Registry owns all sessions. The registry lock only guards the map; every
// per-session mutation takes that session's own lock so unrelated sessions
// never contend.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	clock     func() time.Time
	storeOpts []filestore.Option
	logger    *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the clock used for activity and version timestamps.
func WithClock(c func() time.Time) Option {
	return func(r *Registry) {
		r.clock = c
		r.storeOpts = append(r.storeOpts, filestore.WithClock(c))
	}
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ParseIdentity validates a conversation identifier and returns its
// canonical form.
func ParseIdentity(chatID string) (string, error) {
	id, err := uuid.Parse(chatID)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", domain.ErrInvalidIdentity, chatID, err)
	}
	return id.String(), nil
}

// Bind attaches channelID to the session for chatID, creating the session on
// first sight. Rebinding an existing identity moves the channel reference and
// keeps history and context.
func (r *Registry) Bind(channelID, chatID string) (*Session, error) {
	id, err := ParseIdentity(chatID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok && s.State() == StateEvicted {
		ok = false
	}
	if !ok {
		s = newSession(id, r.clock, r.storeOpts)
		r.sessions[id] = s
	}
	r.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case !ok:
		s.state = StateBound
		r.logger.Info("Session created", "chat_id", id, "channel_id", channelID)
	case s.channelID == channelID:
	default:
		previous := s.channelID
		s.state = StateRebound
		r.logger.Info("Session rebound", "chat_id", id, "channel_id", channelID, "previous_channel_id", previous)
	}
	s.channelID = channelID
	s.lastSeen = r.clock()
	return s, nil
}

// Get returns the live session for chatID.
func (r *Registry) Get(chatID string) (*Session, error) {
	id, err := ParseIdentity(chatID)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok || s.State() == StateEvicted {
		return nil, fmt.Errorf("%w: session %s", domain.ErrNotFound, id)
	}
	return s, nil
}

// ApplyContext merges delta into the session context, last write wins.
func (r *Registry) ApplyContext(chatID string, delta map[string]any) error {
	s, err := r.Get(chatID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEvicted {
		return fmt.Errorf("%w: session %s", domain.ErrNotFound, s.id)
	}
	maps.Copy(s.context, delta)
	s.lastSeen = r.clock()
	return nil
}

// MarkContextsSynced sets the sync flag. Calling it twice is harmless.
func (r *Registry) MarkContextsSynced(chatID string) error {
	s, err := r.Get(chatID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEvicted {
		return fmt.Errorf("%w: session %s", domain.ErrNotFound, s.id)
	}
	s.contextsSynced = true
	s.lastSeen = r.clock()
	return nil
}

// Unbind drops the channel back-reference if it still points at channelID.
// The session itself stays alive until evicted.
func (r *Registry) Unbind(chatID, channelID string) {
	s, err := r.Get(chatID)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channelID != channelID || s.state == StateEvicted {
		return
	}
	s.channelID = ""
	s.state = StateUnbound
	s.lastSeen = r.clock()
	r.logger.Info("Session unbound", "chat_id", s.id, "channel_id", channelID)
}

// errNotIdle means a session picked by the reaper became active again
// before it could be evicted.
var errNotIdle = errors.New("session no longer idle")

// Evict removes a session and its whole file history. It waits for any
// in-flight repair cycle on the session to finish first. If ctx ends before
// that, Evict returns the context error and removal completes in the
// background.
func (r *Registry) Evict(ctx context.Context, chatID string) error {
	return r.evict(ctx, chatID, nil)
}

// evictIdle evicts chatID only if it is still unbound and was last seen
// before cutoff. The check and the state change happen under the session
// lock, so a rebind or a frame arriving after Expired keeps the session.
func (r *Registry) evictIdle(ctx context.Context, chatID string, cutoff time.Time) error {
	return r.evict(ctx, chatID, func(s *Session) error {
		if s.channelID != "" || !s.lastSeen.Before(cutoff) {
			return fmt.Errorf("%w: %s", errNotIdle, s.id)
		}
		return nil
	})
}

// evict runs check, if any, with s.mu held before marking s evicted.
func (r *Registry) evict(ctx context.Context, chatID string, check func(*Session) error) error {
	s, err := r.Get(chatID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateEvicted {
		s.mu.Unlock()
		return fmt.Errorf("%w: session %s", domain.ErrNotFound, s.id)
	}
	if check != nil {
		if err := check(s); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.state = StateEvicted
	s.channelID = ""
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.inflight.Wait()

		r.mu.Lock()
		if current, ok := r.sessions[s.id]; ok && current == s {
			delete(r.sessions, s.id)
		}
		r.mu.Unlock()
		s.store.Reset()
		r.logger.Info("Session evicted", "chat_id", s.id)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("evict %s: %w", s.id, ctx.Err())
	}
}

// Expired returns sessions with no bound channel that have been idle for
// longer than idle, oldest first.
func (r *Registry) Expired(idle time.Duration) []string {
	cutoff := r.clock().Add(-idle)

	r.mu.RLock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.RUnlock()

	type entry struct {
		id       string
		lastSeen time.Time
	}
	var expired []entry
	for _, s := range candidates {
		s.mu.Lock()
		if s.state != StateEvicted && s.channelID == "" && s.lastSeen.Before(cutoff) {
			expired = append(expired, entry{id: s.id, lastSeen: s.lastSeen})
		}
		s.mu.Unlock()
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].lastSeen.Before(expired[j].lastSeen) })

	ids := make([]string, len(expired))
	for i, e := range expired {
		ids[i] = e.id
	}
	return ids
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.State() != StateEvicted {
			n++
		}
	}
	return n
}
