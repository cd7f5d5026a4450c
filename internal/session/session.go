// Package session owns every live conversation: its file history, the
// client supplied context and the back-reference to the bound channel.
package session

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/ashureev/contract-forge/internal/domain"
	"github.com/ashureev/contract-forge/internal/filestore"
	"golang.org/x/sync/semaphore"
)

// State is the lifecycle position of a session.
type State int

const (
	// StateUnbound means no channel is attached right now.
	StateUnbound State = iota
	StateBound
	StateRebound
	// StateEvicted is terminal.
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBound:
		return "bound"
	case StateRebound:
		return "rebound"
	case StateEvicted:
		return "evicted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Message is one conversation turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// maxMessages bounds the in-memory conversation history per session.
const maxMessages = 200

// Session is a single conversation. All mutable fields are guarded by mu;
// the file store carries its own lock.
type Session struct {
	id        string
	createdAt time.Time
	store     *filestore.Store
	clock     func() time.Time

	mu             sync.Mutex
	state          State
	channelID      string
	wallet         string
	context        map[string]any
	contextsSynced bool
	messages       []Message
	lastSeen       time.Time

	slotsMu  sync.Mutex
	slots    map[string]*semaphore.Weighted
	inflight sync.WaitGroup
}

func newSession(id string, clock func() time.Time, storeOpts []filestore.Option) *Session {
	now := clock()
	return &Session{
		id:        id,
		createdAt: now,
		store:     filestore.New(storeOpts...),
		clock:     clock,
		state:     StateUnbound,
		context:   make(map[string]any),
		lastSeen:  now,
		slots:     make(map[string]*semaphore.Weighted),
	}
}

// ID returns the canonical conversation identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was first bound.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Store returns the session's file version store.
func (s *Session) Store() *filestore.Store { return s.store }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ChannelID returns the bound channel or "" when none is attached.
func (s *Session) ChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelID
}

// Wallet returns the wallet address the session was opened with.
func (s *Session) Wallet() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wallet
}

// SetWallet records the wallet address of the latest binding.
func (s *Session) SetWallet(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallet = addr
}

// ContextSnapshot returns a shallow copy of the conversation context.
func (s *Session) ContextSnapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.context)
}

// ContextsSynced reports whether the client finished its initial sync.
func (s *Session) ContextsSynced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextsSynced
}

// LastSeen returns the time of the last activity on the session.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Touch records activity.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = s.clock()
}

// AppendMessage adds a turn to the conversation history.
func (s *Session) AppendMessage(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	s.messages = append(s.messages, Message{Role: role, Content: content, Timestamp: now})
	if len(s.messages) > maxMessages {
		s.messages = append([]Message(nil), s.messages[len(s.messages)-maxMessages:]...)
	}
	s.lastSeen = now
}

// Messages returns up to the last n turns, oldest first. n <= 0 returns all.
func (s *Session) Messages(n int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n >= len(s.messages) {
		return append([]Message(nil), s.messages...)
	}
	return append([]Message(nil), s.messages[len(s.messages)-n:]...)
}

// BeginCycle reserves the repair slot for path. A second caller for the same
// path waits in FIFO order until the first releases. The session cannot be
// evicted while a slot is held.
func (s *Session) BeginCycle(ctx context.Context, path string) (func(), error) {
	s.mu.Lock()
	if s.state == StateEvicted {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionEvicted, s.id)
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	sem := s.slot(path)
	if err := sem.Acquire(ctx, 1); err != nil {
		s.inflight.Done()
		return nil, fmt.Errorf("wait for repair slot %s: %w", path, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			sem.Release(1)
			s.inflight.Done()
		})
	}, nil
}

func (s *Session) slot(path string) *semaphore.Weighted {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	sem, ok := s.slots[path]
	if !ok {
		sem = semaphore.NewWeighted(1)
		s.slots[path] = sem
	}
	return sem
}

// Snapshot is a read-only view used by the inspection API.
type Snapshot struct {
	ChatID         string    `json:"chat_id"`
	State          string    `json:"state"`
	Bound          bool      `json:"bound"`
	WalletAddress  string    `json:"wallet_address,omitempty"`
	ContextsSynced bool      `json:"contexts_synced"`
	Paths          []string  `json:"paths"`
	Messages       int       `json:"messages"`
	CreatedAt      time.Time `json:"created_at"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}

// Snapshot captures the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		ChatID:         s.id,
		State:          s.state.String(),
		Bound:          s.channelID != "",
		WalletAddress:  s.wallet,
		ContextsSynced: s.contextsSynced,
		Messages:       len(s.messages),
		CreatedAt:      s.createdAt,
		LastSeenAt:     s.lastSeen,
	}
	s.mu.Unlock()
	snap.Paths = s.store.Paths()
	return snap
}
