package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/contract-forge/internal/domain"
	"go.uber.org/goleak"
)

const testChatID = "550e8400-e29b-41d4-a716-446655440000"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRegistry_BindCreatesSession(t *testing.T) {
	r := NewRegistry()
	s, err := r.Bind("chan-1", testChatID)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if s.ID() != testChatID {
		t.Errorf("Expected id %s, got %s", testChatID, s.ID())
	}
	if s.State() != StateBound {
		t.Errorf("Expected bound, got %s", s.State())
	}
	if s.ChannelID() != "chan-1" {
		t.Errorf("Expected chan-1, got %s", s.ChannelID())
	}
}

func TestRegistry_BindRejectsInvalidIdentity(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"", "not-a-uuid", "550e8400-e29b-41d4-a716", "550e8400e29b41d4a716446655440000zz"} {
		if _, err := r.Bind("chan-1", id); !errors.Is(err, domain.ErrInvalidIdentity) {
			t.Errorf("Bind(%q): expected ErrInvalidIdentity, got %v", id, err)
		}
	}
	if r.Len() != 0 {
		t.Errorf("Expected no sessions, got %d", r.Len())
	}
}

func TestRegistry_BindCanonicalisesIdentity(t *testing.T) {
	r := NewRegistry()
	upper := "550E8400-E29B-41D4-A716-446655440000"
	s1, err := r.Bind("chan-1", upper)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	s2, err := r.Get(testChatID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if s1 != s2 {
		t.Errorf("Expected the same session for both spellings")
	}
}

func TestRegistry_RebindPreservesHistoryAndContext(t *testing.T) {
	r := NewRegistry()
	s, err := r.Bind("chan-1", testChatID)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	v, err := s.Store().Put("a.sol", "contract A{}", "solidity")
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := r.ApplyContext(testChatID, map[string]any{"currentFile": "a.sol"}); err != nil {
		t.Fatalf("ApplyContext failed: %v", err)
	}

	r.Unbind(testChatID, "chan-1")
	if s.State() != StateUnbound {
		t.Errorf("Expected unbound after channel close, got %s", s.State())
	}

	rebound, err := r.Bind("chan-2", testChatID)
	if err != nil {
		t.Fatalf("Rebind failed: %v", err)
	}
	if rebound != s {
		t.Fatalf("Expected rebind to return the same session")
	}
	if rebound.State() != StateRebound {
		t.Errorf("Expected rebound, got %s", rebound.State())
	}
	got, err := rebound.Store().Get("a.sol", v.ID)
	if err != nil || got.Content != "contract A{}" {
		t.Errorf("Expected version to survive rebind, got %v, %v", got, err)
	}
	if rebound.ContextSnapshot()["currentFile"] != "a.sol" {
		t.Errorf("Expected context to survive rebind, got %v", rebound.ContextSnapshot())
	}
}

func TestRegistry_BindSameChannelIsIdempotent(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Bind("chan-1", testChatID); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	s, err := r.Bind("chan-1", testChatID)
	if err != nil {
		t.Fatalf("second Bind failed: %v", err)
	}
	if s.State() != StateBound {
		t.Errorf("Expected bound, got %s", s.State())
	}
}

func TestRegistry_UnbindStaleChannel(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Bind("chan-1", testChatID); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	s, err := r.Bind("chan-2", testChatID)
	if err != nil {
		t.Fatalf("Rebind failed: %v", err)
	}

	// The replaced channel closing late must not detach the new one.
	r.Unbind(testChatID, "chan-1")
	if s.ChannelID() != "chan-2" {
		t.Errorf("Expected chan-2 to stay bound, got %q", s.ChannelID())
	}
}

func TestRegistry_ApplyContextLastWriteWins(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Bind("chan-1", testChatID); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := r.ApplyContext(testChatID, map[string]any{"a": 1, "b": "x"}); err != nil {
		t.Fatalf("ApplyContext failed: %v", err)
	}
	if err := r.ApplyContext(testChatID, map[string]any{"b": "y", "c": true}); err != nil {
		t.Fatalf("ApplyContext failed: %v", err)
	}

	s, _ := r.Get(testChatID)
	got := s.ContextSnapshot()
	if got["a"] != 1 || got["b"] != "y" || got["c"] != true {
		t.Errorf("Unexpected merged context: %v", got)
	}
}

func TestRegistry_MarkContextsSyncedIdempotent(t *testing.T) {
	r := NewRegistry()
	s, err := r.Bind("chan-1", testChatID)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := r.MarkContextsSynced(testChatID); err != nil {
			t.Fatalf("MarkContextsSynced failed: %v", err)
		}
	}
	if !s.ContextsSynced() {
		t.Errorf("Expected contexts synced")
	}
}

func TestRegistry_UnknownSession(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get(testChatID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := r.ApplyContext(testChatID, map[string]any{"a": 1}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := r.MarkContextsSynced(testChatID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_EvictRemovesSession(t *testing.T) {
	r := NewRegistry()
	s, err := r.Bind("chan-1", testChatID)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if _, err := s.Store().Put("a.sol", "x", "solidity"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := r.Evict(context.Background(), testChatID); err != nil {
		t.Fatalf("Evict failed: %v", err)
	}
	if _, err := r.Get(testChatID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after evict, got %v", err)
	}
	if s.State() != StateEvicted {
		t.Errorf("Expected evicted state, got %s", s.State())
	}
	if s.Store().Len() != 0 {
		t.Errorf("Expected store dropped, got %d versions", s.Store().Len())
	}
	if _, err := s.BeginCycle(context.Background(), "a.sol"); !errors.Is(err, domain.ErrSessionEvicted) {
		t.Errorf("Expected ErrSessionEvicted, got %v", err)
	}

	// A fresh bind after eviction starts over.
	fresh, err := r.Bind("chan-2", testChatID)
	if err != nil {
		t.Fatalf("Bind after evict failed: %v", err)
	}
	if fresh == s || fresh.State() != StateBound || len(fresh.Store().Paths()) != 0 {
		t.Errorf("Expected a fresh session after eviction")
	}
}

func TestRegistry_EvictWaitsForInflightCycle(t *testing.T) {
	r := NewRegistry()
	s, err := r.Bind("chan-1", testChatID)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	release, err := s.BeginCycle(context.Background(), "a.sol")
	if err != nil {
		t.Fatalf("BeginCycle failed: %v", err)
	}

	evicted := make(chan error, 1)
	go func() {
		evicted <- r.Evict(context.Background(), testChatID)
	}()

	select {
	case err := <-evicted:
		t.Fatalf("Evict returned before the cycle finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// The cycle can still commit while eviction waits.
	if _, err := s.Store().Put("a.sol", "committed", "solidity"); err != nil {
		t.Fatalf("Put during eviction wait failed: %v", err)
	}
	release()

	select {
	case err := <-evicted:
		if err != nil {
			t.Fatalf("Evict failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Evict did not finish after the cycle released")
	}
}

func TestRegistry_EvictContextTimeout(t *testing.T) {
	r := NewRegistry()
	s, err := r.Bind("chan-1", testChatID)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	release, err := s.BeginCycle(context.Background(), "a.sol")
	if err != nil {
		t.Fatalf("BeginCycle failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Evict(ctx, testChatID); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
	release()

	deadline := time.Now().Add(2 * time.Second)
	for r.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.Len() != 0 {
		t.Errorf("Expected background eviction to complete")
	}
}

func TestSession_BeginCycleSerialisesSamePath(t *testing.T) {
	r := NewRegistry()
	s, err := r.Bind("chan-1", testChatID)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	release, err := s.BeginCycle(context.Background(), "a.sol")
	if err != nil {
		t.Fatalf("BeginCycle failed: %v", err)
	}

	// Another path is independent.
	other, err := s.BeginCycle(context.Background(), "b.sol")
	if err != nil {
		t.Fatalf("BeginCycle for other path failed: %v", err)
	}
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.BeginCycle(ctx, "a.sol"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected second cycle on same path to wait, got %v", err)
	}

	release()
	release() // releasing twice is a no-op

	again, err := s.BeginCycle(context.Background(), "a.sol")
	if err != nil {
		t.Fatalf("BeginCycle after release failed: %v", err)
	}
	again()
}

func TestRegistry_ExpiredOnlyUnboundIdle(t *testing.T) {
	clock := newManualClock()
	r := NewRegistry(WithClock(clock.Now))

	idle := "6ba7b810-9dad-11d1-80b4-00c04fd430c8"
	if _, err := r.Bind("chan-1", testChatID); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if _, err := r.Bind("chan-2", idle); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	r.Unbind(idle, "chan-2")

	clock.Advance(2 * time.Hour)

	got := r.Expired(time.Hour)
	if len(got) != 1 || got[0] != idle {
		t.Fatalf("Expected only %s to be expired, got %v", idle, got)
	}

	var reaped []string
	n := reapExpired(context.Background(), r, time.Hour, func(_ context.Context, chatID string) {
		reaped = append(reaped, chatID)
	})
	if n != 1 || len(reaped) != 1 || reaped[0] != idle {
		t.Errorf("Expected reaper to evict %s, got %d %v", idle, n, reaped)
	}
	if _, err := r.Get(idle); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected reaped session to be gone, got %v", err)
	}
	if _, err := r.Get(testChatID); err != nil {
		t.Errorf("Expected bound session to survive, got %v", err)
	}
}

func TestRegistry_EvictIdleKeepsReboundSession(t *testing.T) {
	clock := newManualClock()
	r := NewRegistry(WithClock(clock.Now))

	if _, err := r.Bind("chan-1", testChatID); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	r.Unbind(testChatID, "chan-1")
	clock.Advance(2 * time.Hour)

	expired := r.Expired(time.Hour)
	if len(expired) != 1 {
		t.Fatalf("Expected one expired session, got %v", expired)
	}
	cutoff := clock.Now().Add(-time.Hour)

	// The client reconnects between the snapshot and the eviction.
	s, err := r.Bind("chan-2", testChatID)
	if err != nil {
		t.Fatalf("Rebind failed: %v", err)
	}
	if _, err := s.Store().Put("a.sol", "contract A {}", "solidity"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	err = r.evictIdle(context.Background(), expired[0], cutoff)
	if !errors.Is(err, errNotIdle) {
		t.Fatalf("Expected errNotIdle, got %v", err)
	}
	got, err := r.Get(testChatID)
	if err != nil {
		t.Fatalf("Expected rebound session to survive, got %v", err)
	}
	if got.ChannelID() != "chan-2" || got.State() == StateEvicted {
		t.Errorf("Expected session bound to chan-2, got %s on %q", got.State(), got.ChannelID())
	}
	if got.Store().Len() != 1 {
		t.Errorf("Expected history kept, got %d versions", got.Store().Len())
	}
}

func TestRegistry_EvictIdleKeepsTouchedSession(t *testing.T) {
	clock := newManualClock()
	r := NewRegistry(WithClock(clock.Now))

	s, err := r.Bind("chan-1", testChatID)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	r.Unbind(testChatID, "chan-1")
	clock.Advance(2 * time.Hour)
	cutoff := clock.Now().Add(-time.Hour)

	s.Touch()
	if err := r.evictIdle(context.Background(), testChatID, cutoff); !errors.Is(err, errNotIdle) {
		t.Fatalf("Expected errNotIdle for touched session, got %v", err)
	}
	if _, err := r.Get(testChatID); err != nil {
		t.Errorf("Expected touched session to survive, got %v", err)
	}
}

func TestReaper_SkipsSessionReboundDuringPass(t *testing.T) {
	clock := newManualClock()
	r := NewRegistry(WithClock(clock.Now))

	older := "6ba7b810-9dad-11d1-80b4-00c04fd430c8"
	for _, id := range []string{older, testChatID} {
		if _, err := r.Bind("chan-"+id, id); err != nil {
			t.Fatalf("Bind failed: %v", err)
		}
		r.Unbind(id, "chan-"+id)
		clock.Advance(time.Minute)
	}
	clock.Advance(2 * time.Hour)

	var reaped []string
	n := reapExpired(context.Background(), r, time.Hour, func(_ context.Context, chatID string) {
		reaped = append(reaped, chatID)
		// testChatID was already listed as expired; it reconnects now.
		if _, err := r.Bind("chan-new", testChatID); err != nil {
			t.Errorf("Rebind failed: %v", err)
		}
	})
	if n != 1 || len(reaped) != 1 || reaped[0] != older {
		t.Fatalf("Expected only %s reaped, got %d %v", older, n, reaped)
	}
	s, err := r.Get(testChatID)
	if err != nil {
		t.Fatalf("Expected reconnected session to survive, got %v", err)
	}
	if s.ChannelID() != "chan-new" {
		t.Errorf("Expected chan-new bound, got %q", s.ChannelID())
	}
}

func TestSession_MessagesBounded(t *testing.T) {
	r := NewRegistry()
	s, err := r.Bind("chan-1", testChatID)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	for i := 0; i < maxMessages+10; i++ {
		s.AppendMessage("user", "hi")
	}
	if got := len(s.Messages(0)); got != maxMessages {
		t.Errorf("Expected %d messages, got %d", maxMessages, got)
	}
	if got := len(s.Messages(3)); got != 3 {
		t.Errorf("Expected 3 messages, got %d", got)
	}
}

func TestRegistry_ConcurrentSessionsDoNotBlock(t *testing.T) {
	r := NewRegistry()
	ids := []string{
		"550e8400-e29b-41d4-a716-446655440001",
		"550e8400-e29b-41d4-a716-446655440002",
		"550e8400-e29b-41d4-a716-446655440003",
	}
	busy, err := r.Bind("chan-busy", testChatID)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	release, err := busy.BeginCycle(context.Background(), "a.sol")
	if err != nil {
		t.Fatalf("BeginCycle failed: %v", err)
	}
	defer release()

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			s, err := r.Bind("chan", id)
			if err != nil {
				t.Errorf("Bind failed: %v", err)
				return
			}
			cycle, err := s.BeginCycle(context.Background(), "a.sol")
			if err != nil {
				t.Errorf("BeginCycle failed: %v", err)
				return
			}
			defer cycle()
			if err := r.ApplyContext(id, map[string]any{"i": i}); err != nil {
				t.Errorf("ApplyContext failed: %v", err)
			}
		}(i, id)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Unrelated sessions blocked on a busy one")
	}
}
