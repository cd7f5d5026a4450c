package session

import (
	"context"
	"errors"
	"time"
)

// evictTimeout bounds how long one reaper pass waits for a busy session.
const evictTimeout = 2 * time.Minute

// EvictCallback is called after the reaper evicted a session.
type EvictCallback func(ctx context.Context, chatID string)

// StartReaper runs a background goroutine that periodically evicts sessions
// with no bound channel that have been idle longer than ttl.
func StartReaper(ctx context.Context, r *Registry, interval, ttl time.Duration, onEvict EvictCallback) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		r.logger.Info("Session reaper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				reapExpired(ctx, r, ttl, onEvict)
			case <-ctx.Done():
				r.logger.Info("Session reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func reapExpired(ctx context.Context, r *Registry, ttl time.Duration, onEvict EvictCallback) int {
	cutoff := r.clock().Add(-ttl)
	expired := r.Expired(ttl)
	if len(expired) == 0 {
		return 0
	}

	r.logger.Info("Session reaper found idle sessions", "count", len(expired))

	evicted := 0
	for _, chatID := range expired {
		evictCtx, cancel := context.WithTimeout(ctx, evictTimeout)
		err := r.evictIdle(evictCtx, chatID, cutoff)
		cancel()
		if errors.Is(err, errNotIdle) {
			r.logger.Debug("Session reaper skipped reactivated session", "chat_id", chatID)
			continue
		}
		if err != nil {
			r.logger.Warn("Session reaper failed to evict session", "chat_id", chatID, "error", err)
			continue
		}
		evicted++
		if onEvict != nil {
			onEvict(ctx, chatID)
		}
	}

	r.logger.Debug("Session reaper pass completed", "evicted", evicted)
	return evicted
}
