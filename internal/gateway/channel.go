package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/contract-forge/internal/router"
	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"
)

const (
	outboxSize  = 256
	sendTimeout = 5 * time.Second
)

// channel is one accepted websocket bound to a chat. Outbound frames go
// through a single writer so they keep their order.
type channel struct {
	id      string
	chatID  string
	wallet  string
	conn    *websocket.Conn
	limiter *rate.Limiter
	logger  *slog.Logger

	out       chan router.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newChannel(conn *websocket.Conn, chatID, wallet string, limiter *rate.Limiter, logger *slog.Logger) *channel {
	id := ulid.Make().String()
	return &channel{
		id:      id,
		chatID:  chatID,
		wallet:  wallet,
		conn:    conn,
		limiter: limiter,
		logger:  logger.With("channel_id", id, "chat_id", chatID),
		out:     make(chan router.Envelope, outboxSize),
		done:    make(chan struct{}),
	}
}

// send queues env for the writer. It reports false if the channel is gone
// or the outbox stayed full for sendTimeout.
func (c *channel) send(env router.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()
	select {
	case c.out <- env:
		return true
	case <-c.done:
		return false
	case <-timer.C:
		c.logger.Warn("Outbox full, dropping envelope", "type", env.Type)
		return false
	}
}

// writeLoop drains the outbox until ctx ends.
func (c *channel) writeLoop(ctx context.Context, writeTimeout time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-c.out:
			data, err := json.Marshal(env)
			if err != nil {
				c.logger.Error("Failed to encode envelope", "type", env.Type, "error", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// pingLoop keeps the connection alive and detects dead peers.
func (c *channel) pingLoop(ctx context.Context, interval, timeout time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, timeout)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// shutdown stops accepting deliveries.
func (c *channel) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// close shuts the channel down and closes the socket with code and reason.
func (c *channel) close(code websocket.StatusCode, reason string) {
	c.shutdown()
	if err := c.conn.Close(code, reason); err != nil {
		c.logger.Debug("Failed to close websocket", "error", err)
	}
}
