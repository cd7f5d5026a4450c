package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/contract-forge/internal/identity"
	"github.com/ashureev/contract-forge/internal/router"
	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// RejectCode is the close code sent when the connection identity is
// invalid. The reason is always empty.
const RejectCode = websocket.StatusPolicyViolation

// HandlerConfig tunes channel behaviour.
type HandlerConfig struct {
	// OriginPatterns are host patterns accepted in the Origin header.
	// Empty means same-origin only.
	OriginPatterns []string
	RatePerSecond  float64
	Burst          int
	// PingInterval of zero disables keepalive pings.
	PingInterval time.Duration
	WriteTimeout time.Duration
	// ReadLimit caps one inbound frame in bytes.
	ReadLimit int64
}

// DefaultHandlerConfig returns the production defaults.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		RatePerSecond: 10,
		Burst:         20,
		PingInterval:  30 * time.Second,
		WriteTimeout:  10 * time.Second,
		ReadLimit:     4 << 20,
	}
}

// Handler upgrades HTTP requests into channels.
type Handler struct {
	mgr    *Manager
	router *router.Router
	cfg    HandlerConfig
	logger *slog.Logger
}

// NewHandler creates a websocket handler.
func NewHandler(mgr *Manager, rt *router.Router, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultHandlerConfig()
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	return &Handler{mgr: mgr, router: rt, cfg: cfg, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := identity.IPFromRequest(r)
	id, idErr := identity.FromRequest(r)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "ip", ip)
		return
	}

	if idErr != nil {
		h.logger.Warn("WebSocket connection rejected", "error", idErr, "ip", ip)
		if err := ws.Close(RejectCode, ""); err != nil {
			h.logger.Debug("Failed to close rejected websocket", "error", err)
		}
		return
	}
	ws.SetReadLimit(h.cfg.ReadLimit)

	limiter := rate.NewLimiter(rate.Limit(h.cfg.RatePerSecond), h.cfg.Burst)
	ch := newChannel(ws, id.ChatID, id.WalletAddress, limiter, h.logger)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if _, err := h.mgr.Attach(ctx, ch); err != nil {
		h.logger.Error("Failed to attach channel", "error", err, "chat_id", id.ChatID)
		ch.close(websocket.StatusInternalError, "")
		return
	}
	defer h.mgr.Detach(ctx, ch)

	ch.send(router.ConnectionEstablished(id.ChatID))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.readLoop(gctx, ch)
	})
	g.Go(func() error {
		return ch.writeLoop(gctx, h.cfg.WriteTimeout)
	})
	g.Go(func() error {
		return ch.pingLoop(gctx, h.cfg.PingInterval, h.cfg.WriteTimeout)
	})
	// A replaced channel is shut down by the manager; stop the workers too.
	go func() {
		select {
		case <-ch.done:
			cancel()
		case <-gctx.Done():
		}
	}()

	if err := g.Wait(); err != nil && !errors.Is(err, errChannelClosed) {
		ch.logger.Debug("Channel worker stopped", "error", err)
	}
	ch.close(websocket.StatusNormalClosure, "")
	ch.logger.Info("Channel ended", "ip", ip)
}

var errChannelClosed = errors.New("channel closed")

func (h *Handler) readLoop(ctx context.Context, ch *channel) error {
	for {
		_, data, err := ch.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				return errChannelClosed
			}
			return err
		}

		if !ch.limiter.Allow() {
			ch.send(router.Envelope{
				Type:     router.TypeError,
				Content:  "rate limit exceeded, slow down",
				Metadata: router.Metadata{ChatID: ch.chatID, Code: "rate_limited"},
			})
			continue
		}

		for _, env := range h.router.Handle(ctx, ch.chatID, data) {
			if !ch.send(env) {
				return errChannelClosed
			}
		}
	}
}
