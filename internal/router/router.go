// Package router decodes client envelopes, dispatches them to the session
// registry or the repair engine, and encodes the replies.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/contract-forge/internal/agent"
	"github.com/ashureev/contract-forge/internal/domain"
	"github.com/ashureev/contract-forge/internal/filestore"
	"github.com/ashureev/contract-forge/internal/repair"
	"github.com/ashureev/contract-forge/internal/session"
)

const (
	defaultMaxAttempts  = 5
	defaultCycleTimeout = 10 * time.Minute
	defaultReplyTimeout = 2 * time.Minute
	defaultHistoryTurns = 20
)

// Repairer runs one compile-repair cycle.
type Repairer interface {
	AttemptCompileAndRepair(ctx context.Context, ws repair.Workspace, path, initialContent, language string, maxAttempts int) (*domain.RepairResult, error)
}

// Deliverer writes an envelope to whichever channel is bound to chatID when
// the envelope is ready. It reports false when nothing was bound.
type Deliverer interface {
	Deliver(chatID string, env Envelope) bool
}

// Router is safe for concurrent use by every channel worker.
type Router struct {
	registry  *session.Registry
	engine    Repairer
	responder agent.Responder
	deliverer Deliverer
	logger    *slog.Logger

	maxAttempts  int
	cycleTimeout time.Duration
	replyTimeout time.Duration
	historyTurns int

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// errShuttingDown rejects background work once Shutdown has started.
var errShuttingDown = fmt.Errorf("%w: server is shutting down", domain.ErrCollaboratorUnavailable)

// Option configures a Router.
type Option func(*Router)

// WithResponder sets the chat responder. Without one, plain messages are
// acknowledged.
func WithResponder(r agent.Responder) Option {
	return func(rt *Router) {
		rt.responder = r
	}
}

// WithDeliverer sets the sink for asynchronous results.
func WithDeliverer(d Deliverer) Option {
	return func(rt *Router) {
		rt.deliverer = d
	}
}

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) Option {
	return func(rt *Router) {
		rt.logger = l
	}
}

// WithMaxAttempts sets the repair attempt ceiling and default.
func WithMaxAttempts(n int) Option {
	return func(rt *Router) {
		if n > 0 {
			rt.maxAttempts = n
		}
	}
}

// WithCycleTimeout bounds one repair cycle.
func WithCycleTimeout(d time.Duration) Option {
	return func(rt *Router) {
		if d > 0 {
			rt.cycleTimeout = d
		}
	}
}

// New creates a router.
func New(registry *session.Registry, engine Repairer, opts ...Option) *Router {
	r := &Router{
		registry:     registry,
		engine:       engine,
		logger:       slog.Default(),
		maxAttempts:  defaultMaxAttempts,
		cycleTimeout: defaultCycleTimeout,
		replyTimeout: defaultReplyTimeout,
		historyTurns: defaultHistoryTurns,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle processes one inbound frame from a channel bound to boundChatID and
// returns the immediate replies. Slow work is started in the background and
// its result goes through the Deliverer.
func (r *Router) Handle(ctx context.Context, boundChatID string, data []byte) []Envelope {
	in, err := Decode(data)
	if err != nil {
		return []Envelope{errorEnvelope(boundChatID, "", err)}
	}

	chatID, err := session.ParseIdentity(in.ChatID)
	if err != nil {
		return []Envelope{errorEnvelope(boundChatID, in.Path, err)}
	}
	if chatID != boundChatID {
		return []Envelope{errorEnvelope(boundChatID, in.Path,
			fmt.Errorf("%w: chat_id does not match this connection", domain.ErrInvalidIdentity))}
	}

	sess, err := r.registry.Get(chatID)
	if err != nil {
		return []Envelope{errorEnvelope(chatID, in.Path, err)}
	}
	sess.Touch()

	r.logger.Debug("Envelope received", "chat_id", chatID, "type", in.Type, "subtype", in.Subtype, "path", in.Path)

	switch in.Type {
	case TypeMessage:
		if in.Subtype == SubtypeCompileAssist {
			return r.handleCompileAssist(ctx, sess, in)
		}
		return r.handleMessage(ctx, sess, in)
	case TypeSaveFile:
		return r.handleSaveFile(sess, in)
	case TypeGetFileVersion:
		return r.handleGetFileVersion(sess, in)
	case TypeContextsSynced:
		return r.handleContextsSynced(sess)
	}
	// Decode rejects every other type.
	return nil
}

// Wait blocks until every background task started so far has finished.
// It must not run concurrently with Handle; use Shutdown for that.
func (r *Router) Wait() {
	r.wg.Wait()
}

// Shutdown stops Handle from starting background work, then waits for the
// tasks already running. Frames that need background work afterwards get an
// error envelope. It is safe to call while channels are still reading.
func (r *Router) Shutdown() {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Router) handleMessage(ctx context.Context, sess *session.Session, in *Inbound) []Envelope {
	if in.Context != nil {
		if err := r.registry.ApplyContext(sess.ID(), in.Context); err != nil {
			return []Envelope{errorEnvelope(sess.ID(), "", err)}
		}
	}

	history := sess.Messages(r.historyTurns)
	sess.AppendMessage(agent.RoleUser, *in.Content)

	if in.SuppressResponse {
		return nil
	}
	if r.responder == nil || r.deliverer == nil {
		return []Envelope{{
			Type:     TypeMessage,
			Content:  "Message received",
			Metadata: Metadata{ChatID: sess.ID()},
		}}
	}

	req := agent.ReplyRequest{
		ChatID:  sess.ID(),
		Message: *in.Content,
		History: toTurns(history),
		Context: sess.ContextSnapshot(),
	}
	started := r.spawn(ctx, r.replyTimeout, func(ctx context.Context) {
		reply, err := r.responder.Reply(ctx, req)
		if err != nil {
			r.logger.Warn("Responder failed", "chat_id", req.ChatID, "error", err)
			r.deliver(req.ChatID, errorEnvelope(req.ChatID, "", fmt.Errorf("%w: %v", domain.ErrCollaboratorUnavailable, err)))
			return
		}
		sess.AppendMessage(agent.RoleAssistant, reply)
		r.deliver(req.ChatID, Envelope{
			Type:     TypeMessage,
			Content:  reply,
			Metadata: Metadata{ChatID: req.ChatID},
		})
	})
	if !started {
		return []Envelope{errorEnvelope(sess.ID(), "", errShuttingDown)}
	}
	return nil
}

func (r *Router) handleCompileAssist(ctx context.Context, sess *session.Session, in *Inbound) []Envelope {
	path, err := filestore.CleanPath(in.Path)
	if err != nil {
		return []Envelope{errorEnvelope(sess.ID(), in.Path, err)}
	}
	if r.engine == nil || r.deliverer == nil {
		return []Envelope{errorEnvelope(sess.ID(), path, errors.New("compile assist is not available"))}
	}
	if in.Context != nil {
		if err := r.registry.ApplyContext(sess.ID(), in.Context); err != nil {
			return []Envelope{errorEnvelope(sess.ID(), path, err)}
		}
	}

	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 || maxAttempts > r.maxAttempts {
		maxAttempts = r.maxAttempts
	}

	chatID, content, language := sess.ID(), *in.Content, in.Language
	started := r.spawn(ctx, r.cycleTimeout, func(ctx context.Context) {
		res, err := r.engine.AttemptCompileAndRepair(ctx, sess, path, content, language, maxAttempts)
		if err != nil {
			r.logger.Warn("Repair cycle rejected", "chat_id", chatID, "path", path, "error", err)
			r.deliver(chatID, errorEnvelope(chatID, path, err))
			return
		}
		r.deliver(chatID, repairEnvelope(chatID, res))
	})
	if !started {
		return []Envelope{errorEnvelope(chatID, path, errShuttingDown)}
	}

	return []Envelope{{
		Type:    TypeMessage,
		Content: fmt.Sprintf("Compiling %s...", path),
		Metadata: Metadata{
			Path:     path,
			ChatID:   chatID,
			Language: language,
			Subtype:  SubtypeCompileAssist,
			Attempts: maxAttempts,
		},
	}}
}

func (r *Router) handleSaveFile(sess *session.Session, in *Inbound) []Envelope {
	v, err := sess.Store().Put(in.Path, *in.Content, in.Language)
	if err != nil {
		return []Envelope{errorEnvelope(sess.ID(), in.Path, err)}
	}
	return []Envelope{{
		Type:     TypeFileSaved,
		Content:  fmt.Sprintf("Saved %s", v.Path),
		Metadata: versionMetadata(sess.ID(), v),
	}}
}

func (r *Router) handleGetFileVersion(sess *session.Session, in *Inbound) []Envelope {
	v, err := sess.Store().Get(in.Path, in.Version)
	if err != nil {
		return []Envelope{errorEnvelope(sess.ID(), in.Path, err)}
	}
	return []Envelope{{
		Type:     TypeFileVersion,
		Content:  v.Content,
		Metadata: versionMetadata(sess.ID(), v),
	}}
}

func (r *Router) handleContextsSynced(sess *session.Session) []Envelope {
	if err := r.registry.MarkContextsSynced(sess.ID()); err != nil {
		return []Envelope{errorEnvelope(sess.ID(), "", err)}
	}
	return []Envelope{{
		Type:     TypeMessage,
		Content:  "Contexts synced",
		Metadata: Metadata{ChatID: sess.ID(), Paths: sess.Store().Paths()},
	}}
}

// spawn runs fn detached from the channel so closing it never tears the
// work down. timeout still bounds it. It reports false once Shutdown has begun.
func (r *Router) spawn(ctx context.Context, timeout time.Duration, fn func(ctx context.Context)) bool {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return false
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		fn(ctx)
	}()
	return true
}

func (r *Router) deliver(chatID string, env Envelope) {
	if r.deliverer == nil {
		return
	}
	if !r.deliverer.Deliver(chatID, env) {
		r.logger.Info("Dropped result for unbound session", "chat_id", chatID, "type", env.Type)
	}
}

func versionMetadata(chatID string, v *domain.Version) Metadata {
	return Metadata{
		Path:      v.Path,
		ChatID:    chatID,
		Version:   v.ID,
		Timestamp: v.UnixSeconds(),
		Language:  v.Language,
	}
}

func repairEnvelope(chatID string, res *domain.RepairResult) Envelope {
	if res.Outcome == domain.OutcomeSuccess && res.Version != nil {
		md := versionMetadata(chatID, res.Version)
		md.Subtype = SubtypeCompileAssist
		md.Outcome = res.Outcome
		md.Attempts = len(res.Attempts)
		md.Diagnostics = res.Diagnostics
		return Envelope{Type: TypeFileSaved, Content: res.Content, Metadata: md}
	}

	var content string
	switch res.Outcome {
	case domain.OutcomeFailure:
		content = fmt.Sprintf("Could not fix the compilation errors in %s after %d attempt(s).", res.Path, len(res.Attempts))
	default:
		content = fmt.Sprintf("Compile assist for %s stopped: %s", res.Path, res.Reason)
	}
	return Envelope{
		Type:    TypeMessage,
		Content: content,
		Metadata: Metadata{
			Path:           res.Path,
			ChatID:         chatID,
			Language:       res.Language,
			Subtype:        SubtypeCompileAssist,
			Outcome:        res.Outcome,
			Attempts:       len(res.Attempts),
			Diagnostics:    res.Diagnostics,
			AttemptHistory: res.Attempts,
			Candidate:      res.Content,
			Reason:         res.Reason,
		},
	}
}

func toTurns(msgs []session.Message) []agent.Turn {
	turns := make([]agent.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, agent.Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}
