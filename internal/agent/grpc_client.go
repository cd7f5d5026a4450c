package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/contract-forge/internal/repair"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// Remote agent service methods. Requests and responses are
// google.protobuf.Struct so no generated stubs are needed on either side.
const (
	agentServiceName   = "forge.agent.v1.AgentService"
	methodProposePatch = "/" + agentServiceName + "/ProposePatch"
	methodReply        = "/" + agentServiceName + "/Reply"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errAgentResponse            = errors.New("agent response returned error")
)

// GrpcClient talks to a remote agent service.
type GrpcClient struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	addr   string
	cfg    GrpcClientConfig
	logger *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   60 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient connects to the agent service and waits until the
// connection is ready.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultGrpcClientConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent at %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad agent endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("agent at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to agent service", "address", cfg.Address)

	return &GrpcClient{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		addr:   cfg.Address,
		cfg:    cfg,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks if the agent service reports SERVING.
func (c *GrpcClient) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: agentServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("agent service status %s", resp.GetStatus())
	}
	return nil
}

// Propose sends a fix request and returns the corrected source. The service
// may answer with "source" directly or with a model reply in "content".
func (c *GrpcClient) Propose(ctx context.Context, req repair.PatchRequest) (string, error) {
	diags := make([]any, 0, len(req.Diagnostics))
	for _, d := range req.Diagnostics {
		diags = append(diags, map[string]any{
			"severity": string(d.Severity),
			"message":  d.Message,
			"line":     d.Line,
			"column":   d.Column,
		})
	}
	fields := map[string]any{
		"path":        req.Path,
		"language":    req.Language,
		"source":      req.Source,
		"attempt":     req.Attempt,
		"diagnostics": diags,
		"prompt":      patchPrompt(req),
	}
	if len(req.Context) > 0 {
		fields["context"] = req.Context
	}

	resp, err := c.invoke(ctx, methodProposePatch, fields)
	if err != nil {
		return "", err
	}
	if src := stringField(resp, "source"); strings.TrimSpace(src) != "" {
		return src, nil
	}
	code := ExtractCode(stringField(resp, "content"), req.Language)
	if code == "" {
		return "", errNoCodeBlock
	}
	return code, nil
}

// Reply sends a chat message with history and returns the answer.
func (c *GrpcClient) Reply(ctx context.Context, req ReplyRequest) (string, error) {
	history := make([]any, 0, len(req.History))
	for _, t := range req.History {
		history = append(history, map[string]any{"role": t.Role, "content": t.Content})
	}
	fields := map[string]any{
		"chat_id": req.ChatID,
		"message": req.Message,
		"history": history,
	}
	if len(req.Context) > 0 {
		fields["context"] = req.Context
	}

	resp, err := c.invoke(ctx, methodReply, fields)
	if err != nil {
		return "", err
	}
	content := stringField(resp, "content")
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("%w: empty content", errAgentResponse)
	}
	return content, nil
}

func (c *GrpcClient) invoke(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		c.logger.Warn("Agent call failed", "method", method, "error", err)
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if msg := stringField(out, "error"); msg != "" {
		return nil, fmt.Errorf("%w: %s", errAgentResponse, msg)
	}
	return out, nil
}

func stringField(s *structpb.Struct, key string) string {
	v, ok := s.GetFields()[key]
	if !ok {
		return ""
	}
	return v.GetStringValue()
}
