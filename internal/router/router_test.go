package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/contract-forge/internal/agent"
	"github.com/ashureev/contract-forge/internal/domain"
	"github.com/ashureev/contract-forge/internal/repair"
	"github.com/ashureev/contract-forge/internal/session"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/goleak"
)

const testChatID = "550e8400-e29b-41d4-a716-446655440000"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingDeliverer struct {
	mu    sync.Mutex
	bound bool
	got   []Envelope
}

func (d *recordingDeliverer) Deliver(chatID string, env Envelope) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.bound {
		return false
	}
	d.got = append(d.got, env)
	return true
}

func (d *recordingDeliverer) envelopes() []Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Envelope(nil), d.got...)
}

type stubRepairer struct {
	mu      sync.Mutex
	calls   int
	max     []int
	release chan struct{}
	result  func(ws repair.Workspace, path, content, language string) (*domain.RepairResult, error)
}

func (s *stubRepairer) AttemptCompileAndRepair(ctx context.Context, ws repair.Workspace, path, content, language string, maxAttempts int) (*domain.RepairResult, error) {
	s.mu.Lock()
	s.calls++
	s.max = append(s.max, maxAttempts)
	release := s.release
	s.mu.Unlock()
	if release != nil {
		<-release
	}
	return s.result(ws, path, content, language)
}

func commitRepairer() *stubRepairer {
	return &stubRepairer{result: func(ws repair.Workspace, path, content, language string) (*domain.RepairResult, error) {
		v, err := ws.Store().Put(path, content, language)
		if err != nil {
			return nil, err
		}
		return &domain.RepairResult{
			Outcome:  domain.OutcomeSuccess,
			Path:     path,
			Language: language,
			Version:  v,
			Content:  content,
			Attempts: []domain.CompileAttempt{{Path: path, Candidate: content, Attempt: 1, Outcome: domain.OutcomeSuccess}},
		}, nil
	}}
}

type stubResponder struct {
	mu   sync.Mutex
	reqs []agent.ReplyRequest
	err  error
}

func (s *stubResponder) Reply(ctx context.Context, req agent.ReplyRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return "", s.err
	}
	return "echo: " + req.Message, nil
}

type fixture struct {
	reg       *session.Registry
	router    *Router
	deliverer *recordingDeliverer
	sess      *session.Session
}

func newFixture(t *testing.T, engine Repairer, opts ...Option) *fixture {
	t.Helper()
	reg := session.NewRegistry(session.WithLogger(quietLogger()))
	sess, err := reg.Bind("chan-1", testChatID)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	d := &recordingDeliverer{bound: true}
	base := []Option{WithDeliverer(d), WithLogger(quietLogger())}
	r := New(reg, engine, append(base, opts...)...)
	t.Cleanup(r.Shutdown)
	return &fixture{reg: reg, router: r, deliverer: d, sess: sess}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (f *fixture) send(t *testing.T, frame map[string]any) []Envelope {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return f.router.Handle(context.Background(), testChatID, data)
}

func single(t *testing.T, envs []Envelope) Envelope {
	t.Helper()
	if len(envs) != 1 {
		t.Fatalf("Expected 1 envelope, got %d: %+v", len(envs), envs)
	}
	return envs[0]
}

func TestRouter_SaveThenGetVersion(t *testing.T) {
	f := newFixture(t, commitRepairer())

	saved := single(t, f.send(t, map[string]any{
		"type": "save_file", "path": "a.sol", "content": "contract A{}", "language": "solidity", "chat_id": testChatID,
	}))
	if saved.Type != TypeFileSaved {
		t.Fatalf("Expected file_saved, got %+v", saved)
	}
	if saved.Metadata.Path != "a.sol" || saved.Metadata.ChatID != testChatID || saved.Metadata.Version == "" {
		t.Fatalf("Unexpected metadata: %+v", saved.Metadata)
	}

	got := single(t, f.send(t, map[string]any{
		"type": "get_file_version", "path": "a.sol", "version": saved.Metadata.Version, "chat_id": testChatID,
	}))
	want := Envelope{
		Type:    TypeFileVersion,
		Content: "contract A{}",
		Metadata: Metadata{
			Path:      "a.sol",
			ChatID:    testChatID,
			Version:   saved.Metadata.Version,
			Timestamp: saved.Metadata.Timestamp,
			Language:  "solidity",
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("file_version mismatch (-want +got):\n%s", diff)
	}
	if got.Metadata.Timestamp < 1e9 || got.Metadata.Timestamp > 1e11 {
		t.Errorf("Expected timestamp in seconds, got %f", got.Metadata.Timestamp)
	}
}

func TestRouter_SaveFileAllowsEmptyContent(t *testing.T) {
	f := newFixture(t, commitRepairer())
	env := single(t, f.send(t, map[string]any{
		"type": "save_file", "path": "empty.sol", "content": "", "language": "solidity", "chat_id": testChatID,
	}))
	if env.Type != TypeFileSaved {
		t.Fatalf("Expected file_saved, got %+v", env)
	}
}

func TestRouter_ErrorsDoNotMutate(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		code  string
	}{
		{"malformed json", `{"type":`, "invalid_envelope"},
		{"unknown type", `{"type":"delete_file","chat_id":"` + testChatID + `"}`, "invalid_envelope"},
		{"missing chat id", `{"type":"contexts_synced"}`, "invalid_envelope"},
		{"missing content", `{"type":"save_file","path":"a.sol","language":"solidity","chat_id":"` + testChatID + `"}`, "invalid_envelope"},
		{"missing version", `{"type":"get_file_version","path":"a.sol","chat_id":"` + testChatID + `"}`, "invalid_envelope"},
		{"unknown subtype", `{"type":"message","subtype":"deploy","content":"x","chat_id":"` + testChatID + `"}`, "invalid_envelope"},
		{"chat id mismatch", `{"type":"save_file","path":"a.sol","content":"x","language":"solidity","chat_id":"6ba7b810-9dad-11d1-80b4-00c04fd430c8"}`, "invalid_identity"},
		{"bad chat id", `{"type":"contexts_synced","chat_id":"nope"}`, "invalid_identity"},
		{"escaping path", `{"type":"save_file","path":"../x.sol","content":"x","language":"solidity","chat_id":"` + testChatID + `"}`, "invalid_path"},
		{"unknown version", `{"type":"get_file_version","path":"a.sol","version":"01ARZ3NDEKTSV4RRFFQ69G5FAV","chat_id":"` + testChatID + `"}`, "version_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, commitRepairer())
			env := single(t, f.router.Handle(context.Background(), testChatID, []byte(tt.frame)))
			if env.Type != TypeError {
				t.Fatalf("Expected error envelope, got %+v", env)
			}
			if env.Metadata.Code != tt.code {
				t.Errorf("Expected code %s, got %s (%s)", tt.code, env.Metadata.Code, env.Content)
			}
			if f.sess.Store().Len() != 0 {
				t.Errorf("Expected no versions, got %d", f.sess.Store().Len())
			}
			if f.sess.ContextsSynced() {
				t.Error("contexts_synced must not be set by a rejected frame")
			}
		})
	}
}

func TestRouter_ChatIDIsCanonicalised(t *testing.T) {
	f := newFixture(t, commitRepairer())
	env := single(t, f.send(t, map[string]any{
		"type": "contexts_synced", "chat_id": strings.ToUpper(testChatID),
	}))
	if env.Type != TypeMessage {
		t.Fatalf("Expected message, got %+v", env)
	}
}

func TestRouter_ContextsSynced(t *testing.T) {
	f := newFixture(t, commitRepairer())
	f.send(t, map[string]any{"type": "save_file", "path": "b.sol", "content": "x", "language": "solidity", "chat_id": testChatID})
	f.send(t, map[string]any{"type": "save_file", "path": "a.sol", "content": "x", "language": "solidity", "chat_id": testChatID})

	for i := 0; i < 2; i++ {
		env := single(t, f.send(t, map[string]any{"type": "contexts_synced", "chat_id": testChatID}))
		if diff := cmp.Diff([]string{"a.sol", "b.sol"}, env.Metadata.Paths); diff != "" {
			t.Errorf("paths mismatch (-want +got):\n%s", diff)
		}
	}
	if !f.sess.ContextsSynced() {
		t.Error("Expected contexts synced")
	}
}

func TestRouter_MessageWithoutResponderAcks(t *testing.T) {
	f := newFixture(t, commitRepairer())
	env := single(t, f.send(t, map[string]any{
		"type": "message", "content": "hello", "chat_id": testChatID,
		"context": map[string]any{"currentFile": "a.sol"},
	}))
	if env.Type != TypeMessage {
		t.Fatalf("Expected message ack, got %+v", env)
	}
	if got := f.sess.ContextSnapshot()["currentFile"]; got != "a.sol" {
		t.Errorf("Expected context applied, got %v", got)
	}
	msgs := f.sess.Messages(0)
	if len(msgs) != 1 || msgs[0].Role != agent.RoleUser || msgs[0].Content != "hello" {
		t.Errorf("Expected user turn recorded, got %+v", msgs)
	}
}

func TestRouter_MessageSuppressResponse(t *testing.T) {
	responder := &stubResponder{}
	f := newFixture(t, commitRepairer(), WithResponder(responder))
	envs := f.send(t, map[string]any{
		"type": "message", "content": "quiet", "chat_id": testChatID, "suppress_response": true,
	})
	f.router.Wait()
	if len(envs) != 0 || len(f.deliverer.envelopes()) != 0 {
		t.Fatalf("Expected no replies, got %+v and %+v", envs, f.deliverer.envelopes())
	}
	if len(responder.reqs) != 0 {
		t.Error("Responder must not be called")
	}
}

func TestRouter_MessageReplyIsDelivered(t *testing.T) {
	responder := &stubResponder{}
	f := newFixture(t, commitRepairer(), WithResponder(responder))

	f.send(t, map[string]any{"type": "message", "content": "first", "chat_id": testChatID})
	f.router.Wait()
	f.send(t, map[string]any{"type": "message", "content": "second", "chat_id": testChatID})
	f.router.Wait()

	got := f.deliverer.envelopes()
	if len(got) != 2 || got[1].Content != "echo: second" {
		t.Fatalf("Unexpected deliveries: %+v", got)
	}
	want := []agent.Turn{{Role: agent.RoleUser, Content: "first"}, {Role: agent.RoleAssistant, Content: "echo: first"}}
	if diff := cmp.Diff(want, responder.reqs[1].History); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestRouter_ResponderFailureDeliversError(t *testing.T) {
	responder := &stubResponder{err: errors.New("rate limited")}
	f := newFixture(t, commitRepairer(), WithResponder(responder))

	f.send(t, map[string]any{"type": "message", "content": "hi", "chat_id": testChatID})
	f.router.Wait()

	got := f.deliverer.envelopes()
	if len(got) != 1 || got[0].Type != TypeError || got[0].Metadata.Code != "collaborator_unavailable" {
		t.Fatalf("Expected collaborator error, got %+v", got)
	}
}

func TestRouter_SaveFileNeverRepairs(t *testing.T) {
	engine := commitRepairer()
	f := newFixture(t, engine)
	f.send(t, map[string]any{"type": "save_file", "path": "a.sol", "content": "broken", "language": "solidity", "chat_id": testChatID})
	f.router.Wait()
	if engine.calls != 0 {
		t.Errorf("save_file must not start a repair cycle, got %d calls", engine.calls)
	}
}

func TestRouter_CompileAssistSuccess(t *testing.T) {
	engine := commitRepairer()
	f := newFixture(t, engine, WithMaxAttempts(4))

	ack := single(t, f.send(t, map[string]any{
		"type": "message", "subtype": "compile_assist", "path": "./c.sol",
		"content": "contract C {}", "language": "solidity", "chat_id": testChatID, "max_attempts": 10,
	}))
	if ack.Type != TypeMessage || ack.Metadata.Path != "c.sol" || ack.Metadata.Subtype != SubtypeCompileAssist {
		t.Fatalf("Unexpected ack: %+v", ack)
	}
	f.router.Wait()

	if diff := cmp.Diff([]int{4}, engine.max); diff != "" {
		t.Errorf("max attempts not clamped (-want +got):\n%s", diff)
	}
	got := f.deliverer.envelopes()
	if len(got) != 1 {
		t.Fatalf("Expected 1 delivery, got %d", len(got))
	}
	env := got[0]
	if env.Type != TypeFileSaved || env.Metadata.Outcome != domain.OutcomeSuccess || env.Metadata.Version == "" {
		t.Fatalf("Unexpected result envelope: %+v", env)
	}
	cur, err := f.sess.Store().Current("c.sol")
	if err != nil || cur.ID != env.Metadata.Version {
		t.Errorf("Expected committed version %s, got %v (%v)", env.Metadata.Version, cur, err)
	}
}

func TestRouter_CompileAssistFailureCarriesTrail(t *testing.T) {
	diag := domain.Diagnostic{Severity: domain.SeverityError, Message: "boom", Line: 1}
	engine := &stubRepairer{result: func(ws repair.Workspace, path, content, language string) (*domain.RepairResult, error) {
		return &domain.RepairResult{
			Outcome:     domain.OutcomeFailure,
			Path:        path,
			Language:    language,
			Content:     "last candidate",
			Diagnostics: []domain.Diagnostic{diag},
			Attempts: []domain.CompileAttempt{
				{Path: path, Attempt: 1, Outcome: domain.OutcomeFailure, Diagnostics: []domain.Diagnostic{diag}},
				{Path: path, Attempt: 2, Outcome: domain.OutcomeFailure, Diagnostics: []domain.Diagnostic{diag}},
			},
			Reason: "1 error(s) remain after 2 attempt(s)",
		}, nil
	}}
	f := newFixture(t, engine)

	f.send(t, map[string]any{
		"type": "message", "subtype": "compile_assist", "path": "d.sol",
		"content": "x", "language": "solidity", "chat_id": testChatID, "max_attempts": 2,
	})
	f.router.Wait()

	env := single(t, f.deliverer.envelopes())
	want := Metadata{
		Path:        "d.sol",
		ChatID:      testChatID,
		Language:    "solidity",
		Subtype:     SubtypeCompileAssist,
		Outcome:     domain.OutcomeFailure,
		Attempts:    2,
		Diagnostics: []domain.Diagnostic{diag},
		Candidate:   "last candidate",
		Reason:      "1 error(s) remain after 2 attempt(s)",
	}
	if env.Type != TypeMessage {
		t.Fatalf("Expected message, got %s", env.Type)
	}
	if diff := cmp.Diff(want, env.Metadata, cmpopts.IgnoreFields(Metadata{}, "AttemptHistory")); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}
	if len(env.Metadata.AttemptHistory) != 2 {
		t.Errorf("Expected full attempt trail, got %d", len(env.Metadata.AttemptHistory))
	}
}

func TestRouter_CompileAssistResultDroppedWhenUnbound(t *testing.T) {
	engine := commitRepairer()
	engine.release = make(chan struct{})
	f := newFixture(t, engine)

	f.send(t, map[string]any{
		"type": "message", "subtype": "compile_assist", "path": "e.sol",
		"content": "contract E {}", "language": "solidity", "chat_id": testChatID,
	})
	f.deliverer.mu.Lock()
	f.deliverer.bound = false
	f.deliverer.mu.Unlock()
	close(engine.release)
	f.router.Wait()

	if got := f.deliverer.envelopes(); len(got) != 0 {
		t.Errorf("Expected result to be dropped, got %+v", got)
	}
	// The cycle still completed and committed.
	if f.sess.Store().Len() != 1 {
		t.Errorf("Expected committed version despite closed channel, got %d", f.sess.Store().Len())
	}
}

func TestRouter_CompileAssistSurvivesCallerCancel(t *testing.T) {
	engine := commitRepairer()
	engine.release = make(chan struct{})
	f := newFixture(t, engine)

	ctx, cancel := context.WithCancel(context.Background())
	data, _ := json.Marshal(map[string]any{
		"type": "message", "subtype": "compile_assist", "path": "f.sol",
		"content": "contract F {}", "language": "solidity", "chat_id": testChatID,
	})
	f.router.Handle(ctx, testChatID, data)
	cancel()
	time.Sleep(10 * time.Millisecond)
	close(engine.release)
	f.router.Wait()

	if got := f.deliverer.envelopes(); len(got) != 1 || got[0].Type != TypeFileSaved {
		t.Errorf("Expected delivered result after caller cancel, got %+v", got)
	}
}

func TestRouter_EvictedSessionIsRejected(t *testing.T) {
	f := newFixture(t, commitRepairer())
	if err := f.reg.Evict(context.Background(), testChatID); err != nil {
		t.Fatalf("Evict failed: %v", err)
	}
	env := single(t, f.send(t, map[string]any{"type": "contexts_synced", "chat_id": testChatID}))
	if env.Type != TypeError || env.Metadata.Code != "not_found" {
		t.Errorf("Expected not_found error, got %+v", env)
	}
}

func TestRouter_ShutdownRefusesBackgroundWork(t *testing.T) {
	engine := commitRepairer()
	responder := &stubResponder{}
	f := newFixture(t, engine, WithResponder(responder))

	f.router.Shutdown()

	env := single(t, f.send(t, map[string]any{
		"type": "message", "subtype": "compile_assist", "path": "d.sol",
		"content": "contract D {}", "language": "solidity", "chat_id": testChatID,
	}))
	if env.Type != TypeError || env.Metadata.Code != "collaborator_unavailable" || env.Metadata.Path != "d.sol" {
		t.Errorf("Expected collaborator_unavailable for compile assist, got %+v", env)
	}

	env = single(t, f.send(t, map[string]any{"type": "message", "content": "hi", "chat_id": testChatID}))
	if env.Type != TypeError || env.Metadata.Code != "collaborator_unavailable" {
		t.Errorf("Expected collaborator_unavailable for chat, got %+v", env)
	}

	saved := single(t, f.send(t, map[string]any{
		"type": "save_file", "path": "d.sol", "content": "x", "language": "solidity", "chat_id": testChatID,
	}))
	if saved.Type != TypeFileSaved {
		t.Errorf("Expected synchronous save to keep working, got %+v", saved)
	}

	engine.mu.Lock()
	calls := engine.calls
	engine.mu.Unlock()
	if calls != 0 {
		t.Errorf("Expected no repair cycles after shutdown, got %d", calls)
	}
	if len(responder.reqs) != 0 {
		t.Errorf("Expected no replies after shutdown, got %d", len(responder.reqs))
	}
}

func TestRouter_ShutdownWhileHandling(t *testing.T) {
	engine := commitRepairer()
	f := newFixture(t, engine)

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 25 {
				f.send(t, map[string]any{
					"type": "message", "subtype": "compile_assist", "path": fmt.Sprintf("p%d_%d.sol", i, j),
					"content": "contract P {}", "language": "solidity", "chat_id": testChatID,
				})
			}
		}()
	}
	f.router.Shutdown()
	wg.Wait()
	f.router.Shutdown()

	engine.mu.Lock()
	calls := engine.calls
	engine.mu.Unlock()
	if got := len(f.deliverer.envelopes()); got != calls {
		t.Errorf("Expected every started cycle delivered before Shutdown returned, got %d deliveries for %d cycles", got, calls)
	}
}

func TestDecodeEnvelopeJSONShape(t *testing.T) {
	env := Envelope{Type: TypeFileSaved, Content: "Saved a.sol", Metadata: Metadata{Path: "a.sol", ChatID: testChatID, Version: "v", Timestamp: 1.5}}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	md, _ := raw["metadata"].(map[string]any)
	for _, key := range []string{"path", "chat_id", "version", "timestamp"} {
		if _, ok := md[key]; !ok {
			t.Errorf("metadata missing %q: %s", key, data)
		}
	}
	if _, ok := md["outcome"]; ok {
		t.Errorf("unset fields must be omitted: %s", data)
	}
}
