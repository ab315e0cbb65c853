package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"drydock/pkg/eventlog"
	"drydock/pkg/protocol"
	"drydock/pkg/session"

	_ "modernc.org/sqlite"
)

// --- Fakes ---

type fakeWorktrees struct {
	mu        sync.Mutex
	createErr error
	created   []string
	destroyed []string
}

func (f *fakeWorktrees) CreateWorktree(ctx context.Context, owner, name, sessionID, baseBranch, branchName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, sessionID)
	return filepath.Join("/tmp/worktrees", sessionID), nil
}

func (f *fakeWorktrees) DestroyWorktree(ctx context.Context, owner, name, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, sessionID)
	return nil
}

type fakeContainers struct {
	mu       sync.Mutex
	startErr error
	stopFn   func(ctx context.Context) error
	started  []ContainerSpec
	stopped  []string
	killed   []string
}

func (f *fakeContainers) StartContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, spec)
	return fmt.Sprintf("ctr-%d", len(f.started)), nil
}

func (f *fakeContainers) StopContainer(ctx context.Context, id string) error {
	if f.stopFn != nil {
		if err := f.stopFn(ctx); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeContainers) KillContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*protocol.Event
}

func (f *fakePublisher) PublishEvent(ev *protocol.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakePublisher) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, len(f.events))
	for i, ev := range f.events {
		types[i] = ev.Type
	}
	return types
}

// --- Harness ---

type harness struct {
	store      *session.Store
	log        *eventlog.Log
	worktrees  *fakeWorktrees
	containers *fakeContainers
	publisher  *fakePublisher
	orch       *Orchestrator
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "drydock.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", protocol.SchemaDDL} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("init db: %v", err)
		}
	}

	h := &harness{
		store:      session.NewStore(db),
		log:        eventlog.New(db),
		worktrees:  &fakeWorktrees{},
		containers: &fakeContainers{},
		publisher:  &fakePublisher{},
	}
	if cfg.Image == "" {
		cfg.Image = "drydock-agent:latest"
	}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.orch = New(cfg, h.store, h.log, h.worktrees, h.containers, &StaticCredentialBroker{Token: "tok-test"}, quiet)
	h.orch.SetPublisher(h.publisher)

	if err := h.store.CreateRepo(context.Background(), &protocol.Repo{ID: "widgets", Owner: "acme", Name: "widgets"}); err != nil {
		t.Fatalf("seed repo: %v", err)
	}
	return h
}

func (h *harness) eventTypes(t *testing.T, sessionID string) []string {
	t.Helper()
	events, err := h.log.Query(context.Background(), sessionID, 0)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

// --- Tests ---

func TestStartSessionProvisionsPipeline(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{GatewayURL: "ws://localhost:8080/agent/ws"})
	ctx := context.Background()

	sess, err := h.orch.StartSession(ctx, StartRequest{
		RepoID:     "widgets",
		Role:       protocol.RoleImplementer,
		GoalPrompt: "fix the flaky retry test",
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	if sess.Status != protocol.StatusStarting {
		t.Errorf("Status = %s, want starting (running waits for process.started)", sess.Status)
	}
	if sess.Model != protocol.DefaultModel {
		t.Errorf("Model = %q, want default", sess.Model)
	}
	wantBranch := BranchPrefix + "widgets-" + sess.ID[:8]
	if sess.BranchName != wantBranch {
		t.Errorf("BranchName = %q, want %q", sess.BranchName, wantBranch)
	}
	if sess.WorktreePath == "" || sess.ContainerID == "" {
		t.Errorf("provisioning fields not persisted: %+v", sess)
	}

	if len(h.containers.started) != 1 {
		t.Fatalf("containers started = %d, want 1", len(h.containers.started))
	}
	env := h.containers.started[0].Env
	if env["DRYDOCK_SESSION_ID"] != sess.ID || env["GITHUB_TOKEN"] != "tok-test" {
		t.Errorf("container env missing session wiring: %v", env)
	}

	types := h.eventTypes(t, sess.ID)
	if len(types) != 1 || types[0] != protocol.EventSessionStarted {
		t.Errorf("events = %v, want [session.started]", types)
	}

	repo, err := h.store.GetRepo(ctx, "widgets")
	if err != nil {
		t.Fatalf("GetRepo: %v", err)
	}
	if repo.LastActivityAt == "" {
		t.Error("repo activity not touched")
	}
}

func TestStartSessionBranchOverrides(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	sess, err := h.orch.StartSession(context.Background(), StartRequest{
		RepoID:       "widgets",
		GoalPrompt:   "backport the retry fix",
		BaseBranch:   "release-2.4",
		BranchSuffix: "backport-retry-fix",
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if sess.BranchName != "agent/backport-retry-fix" {
		t.Errorf("BranchName = %q, want agent/backport-retry-fix", sess.BranchName)
	}
	if sess.BaseBranch != "release-2.4" {
		t.Errorf("BaseBranch = %q, want release-2.4", sess.BaseBranch)
	}
}

func TestStartSessionContainerFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.containers.startErr = errors.New("image pull failed")
	ctx := context.Background()

	_, err := h.orch.StartSession(ctx, StartRequest{RepoID: "widgets", GoalPrompt: "do the thing"})
	var pe *protocol.ProvisioningError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *ProvisioningError", err)
	}
	if pe.Phase != protocol.PhaseStartup {
		t.Errorf("Phase = %q, want startup", pe.Phase)
	}

	sess, err := h.store.GetSession(ctx, pe.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != protocol.StatusError {
		t.Errorf("Status = %s, want error", sess.Status)
	}

	// Worktree succeeded, so teardown must have attempted its removal.
	if len(h.worktrees.destroyed) != 1 || h.worktrees.destroyed[0] != pe.SessionID {
		t.Errorf("destroyed = %v, want [%s]", h.worktrees.destroyed, pe.SessionID)
	}

	events, err := h.log.Query(ctx, pe.SessionID, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 || events[0].Type != protocol.EventSessionError {
		t.Fatalf("events = %+v, want one session.error", events)
	}
	var payload struct {
		Phase string `json:"phase"`
	}
	if err := json.Unmarshal([]byte(events[0].Payload), &payload); err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if payload.Phase != protocol.PhaseStartup {
		t.Errorf("event phase = %q, want startup", payload.Phase)
	}
}

func TestStartSessionWorktreeFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.worktrees.createErr = errors.New("branch exists")

	_, err := h.orch.StartSession(context.Background(), StartRequest{RepoID: "widgets", GoalPrompt: "do the thing"})
	var pe *protocol.ProvisioningError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *ProvisioningError", err)
	}
	if pe.Phase != protocol.PhaseWorktree {
		t.Errorf("Phase = %q, want worktree", pe.Phase)
	}
	if len(h.containers.started) != 0 {
		t.Error("container started despite worktree failure")
	}
}

func TestStartSessionValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	var ve *protocol.ValidationError
	if _, err := h.orch.StartSession(ctx, StartRequest{RepoID: "widgets", Role: "manager", GoalPrompt: "x"}); !errors.As(err, &ve) {
		t.Errorf("bad role error = %v, want *ValidationError", err)
	}
	if _, err := h.orch.StartSession(ctx, StartRequest{RepoID: "widgets"}); !errors.As(err, &ve) {
		t.Errorf("empty prompt error = %v, want *ValidationError", err)
	}

	var nf *protocol.NotFoundError
	if _, err := h.orch.StartSession(ctx, StartRequest{RepoID: "nope", GoalPrompt: "x"}); !errors.As(err, &nf) {
		t.Errorf("unknown repo error = %v, want *NotFoundError", err)
	}

	// Validation failures must not leave session rows behind.
	sessions, err := h.store.ListSessions(ctx, "")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("sessions = %d, want 0", len(sessions))
	}
}

func TestStartSessionOrchestratorConflict(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	if _, err := h.orch.StartSession(ctx, StartRequest{RepoID: "widgets", Role: protocol.RoleOrchestrator, GoalPrompt: "coordinate"}); err != nil {
		t.Fatalf("first orchestrator: %v", err)
	}

	_, err := h.orch.StartSession(ctx, StartRequest{RepoID: "widgets", Role: protocol.RoleOrchestrator, GoalPrompt: "coordinate"})
	var conflict *protocol.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("second orchestrator error = %v, want *ConflictError", err)
	}
}

func TestStopSessionGraceful(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	sess, err := h.orch.StartSession(ctx, StartRequest{RepoID: "widgets", GoalPrompt: "do the thing"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	if err := h.orch.StopSession(ctx, sess.ID); err != nil {
		t.Fatalf("StopSession: %v", err)
	}

	got, err := h.store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != protocol.StatusStopped {
		t.Errorf("Status = %s, want stopped", got.Status)
	}
	if len(h.containers.stopped) != 1 {
		t.Errorf("stopped containers = %v, want one", h.containers.stopped)
	}
	if len(h.worktrees.destroyed) != 1 {
		t.Errorf("destroyed worktrees = %v, want one", h.worktrees.destroyed)
	}

	types := h.eventTypes(t, sess.ID)
	want := []string{protocol.EventSessionStarted, protocol.EventSessionStopped}
	if len(types) != len(want) || types[0] != want[0] || types[1] != want[1] {
		t.Errorf("events = %v, want %v", types, want)
	}
}

func TestStopSessionShutdownTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{StopTimeout: 20 * time.Millisecond})
	h.containers.stopFn = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	ctx := context.Background()

	sess, err := h.orch.StartSession(ctx, StartRequest{RepoID: "widgets", GoalPrompt: "do the thing"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	err = h.orch.StopSession(ctx, sess.ID)
	var pe *protocol.ProvisioningError
	if !errors.As(err, &pe) {
		t.Fatalf("StopSession error = %v, want *ProvisioningError", err)
	}
	if pe.Phase != protocol.PhaseShutdownTimeout {
		t.Errorf("Phase = %q, want shutdown-timeout", pe.Phase)
	}
	if len(h.containers.killed) != 1 {
		t.Errorf("killed containers = %v, want one", h.containers.killed)
	}

	got, err := h.store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != protocol.StatusError {
		t.Errorf("Status = %s, want error", got.Status)
	}
}

func TestAbortTerminalSessionIsNoOp(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	sess, err := h.orch.StartSession(ctx, StartRequest{RepoID: "widgets", GoalPrompt: "do the thing"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := h.orch.StopSession(ctx, sess.ID); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	before := h.eventTypes(t, sess.ID)

	if err := h.orch.AbortSession(ctx, sess.ID); err != nil {
		t.Fatalf("AbortSession on stopped session: %v", err)
	}

	after := h.eventTypes(t, sess.ID)
	if len(after) != len(before) {
		t.Errorf("abort on terminal session appended events: %v -> %v", before, after)
	}
	if len(h.containers.killed) != 0 {
		t.Errorf("killed = %v, want none", h.containers.killed)
	}

	got, _ := h.store.GetSession(ctx, sess.ID)
	if got.Status != protocol.StatusStopped {
		t.Errorf("Status = %s, want stopped unchanged", got.Status)
	}
}

func TestFailSessionLivenessPhase(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	sess, err := h.orch.StartSession(ctx, StartRequest{RepoID: "widgets", GoalPrompt: "do the thing"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	h.orch.FailSession(ctx, sess.ID, protocol.PhaseLiveness, &protocol.LivenessError{SessionID: sess.ID, Missed: 3})

	got, err := h.store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != protocol.StatusError {
		t.Errorf("Status = %s, want error", got.Status)
	}

	types := h.eventTypes(t, sess.ID)
	if len(types) != 2 || types[1] != protocol.EventSessionError {
		t.Errorf("events = %v, want session.error appended", types)
	}
}

func TestLifecycleEventsPublishedLive(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	sess, err := h.orch.StartSession(ctx, StartRequest{RepoID: "widgets", GoalPrompt: "do the thing"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := h.orch.StopSession(ctx, sess.ID); err != nil {
		t.Fatalf("StopSession: %v", err)
	}

	// Every manager-sourced ledger record reaches the live stream with its
	// assigned seq, not just the next snapshot.
	types := h.publisher.types()
	want := []string{protocol.EventSessionStarted, protocol.EventSessionStopped}
	if len(types) != len(want) || types[0] != want[0] || types[1] != want[1] {
		t.Fatalf("published = %v, want %v", types, want)
	}
	for i, ev := range h.publisher.events {
		if ev.SessionID != sess.ID || ev.Seq != int64(i)+1 {
			t.Errorf("published event %d = session %s seq %d", i, ev.SessionID, ev.Seq)
		}
	}
}

func TestProvisioningFailurePublishesError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.containers.startErr = errors.New("image pull failed")

	_, err := h.orch.StartSession(context.Background(), StartRequest{RepoID: "widgets", GoalPrompt: "do the thing"})
	if err == nil {
		t.Fatal("StartSession succeeded despite container failure")
	}

	types := h.publisher.types()
	if len(types) != 1 || types[0] != protocol.EventSessionError {
		t.Errorf("published = %v, want [session.error]", types)
	}
}

func TestValidateBranchName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		branch string
		ok     bool
	}{
		{"agent/widgets-a1b2c3d4", true},
		{"agent/fix_retry.2", true},
		{"agent/team/fix-retry", true},
		{"feature/widgets", false},
		{"agent/", false},
		{"agent//double", false},
		{"agent/.hidden", false},
		{"agent/has space", false},
		{"agent/semi;colon", false},
	}
	for _, tt := range tests {
		err := validateBranchName(tt.branch)
		if tt.ok && err != nil {
			t.Errorf("validateBranchName(%q) = %v, want ok", tt.branch, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("validateBranchName(%q) = nil, want error", tt.branch)
		}
	}
}
