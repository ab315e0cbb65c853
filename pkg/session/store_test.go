package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"drydock/pkg/protocol"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "drydock.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		t.Fatalf("set WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		t.Fatalf("set busy_timeout: %v", err)
	}
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return NewStore(db)
}

func seedRepo(t *testing.T, store *Store, id string) {
	t.Helper()
	err := store.CreateRepo(context.Background(), &protocol.Repo{
		ID:    id,
		Owner: "acme",
		Name:  id,
	})
	if err != nil {
		t.Fatalf("seed repo %s: %v", id, err)
	}
}

func newTestSession(repoID string, role protocol.Role) *protocol.Session {
	sid := uuid.NewString()
	return &protocol.Session{
		ID:         sid,
		RepoID:     repoID,
		Role:       role,
		BranchName: fmt.Sprintf("agent/%s-%s", repoID, sid[:8]),
		BaseBranch: "main",
		GoalPrompt: "fix the flaky retry test",
		Model:      protocol.DefaultModel,
	}
}

func TestCreateRepoDefaultsAndGet(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.CreateRepo(ctx, &protocol.Repo{ID: "widgets", Owner: "acme", Name: "widgets"}); err != nil {
		t.Fatalf("CreateRepo: %v", err)
	}

	got, err := store.GetRepo(ctx, "widgets")
	if err != nil {
		t.Fatalf("GetRepo: %v", err)
	}
	if got.DefaultBranch != "main" {
		t.Errorf("DefaultBranch = %q, want main", got.DefaultBranch)
	}
	if !protocol.ValidTimestamp(got.CreatedAt) {
		t.Errorf("CreatedAt = %q, not a valid timestamp", got.CreatedAt)
	}

	if _, err := store.GetRepo(ctx, "nope"); err == nil {
		t.Fatal("GetRepo(nope) succeeded, want NotFoundError")
	} else {
		var nf *protocol.NotFoundError
		if !errors.As(err, &nf) {
			t.Errorf("GetRepo(nope) error = %T, want *NotFoundError", err)
		}
	}
}

func TestCreateSessionStartsInStarting(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	seedRepo(t, store, "widgets")

	sess := newTestSession("widgets", protocol.RoleImplementer)
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != protocol.StatusStarting {
		t.Errorf("Status = %s, want starting", got.Status)
	}
	if got.FinishedAt != "" {
		t.Errorf("FinishedAt = %q, want empty for new session", got.FinishedAt)
	}
}

func TestOrchestratorUniquePerRepo(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	seedRepo(t, store, "widgets")
	seedRepo(t, store, "gadgets")

	first := newTestSession("widgets", protocol.RoleOrchestrator)
	if err := store.CreateSession(ctx, first); err != nil {
		t.Fatalf("first orchestrator: %v", err)
	}

	second := newTestSession("widgets", protocol.RoleOrchestrator)
	err := store.CreateSession(ctx, second)
	var conflict *protocol.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("second orchestrator error = %v, want *ConflictError", err)
	}
	if conflict.RepoID != "widgets" {
		t.Errorf("ConflictError.RepoID = %q, want widgets", conflict.RepoID)
	}

	// Implementers are not constrained.
	if err := store.CreateSession(ctx, newTestSession("widgets", protocol.RoleImplementer)); err != nil {
		t.Fatalf("implementer alongside orchestrator: %v", err)
	}

	// A different repo gets its own orchestrator.
	if err := store.CreateSession(ctx, newTestSession("gadgets", protocol.RoleOrchestrator)); err != nil {
		t.Fatalf("orchestrator on other repo: %v", err)
	}
}

func TestOrchestratorReservationAfterTerminal(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	seedRepo(t, store, "widgets")

	first := newTestSession("widgets", protocol.RoleOrchestrator)
	if err := store.CreateSession(ctx, first); err != nil {
		t.Fatalf("first orchestrator: %v", err)
	}
	if _, err := store.Transition(ctx, first.ID, TriggerStop); err != nil {
		t.Fatalf("stop first orchestrator: %v", err)
	}

	// Terminal sessions release the reservation.
	if err := store.CreateSession(ctx, newTestSession("widgets", protocol.RoleOrchestrator)); err != nil {
		t.Fatalf("orchestrator after terminal predecessor: %v", err)
	}
}

func TestConcurrentOrchestratorCreationExactlyOneWins(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedRepo(t, store, "widgets")

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			errs[slot] = store.CreateSession(ctx, newTestSession("widgets", protocol.RoleOrchestrator))
		}(i)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		default:
			var conflict *protocol.ConflictError
			if !errors.As(err, &conflict) {
				t.Fatalf("unexpected error: %v", err)
			}
			conflicts++
		}
	}
	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1 (conflicts = %d)", wins, conflicts)
	}

	sessions, err := store.ListSessions(ctx, "widgets")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Errorf("persisted sessions = %d, want 1", len(sessions))
	}
}

func TestTransitionLifecycle(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	seedRepo(t, store, "widgets")

	sess := newTestSession("widgets", protocol.RoleImplementer)
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	steps := []struct {
		trigger Trigger
		want    protocol.Status
	}{
		{TriggerProcessStarted, protocol.StatusRunning},
		{TriggerIdle, protocol.StatusWaiting},
		{TriggerResume, protocol.StatusRunning},
		{TriggerResult, protocol.StatusFinished},
	}
	for _, step := range steps {
		got, err := store.Transition(ctx, sess.ID, step.trigger)
		if err != nil {
			t.Fatalf("Transition(%s): %v", step.trigger, err)
		}
		if got != step.want {
			t.Fatalf("Transition(%s) = %s, want %s", step.trigger, got, step.want)
		}
	}

	final, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if final.Status != protocol.StatusFinished {
		t.Errorf("final Status = %s, want finished", final.Status)
	}
	if !protocol.ValidTimestamp(final.FinishedAt) {
		t.Errorf("FinishedAt = %q, want timestamp on terminal transition", final.FinishedAt)
	}
}

func TestTransitionTerminalStateUnchanged(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	seedRepo(t, store, "widgets")

	sess := newTestSession("widgets", protocol.RoleImplementer)
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := store.Transition(ctx, sess.ID, TriggerStop); err != nil {
		t.Fatalf("stop: %v", err)
	}

	for _, trigger := range []Trigger{TriggerProcessStarted, TriggerResume, TriggerFailure, TriggerStop} {
		_, err := store.Transition(ctx, sess.ID, trigger)
		var te *TransitionError
		if !errors.As(err, &te) {
			t.Fatalf("Transition(%s) on stopped session error = %v, want *TransitionError", trigger, err)
		}
	}

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != protocol.StatusStopped {
		t.Errorf("Status = %s after rejected transitions, want stopped", got.Status)
	}
}

func TestTransitionUnknownSession(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)

	_, err := store.Transition(context.Background(), uuid.NewString(), TriggerStop)
	var nf *protocol.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("Transition on unknown session error = %v, want *NotFoundError", err)
	}
}

func TestSetFieldsAndUpdatedAt(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedRepo(t, store, "widgets")

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	clock := base
	store.nowFunc = func() time.Time { return clock }

	sess := newTestSession("widgets", protocol.RoleImplementer)
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	clock = base.Add(5 * time.Second)
	if err := store.SetWorktree(ctx, sess.ID, "/var/lib/drydock/worktrees/"+sess.ID); err != nil {
		t.Fatalf("SetWorktree: %v", err)
	}
	if err := store.SetContainer(ctx, sess.ID, "c0ffee"); err != nil {
		t.Fatalf("SetContainer: %v", err)
	}
	if err := store.SetPRURL(ctx, sess.ID, "https://github.com/acme/widgets/pull/42"); err != nil {
		t.Fatalf("SetPRURL: %v", err)
	}

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.WorktreePath == "" || got.ContainerID != "c0ffee" {
		t.Errorf("provisioning fields not persisted: %+v", got)
	}
	if got.LastKnownPRURL != "https://github.com/acme/widgets/pull/42" {
		t.Errorf("LastKnownPRURL = %q", got.LastKnownPRURL)
	}
	if got.UpdatedAt != protocol.Timestamp(base.Add(5*time.Second)) {
		t.Errorf("UpdatedAt = %q, want %q", got.UpdatedAt, protocol.Timestamp(base.Add(5*time.Second)))
	}
	if got.CreatedAt != protocol.Timestamp(base) {
		t.Errorf("CreatedAt = %q, want %q", got.CreatedAt, protocol.Timestamp(base))
	}

	var nf *protocol.NotFoundError
	if err := store.SetContainer(ctx, "missing", "x"); !errors.As(err, &nf) {
		t.Errorf("SetContainer on missing session error = %v, want *NotFoundError", err)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	seedRepo(t, store, "widgets")

	running := newTestSession("widgets", protocol.RoleImplementer)
	waiting := newTestSession("widgets", protocol.RoleImplementer)
	failed := newTestSession("widgets", protocol.RoleImplementer)
	starting := newTestSession("widgets", protocol.RoleImplementer)
	for _, sess := range []*protocol.Session{running, waiting, failed, starting} {
		if err := store.CreateSession(ctx, sess); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}
	mustTransition := func(id string, triggers ...Trigger) {
		t.Helper()
		for _, trigger := range triggers {
			if _, err := store.Transition(ctx, id, trigger); err != nil {
				t.Fatalf("Transition(%s): %v", trigger, err)
			}
		}
	}
	mustTransition(running.ID, TriggerProcessStarted)
	mustTransition(waiting.ID, TriggerProcessStarted, TriggerIdle)
	mustTransition(failed.ID, TriggerFailure)

	stats, err := store.Stats(ctx, "widgets")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := protocol.RepoStats{
		TotalSessions:  4,
		ActiveSessions: 3,
		HasRunning:     true,
		HasWaiting:     true,
		HasError:       true,
	}
	if *stats != want {
		t.Errorf("Stats = %+v, want %+v", *stats, want)
	}

	empty, err := store.Stats(ctx, "gadgets")
	if err != nil {
		t.Fatalf("Stats(empty): %v", err)
	}
	if empty.TotalSessions != 0 || empty.ActiveSessions != 0 {
		t.Errorf("Stats on unknown repo = %+v, want zeros", *empty)
	}
}
