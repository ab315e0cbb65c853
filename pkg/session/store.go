package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"drydock/pkg/protocol"
)

// transitionRetries bounds the CAS retry loop in Transition. Losing the
// race this many times in a row means the session is being hammered by
// conflicting writers and the caller should see the final state instead.
const transitionRetries = 5

// Store reads and writes Session and Repo rows. It is the only component
// that mutates sessions.status, and it does so exclusively through the
// state machine in this package.
type Store struct {
	db *sql.DB

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewStore creates a Store over an opened control-plane database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, nowFunc: time.Now}
}

// --- Repos ---

// CreateRepo registers a repository. Registering an existing id is an
// upsert on owner/name/default_branch.
func (s *Store) CreateRepo(ctx context.Context, r *protocol.Repo) error {
	if r.DefaultBranch == "" {
		r.DefaultBranch = "main"
	}
	r.CreatedAt = protocol.Timestamp(s.nowFunc())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO repos (id, owner, name, default_branch, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET owner=excluded.owner, name=excluded.name, default_branch=excluded.default_branch`,
		r.ID, r.Owner, r.Name, r.DefaultBranch, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create repo %s: %w", r.ID, err)
	}
	return nil
}

// GetRepo loads a repo by id, returning NotFoundError if absent.
func (s *Store) GetRepo(ctx context.Context, id string) (*protocol.Repo, error) {
	var r protocol.Repo
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner, name, default_branch, COALESCE(last_activity_at, ''), created_at FROM repos WHERE id = ?`, id,
	).Scan(&r.ID, &r.Owner, &r.Name, &r.DefaultBranch, &r.LastActivityAt, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Kind: "repo", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get repo %s: %w", id, err)
	}
	return &r, nil
}

// ListRepos returns all registered repos ordered by id.
func (s *Store) ListRepos(ctx context.Context) ([]protocol.Repo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, name, default_branch, COALESCE(last_activity_at, ''), created_at FROM repos ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var repos []protocol.Repo
	for rows.Next() {
		var r protocol.Repo
		if err := rows.Scan(&r.ID, &r.Owner, &r.Name, &r.DefaultBranch, &r.LastActivityAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan repo: %w", err)
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// TouchRepoActivity records repo activity (best-effort; callers ignore errors).
func (s *Store) TouchRepoActivity(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE repos SET last_activity_at = ? WHERE id = ?`, protocol.Timestamp(s.nowFunc()), id)
	if err != nil {
		return fmt.Errorf("touch repo %s: %w", id, err)
	}
	return nil
}

// --- Sessions ---

// CreateSession persists a new session in the starting status. For
// role=orchestrator the insert and the per-repo uniqueness check are one
// atomic statement: the row is inserted only if no active orchestrator
// session exists for the repo. A separate read-then-insert would race under
// concurrent start requests, so it is not used. Returns ConflictError when
// the reservation loses.
func (s *Store) CreateSession(ctx context.Context, sess *protocol.Session) error {
	now := protocol.Timestamp(s.nowFunc())
	sess.Status = protocol.StatusStarting
	sess.CreatedAt = now
	sess.UpdatedAt = now

	if sess.Role == protocol.RoleOrchestrator {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO sessions (id, repo_id, role, status, branch_name, base_branch, goal_prompt, model, created_at, updated_at)
			 SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
			 WHERE NOT EXISTS (
			   SELECT 1 FROM sessions
			   WHERE repo_id = ? AND role = ? AND status IN (?, ?, ?)
			 )`,
			sess.ID, sess.RepoID, sess.Role, sess.Status, sess.BranchName, sess.BaseBranch,
			sess.GoalPrompt, sess.Model, sess.CreatedAt, sess.UpdatedAt,
			sess.RepoID, protocol.RoleOrchestrator,
			protocol.StatusStarting, protocol.StatusRunning, protocol.StatusWaiting)
		if err != nil {
			return fmt.Errorf("reserve orchestrator session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reservation rows: %w", err)
		}
		if n == 0 {
			return &protocol.ConflictError{RepoID: sess.RepoID}
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, repo_id, role, status, branch_name, base_branch, goal_prompt, model, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.RepoID, sess.Role, sess.Status, sess.BranchName, sess.BaseBranch,
		sess.GoalPrompt, sess.Model, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession loads a session by id, returning NotFoundError if absent.
func (s *Store) GetSession(ctx context.Context, id string) (*protocol.Session, error) {
	var sess protocol.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, repo_id, role, status, branch_name, base_branch,
		        COALESCE(worktree_path, ''), COALESCE(container_id, ''),
		        goal_prompt, model, COALESCE(last_known_pr_url, ''),
		        created_at, updated_at, COALESCE(finished_at, '')
		 FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.RepoID, &sess.Role, &sess.Status, &sess.BranchName, &sess.BaseBranch,
		&sess.WorktreePath, &sess.ContainerID, &sess.GoalPrompt, &sess.Model, &sess.LastKnownPRURL,
		&sess.CreatedAt, &sess.UpdatedAt, &sess.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Kind: "session", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &sess, nil
}

// ListSessions returns sessions, optionally filtered by repo id, newest first.
func (s *Store) ListSessions(ctx context.Context, repoID string) ([]protocol.Session, error) {
	query := `SELECT id, repo_id, role, status, branch_name, base_branch,
	                 COALESCE(worktree_path, ''), COALESCE(container_id, ''),
	                 goal_prompt, model, COALESCE(last_known_pr_url, ''),
	                 created_at, updated_at, COALESCE(finished_at, '')
	          FROM sessions`
	var args []any
	if repoID != "" {
		query += ` WHERE repo_id = ?`
		args = append(args, repoID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []protocol.Session
	for rows.Next() {
		var sess protocol.Session
		if err := rows.Scan(&sess.ID, &sess.RepoID, &sess.Role, &sess.Status, &sess.BranchName, &sess.BaseBranch,
			&sess.WorktreePath, &sess.ContainerID, &sess.GoalPrompt, &sess.Model, &sess.LastKnownPRURL,
			&sess.CreatedAt, &sess.UpdatedAt, &sess.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Transition applies a trigger to the session's current status through the
// state machine, using compare-and-set on the expected status. A lost race
// re-reads current state and retries; a transition rejected by the machine
// (including anything out of a terminal state) returns TransitionError with
// state unchanged.
func (s *Store) Transition(ctx context.Context, id string, trigger Trigger) (protocol.Status, error) {
	var lastSeen protocol.Status
	for attempt := 0; attempt < transitionRetries; attempt++ {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return "", err
		}

		lastSeen = sess.Status
		next, err := Next(sess.Status, trigger)
		if err != nil {
			return "", err
		}

		now := protocol.Timestamp(s.nowFunc())
		var res sql.Result
		if next.Terminal() {
			res, err = s.db.ExecContext(ctx,
				`UPDATE sessions SET status = ?, updated_at = ?, finished_at = ? WHERE id = ? AND status = ?`,
				next, now, now, id, sess.Status)
		} else {
			res, err = s.db.ExecContext(ctx,
				`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
				next, now, id, sess.Status)
		}
		if err != nil {
			return "", fmt.Errorf("transition session %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return "", fmt.Errorf("transition rows: %w", err)
		}
		if n == 1 {
			return next, nil
		}
		// Stale expected state; loop re-reads and retries.
	}
	return "", &StaleStateError{SessionID: id, Expected: lastSeen}
}

// SetWorktree persists the provisioned worktree path.
func (s *Store) SetWorktree(ctx context.Context, id, path string) error {
	return s.setField(ctx, id, "worktree_path", path)
}

// SetContainer persists the started container id.
func (s *Store) SetContainer(ctx context.Context, id, containerID string) error {
	return s.setField(ctx, id, "container_id", containerID)
}

// SetPRURL records the most recent pull-request URL reported by the agent.
func (s *Store) SetPRURL(ctx context.Context, id, url string) error {
	return s.setField(ctx, id, "last_known_pr_url", url)
}

func (s *Store) setField(ctx context.Context, id, column, value string) error {
	//nolint:gosec // column names are package-internal constants, never user input
	query := fmt.Sprintf(`UPDATE sessions SET %s = ?, updated_at = ? WHERE id = ?`, column)
	res, err := s.db.ExecContext(ctx, query, value, protocol.Timestamp(s.nowFunc()), id)
	if err != nil {
		return fmt.Errorf("set %s on session %s: %w", column, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &protocol.NotFoundError{Kind: "session", ID: id}
	}
	return nil
}

// Stats derives per-repo session statistics from session status
// distributions. Active counts statuses starting, running, and waiting.
func (s *Store) Stats(ctx context.Context, repoID string) (*protocol.RepoStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sessions WHERE repo_id = ? GROUP BY status`, repoID)
	if err != nil {
		return nil, fmt.Errorf("stats for repo %s: %w", repoID, err)
	}
	defer func() { _ = rows.Close() }()

	stats := &protocol.RepoStats{}
	for rows.Next() {
		var status protocol.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats.TotalSessions += count
		if status.Active() {
			stats.ActiveSessions += count
		}
		switch status {
		case protocol.StatusRunning:
			stats.HasRunning = true
		case protocol.StatusWaiting:
			stats.HasWaiting = true
		case protocol.StatusError:
			stats.HasError = true
		}
	}
	return stats, rows.Err()
}
