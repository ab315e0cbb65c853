package protocol

// SchemaDDL defines the SQLite schema for the drydock control-plane database.
// Tables: repos, sessions, events.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
//
// The UNIQUE(session_id, seq) constraint on events backstops the per-session
// serialized append path in pkg/eventlog: even a bug in the keyed locking
// cannot persist a duplicate sequence number.
const SchemaDDL = `
-- Registered git repositories sessions run against
CREATE TABLE IF NOT EXISTS repos (
    id TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    name TEXT NOT NULL,
    default_branch TEXT NOT NULL DEFAULT 'main',
    last_activity_at TEXT,
    created_at TEXT NOT NULL
);

-- One row per agent session; status is written only through pkg/session
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    repo_id TEXT NOT NULL REFERENCES repos(id),
    role TEXT NOT NULL,
    status TEXT NOT NULL,
    branch_name TEXT NOT NULL DEFAULT '',
    base_branch TEXT NOT NULL DEFAULT '',
    worktree_path TEXT,
    container_id TEXT,
    goal_prompt TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    last_known_pr_url TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    finished_at TEXT
);

CREATE INDEX IF NOT EXISTS sessions_repo_status_idx ON sessions(repo_id, status);

-- Append-only per-session event ledger; seq is the ordering authority
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    session_id TEXT NOT NULL,
    source TEXT NOT NULL,
    type TEXT NOT NULL,
    payload TEXT,
    seq INTEGER NOT NULL,
    created_at TEXT NOT NULL,
    UNIQUE(session_id, seq)
);
`
