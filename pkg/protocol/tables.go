package protocol

import (
	"fmt"
	"strings"
)

// Role is the behavioral mode of an agent session.
type Role string

// Session roles.
const (
	RoleImplementer  Role = "implementer"
	RoleOrchestrator Role = "orchestrator"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleImplementer || r == RoleOrchestrator
}

// Status is the lifecycle state of a session.
type Status string

// Session statuses.
const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusWaiting  Status = "waiting"
	StatusFinished Status = "finished"
	StatusError    Status = "error"
	StatusStopped  Status = "stopped"
)

// Terminal reports whether s permits no outgoing transitions.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusError || s == StatusStopped
}

// Active reports whether s counts toward the per-repo orchestrator
// uniqueness invariant and repo activeSessions stats.
func (s Status) Active() bool {
	return s == StatusStarting || s == StatusRunning || s == StatusWaiting
}

// EventSource identifies who produced an event row.
type EventSource string

// Event sources.
const (
	SourceManager EventSource = "manager"
	SourceAgent   EventSource = "agent"
	SourceUser    EventSource = "user"
)

// Session represents a row in the sessions table: one agent run bound to a
// repo, branch, worktree, and container. Status becomes immutable once
// terminal; provisioning fields are written only by the orchestrator.
type Session struct {
	ID             string `json:"id"`
	RepoID         string `json:"repo_id"`
	Role           Role   `json:"role"`
	Status         Status `json:"status"`
	BranchName     string `json:"branch_name"`
	BaseBranch     string `json:"base_branch"`
	WorktreePath   string `json:"worktree_path,omitempty"`
	ContainerID    string `json:"container_id,omitempty"`
	GoalPrompt     string `json:"goal_prompt"`
	Model          string `json:"model"`
	LastKnownPRURL string `json:"last_known_pr_url,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
	FinishedAt     string `json:"finished_at,omitempty"`
}

// Event represents a row in the events table. Seq is strictly increasing,
// gapless, and unique per session; CreatedAt is informational only.
type Event struct {
	ID        int64       `json:"id"`
	SessionID string      `json:"session_id"`
	Source    EventSource `json:"source"`
	Type      string      `json:"type"`
	Payload   string      `json:"payload,omitempty"`
	Seq       int64       `json:"seq"`
	CreatedAt string      `json:"created_at"`
}

// Repo represents a row in the repos table.
type Repo struct {
	ID             string `json:"id"`
	Owner          string `json:"owner"`
	Name           string `json:"name"`
	DefaultBranch  string `json:"default_branch"`
	LastActivityAt string `json:"last_activity_at,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// RepoStats are the derived per-repo session statistics served by the
// read side.
type RepoStats struct {
	TotalSessions  int  `json:"totalSessions"`
	ActiveSessions int  `json:"activeSessions"`
	HasRunning     bool `json:"hasRunning"`
	HasWaiting     bool `json:"hasWaiting"`
	HasError       bool `json:"hasError"`
}

// Model constants for session agents.
const (
	ModelOpus   = "claude-opus-4-6"
	ModelSonnet = "claude-sonnet-4-5-20250929"
	ModelHaiku  = "claude-haiku-4-5-20251001"
)

// DefaultModel is used when a start request carries no explicit model.
const DefaultModel = ModelSonnet

// Domain event types appended by the orchestrator and gateway.
const (
	EventSessionStarted = "session.started"
	EventSessionStopped = "session.stopped"
	EventSessionError   = "session.error"
	EventAgentMessage   = "agent.message"
	EventCommand        = "command"
)

// ValidateSessionID rejects session IDs that could escape the worktree
// directory when joined into filesystem paths.
func ValidateSessionID(id string) error {
	if id == "" {
		return &ValidationError{Field: "sessionId", Reason: "empty"}
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return &ValidationError{Field: "sessionId", Reason: fmt.Sprintf("unsafe characters in %q", id)}
	}
	return nil
}
