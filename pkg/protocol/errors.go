package protocol

import "fmt"

// Protocol error codes carried in error-kind envelope replies.
const (
	ErrCodeMalformed      = "MALFORMED"
	ErrCodeUnknownKind    = "UNKNOWN_KIND"
	ErrCodeBadVersion     = "BAD_VERSION"
	ErrCodeUnknownSession = "UNKNOWN_SESSION"
	ErrCodeNoAgent        = "NO_AGENT"
	ErrCodeInternal       = "INTERNAL"
)

// Failure phases carried in session.error event payloads and
// ProvisioningError.
const (
	PhaseBranch          = "branch"
	PhaseWorktree        = "worktree"
	PhaseCredentials     = "credentials"
	PhaseStartup         = "startup"
	PhaseShutdownTimeout = "shutdown-timeout"
	PhaseLiveness        = "liveness"
)

// ValidationError rejects bad input before any state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports a missing entity (repo or session).
type NotFoundError struct {
	Kind string // "repo" | "session"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ConflictError reports a violated per-repo orchestrator uniqueness
// invariant. No session row is persisted when this is returned.
type ConflictError struct {
	RepoID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("an active orchestrator session already exists for repo %s", e.RepoID)
}

// ProvisioningError wraps a failed provisioning step. The session has been
// forced to error and a session.error event tagged with Phase was appended
// before this is returned.
type ProvisioningError struct {
	SessionID string
	Phase     string // "branch" | "worktree" | "credentials" | "startup" | "shutdown-timeout"
	Err       error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning session %s failed at phase %s: %v", e.SessionID, e.Phase, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// ProtocolError rejects a malformed or out-of-contract frame on the
// offending connection only; session state is untouched.
type ProtocolError struct {
	Code   string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %s: %s", e.Code, e.Reason)
}

// LivenessError reports an agent declared dead after consecutive missed
// heartbeat intervals.
type LivenessError struct {
	SessionID string
	Missed    int
}

func (e *LivenessError) Error() string {
	return fmt.Sprintf("agent for session %s missed %d heartbeat intervals", e.SessionID, e.Missed)
}
