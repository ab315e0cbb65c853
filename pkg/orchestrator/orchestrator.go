// Package orchestrator owns session provisioning and teardown: branch
// naming, git worktree creation, credential minting, and agent container
// supervision. It is the only component that calls the lifecycle triggers
// for provisioning outcomes; the gateway drives the runtime triggers.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"drydock/pkg/eventlog"
	"drydock/pkg/protocol"
	"drydock/pkg/session"

	"github.com/google/uuid"
)

// BranchPrefix namespaces agent branches away from human branches.
const BranchPrefix = "agent/"

// DefaultStopTimeout bounds graceful container shutdown.
const DefaultStopTimeout = 30 * time.Second

// WorktreeProvisioner creates and destroys per-session git worktrees.
// Production impl shells out to git; tests provide a fake.
type WorktreeProvisioner interface {
	CreateWorktree(ctx context.Context, owner, name, sessionID, baseBranch, branchName string) (string, error)
	DestroyWorktree(ctx context.Context, owner, name, sessionID string) error
}

// EventPublisher pushes ledger events appended by the orchestrator to live
// session subscribers. Optional: a nil publisher skips live delivery, the
// ledger record stands either way.
type EventPublisher interface {
	PublishEvent(ev *protocol.Event)
}

// ContainerSupervisor starts and stops agent containers.
type ContainerSupervisor interface {
	StartContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StopContainer(ctx context.Context, containerID string) error
	KillContainer(ctx context.Context, containerID string) error
}

// Config tunes orchestrator behavior.
type Config struct {
	Image       string        // agent container image
	GatewayURL  string        // websocket URL agents dial back to
	StopTimeout time.Duration // graceful container shutdown bound (default 30s)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.StopTimeout == 0 {
		out.StopTimeout = DefaultStopTimeout
	}
	return out
}

// Orchestrator drives the provisioning pipeline and bounded teardown.
type Orchestrator struct {
	cfg        Config
	store      *session.Store
	log        *eventlog.Log
	worktrees  WorktreeProvisioner
	containers ContainerSupervisor
	creds      CredentialBroker
	publisher  EventPublisher
	logger     *slog.Logger
}

// New constructs an Orchestrator over its collaborators.
func New(cfg Config, store *session.Store, log *eventlog.Log, worktrees WorktreeProvisioner, containers ContainerSupervisor, creds CredentialBroker, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:        cfg.withDefaults(),
		store:      store,
		log:        log,
		worktrees:  worktrees,
		containers: containers,
		creds:      creds,
		logger:     logger,
	}
}

// SetPublisher binds the live fan-out sink. Called after construction: the
// gateway and the orchestrator reference each other.
func (o *Orchestrator) SetPublisher(p EventPublisher) {
	o.publisher = p
}

func (o *Orchestrator) publish(ev *protocol.Event) {
	if o.publisher != nil {
		o.publisher.PublishEvent(ev)
	}
}

// StartRequest describes a session to launch.
type StartRequest struct {
	RepoID       string        `json:"repoId"`
	Role         protocol.Role `json:"role"`
	GoalPrompt   string        `json:"goalPrompt"`
	Model        string        `json:"model,omitempty"`
	BaseBranch   string        `json:"baseBranch,omitempty"`
	BranchSuffix string        `json:"branchSuffix,omitempty"`
}

// StartSession validates the request, reserves the session row, and runs the
// provisioning pipeline: branch naming, worktree, credentials, container
// startup. Any phase failure forces the session to error, appends a
// session.error event tagged with the phase, tears down whatever was
// provisioned (best effort), and returns ProvisioningError.
func (o *Orchestrator) StartSession(ctx context.Context, req StartRequest) (*protocol.Session, error) {
	if req.Role == "" {
		req.Role = protocol.RoleImplementer
	}
	if !req.Role.Valid() {
		return nil, &protocol.ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", req.Role)}
	}
	if req.GoalPrompt == "" {
		return nil, &protocol.ValidationError{Field: "goalPrompt", Reason: "empty"}
	}
	if req.Model == "" {
		req.Model = protocol.DefaultModel
	}

	repo, err := o.store.GetRepo(ctx, req.RepoID)
	if err != nil {
		return nil, err
	}

	sid := uuid.NewString()
	branch := BranchPrefix + repo.Name + "-" + sid[:8]
	if req.BranchSuffix != "" {
		branch = BranchPrefix + req.BranchSuffix
	}
	base := repo.DefaultBranch
	if req.BaseBranch != "" {
		base = req.BaseBranch
	}

	sess := &protocol.Session{
		ID:         sid,
		RepoID:     repo.ID,
		Role:       req.Role,
		BranchName: branch,
		BaseBranch: base,
		GoalPrompt: req.GoalPrompt,
		Model:      req.Model,
	}
	if err := o.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	if err := validateBranchName(branch); err != nil {
		return nil, o.failProvisioning(ctx, sess, protocol.PhaseBranch, err)
	}

	worktreePath, err := o.worktrees.CreateWorktree(ctx, repo.Owner, repo.Name, sid, sess.BaseBranch, branch)
	if err != nil {
		return nil, o.failProvisioning(ctx, sess, protocol.PhaseWorktree, err)
	}
	sess.WorktreePath = worktreePath
	if err := o.store.SetWorktree(ctx, sid, worktreePath); err != nil {
		return nil, o.failProvisioning(ctx, sess, protocol.PhaseWorktree, err)
	}

	token, err := o.creds.GetToken(ctx)
	if err != nil {
		return nil, o.failProvisioning(ctx, sess, protocol.PhaseCredentials, err)
	}

	containerID, err := o.containers.StartContainer(ctx, ContainerSpec{
		Image:        o.cfg.Image,
		Name:         "drydock-" + sid[:8],
		WorktreePath: worktreePath,
		Env: map[string]string{
			"DRYDOCK_SESSION_ID":  sid,
			"DRYDOCK_GATEWAY_URL": o.cfg.GatewayURL,
			"DRYDOCK_ROLE":        string(req.Role),
			"DRYDOCK_MODEL":       req.Model,
			"DRYDOCK_GOAL":        req.GoalPrompt,
			"GITHUB_TOKEN":        token,
		},
	})
	if err != nil {
		return nil, o.failProvisioning(ctx, sess, protocol.PhaseStartup, err)
	}
	sess.ContainerID = containerID
	if err := o.store.SetContainer(ctx, sid, containerID); err != nil {
		return nil, o.failProvisioning(ctx, sess, protocol.PhaseStartup, err)
	}

	payload, _ := json.Marshal(map[string]string{
		"role":   string(req.Role),
		"model":  req.Model,
		"branch": branch,
	})
	if ev, err := o.log.Append(ctx, sid, protocol.SourceManager, protocol.EventSessionStarted, string(payload)); err != nil {
		o.logger.Warn("append session.started failed", "session", sid, "err", err)
	} else {
		o.publish(ev)
	}
	if err := o.store.TouchRepoActivity(ctx, repo.ID); err != nil {
		o.logger.Warn("touch repo activity failed", "repo", repo.ID, "err", err)
	}

	out, err := o.store.GetSession(ctx, sid)
	if err != nil {
		return sess, nil //nolint:nilerr // session is provisioned; stale read is not a failure
	}
	return out, nil
}

// StopSession stops the session gracefully. Terminal sessions are a no-op.
// If the container does not stop within StopTimeout it is killed and the
// session is forced to error with phase shutdown-timeout; otherwise the
// session transitions to stopped and a session.stopped event is appended.
func (o *Orchestrator) StopSession(ctx context.Context, id string) error {
	return o.shutdown(ctx, id, false)
}

// AbortSession kills the session's container immediately. Terminal sessions
// are a no-op; no event is appended for them.
func (o *Orchestrator) AbortSession(ctx context.Context, id string) error {
	return o.shutdown(ctx, id, true)
}

func (o *Orchestrator) shutdown(ctx context.Context, id string, kill bool) error {
	sess, err := o.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}

	if sess.ContainerID != "" {
		if kill {
			if err := o.containers.KillContainer(ctx, sess.ContainerID); err != nil {
				o.logger.Warn("kill container failed", "session", id, "container", sess.ContainerID, "err", err)
			}
		} else {
			stopCtx, cancel := context.WithTimeout(ctx, o.cfg.StopTimeout)
			err := o.containers.StopContainer(stopCtx, sess.ContainerID)
			cancel()
			if err != nil && errors.Is(stopCtx.Err(), context.DeadlineExceeded) {
				if killErr := o.containers.KillContainer(ctx, sess.ContainerID); killErr != nil {
					o.logger.Warn("kill after stop timeout failed", "session", id, "err", killErr)
				}
				o.FailSession(ctx, id, protocol.PhaseShutdownTimeout, err)
				return &protocol.ProvisioningError{SessionID: id, Phase: protocol.PhaseShutdownTimeout, Err: err}
			}
			if err != nil {
				o.logger.Warn("stop container failed", "session", id, "container", sess.ContainerID, "err", err)
			}
		}
	}

	if _, err := o.store.Transition(ctx, id, session.TriggerStop); err != nil {
		var te *session.TransitionError
		if errors.As(err, &te) && te.From.Terminal() {
			return nil
		}
		return err
	}
	if ev, err := o.log.Append(ctx, id, protocol.SourceManager, protocol.EventSessionStopped, ""); err != nil {
		o.logger.Warn("append session.stopped failed", "session", id, "err", err)
	} else {
		o.publish(ev)
	}
	o.log.Evict(id)

	o.destroyWorktree(ctx, sess)
	return nil
}

// FailSession forces a session to error and appends a session.error event
// tagged with the failure phase. Sessions already terminal are untouched.
func (o *Orchestrator) FailSession(ctx context.Context, id, phase string, cause error) {
	if _, err := o.store.Transition(ctx, id, session.TriggerFailure); err != nil {
		var te *session.TransitionError
		if !errors.As(err, &te) || !te.From.Terminal() {
			o.logger.Warn("force error failed", "session", id, "phase", phase, "err", err)
		}
		return
	}

	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	payload, _ := json.Marshal(map[string]string{"phase": phase, "error": detail})
	if ev, err := o.log.Append(ctx, id, protocol.SourceManager, protocol.EventSessionError, string(payload)); err != nil {
		o.logger.Warn("append session.error failed", "session", id, "err", err)
	} else {
		o.publish(ev)
	}
	o.log.Evict(id)
}

// failProvisioning records the failure and tears down whatever the pipeline
// provisioned so far. Teardown failures are logged, never raised; the
// reconciler sweep catches leftovers.
func (o *Orchestrator) failProvisioning(ctx context.Context, sess *protocol.Session, phase string, cause error) error {
	o.FailSession(ctx, sess.ID, phase, cause)

	if sess.ContainerID != "" {
		if err := o.containers.KillContainer(ctx, sess.ContainerID); err != nil {
			o.logger.Warn("teardown kill failed", "session", sess.ID, "err", err)
		}
	}
	if sess.WorktreePath != "" || phase == protocol.PhaseCredentials || phase == protocol.PhaseStartup {
		o.destroyWorktree(ctx, sess)
	}

	return &protocol.ProvisioningError{SessionID: sess.ID, Phase: phase, Err: cause}
}

func (o *Orchestrator) destroyWorktree(ctx context.Context, sess *protocol.Session) {
	repo, err := o.store.GetRepo(ctx, sess.RepoID)
	if err != nil {
		o.logger.Warn("teardown repo lookup failed", "session", sess.ID, "err", err)
		return
	}
	if err := o.worktrees.DestroyWorktree(ctx, repo.Owner, repo.Name, sess.ID); err != nil {
		o.logger.Warn("teardown worktree failed", "session", sess.ID, "err", err)
	}
}

// validateBranchName rejects branch names git would refuse or that escape
// the agent namespace.
func validateBranchName(branch string) error {
	suffix, ok := strings.CutPrefix(branch, BranchPrefix)
	if !ok || suffix == "" {
		return &protocol.ValidationError{Field: "branch", Reason: fmt.Sprintf("%q must start with %s", branch, BranchPrefix)}
	}
	for _, r := range suffix {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == '/':
		default:
			return &protocol.ValidationError{Field: "branch", Reason: fmt.Sprintf("illegal character %q", r)}
		}
	}
	if suffix[0] == '/' || suffix[len(suffix)-1] == '/' || suffix[0] == '.' {
		return &protocol.ValidationError{Field: "branch", Reason: "malformed branch suffix"}
	}
	return nil
}
