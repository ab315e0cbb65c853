package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"drydock/pkg/protocol"
	"drydock/pkg/session"

	"github.com/fsnotify/fsnotify"
)

// DefaultSweepInterval is the fallback poll interval for the reconciler
// safety net.
const DefaultSweepInterval = 60 * time.Second

// Reconciler removes worktree directories whose session is terminal or
// unknown. Inline teardown is best effort, so the sweep is the backstop
// that keeps the worktrees root from accumulating leftovers. It watches the
// root with fsnotify and falls back to pure polling when watching fails.
type Reconciler struct {
	worktreesRoot string
	store         *session.Store
	worktrees     WorktreeProvisioner
	interval      time.Duration
	logger        *slog.Logger
}

// NewReconciler constructs a Reconciler over the worktrees root.
func NewReconciler(worktreesRoot string, store *session.Store, worktrees WorktreeProvisioner, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval == 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		worktreesRoot: worktreesRoot,
		store:         store,
		worktrees:     worktrees,
		interval:      interval,
		logger:        logger,
	}
}

// Run sweeps until ctx is cancelled. Directory events trigger an immediate
// sweep; the ticker is the safety net.
func (r *Reconciler) Run(ctx context.Context) {
	r.Sweep(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.runPoll(ctx)
		return
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(r.worktreesRoot); err != nil {
		r.runPoll(ctx)
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-watcher.Events:
			r.Sweep(ctx)
		case err := <-watcher.Errors:
			if err != nil {
				r.logger.Warn("worktree watcher error", "err", err)
			}
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// runPoll is the fallback loop when fsnotify is unavailable.
func (r *Reconciler) runPoll(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep removes every worktree directory whose session is terminal or
// unknown. Removal errors are logged; the next sweep retries.
func (r *Reconciler) Sweep(ctx context.Context) {
	entries, err := os.ReadDir(r.worktreesRoot)
	if err != nil {
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sid := entry.Name()

		sess, err := r.store.GetSession(ctx, sid)
		var notFound *protocol.NotFoundError
		switch {
		case errors.As(err, &notFound):
			// Orphan left by a crash mid-provisioning.
			if rmErr := os.RemoveAll(filepath.Join(r.worktreesRoot, sid)); rmErr != nil {
				r.logger.Warn("sweep remove orphan failed", "session", sid, "err", rmErr)
			}
			continue
		case err != nil:
			r.logger.Warn("sweep session lookup failed", "session", sid, "err", err)
			continue
		}

		if !sess.Status.Terminal() {
			continue
		}
		repo, err := r.store.GetRepo(ctx, sess.RepoID)
		if err != nil {
			r.logger.Warn("sweep repo lookup failed", "session", sid, "err", err)
			continue
		}
		if err := r.worktrees.DestroyWorktree(ctx, repo.Owner, repo.Name, sid); err != nil {
			r.logger.Warn("sweep worktree removal failed", "session", sid, "err", err)
		}
	}
}
