package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"drydock/pkg/config"
	"drydock/pkg/eventlog"
	"drydock/pkg/gateway"
	"drydock/pkg/orchestrator"
	"drydock/pkg/server"
	"drydock/pkg/session"

	"github.com/spf13/cobra"
)

const shutdownGrace = 10 * time.Second

// newServeCmd creates the "drydock serve" subcommand. It runs the HTTP and
// websocket control plane in the foreground until SIGINT or SIGTERM.
func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the drydock control-plane daemon",
		Long: `Runs the drydock control plane in the foreground: the session API, the
websocket gateway, the liveness sweeper, and the worktree reconciler.
Stops cleanly on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd.OutOrStdout(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to drydock.toml")
	return cmd
}

// defaultConfigPath returns ~/.drydock/drydock.toml, or a relative fallback
// when the home directory cannot be resolved.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "drydock.toml"
	}
	return filepath.Join(home, ".drydock", "drydock.toml")
}

// runServe wires the full daemon from configuration and serves until the
// context is cancelled.
func runServe(ctx context.Context, w io.Writer, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	for _, dir := range []string{filepath.Dir(cfg.DBPath), cfg.ReposDir, cfg.WorktreesDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create state dir %s: %w", dir, err)
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	db, err := openDB(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // best-effort close on shutdown

	store := session.NewStore(db)
	log := eventlog.New(db)

	if cfg.ReposSeedPath != "" {
		if err := seedRepos(ctx, store, cfg.ReposSeedPath); err != nil {
			return err
		}
	}

	runner := &orchestrator.ExecCommandRunner{}
	containers := orchestrator.NewDockerSupervisor(runner)
	if err := containers.Preflight(ctx); err != nil {
		return err
	}
	worktrees := orchestrator.NewGitWorktreeProvisioner(cfg.ReposDir, cfg.WorktreesDir, runner)
	creds := orchestrator.NewGHCredentialBroker(runner)

	orch := orchestrator.New(orchestrator.Config{
		Image:       cfg.AgentImage,
		GatewayURL:  cfg.GatewayURL,
		StopTimeout: cfg.StopTimeout.Duration(),
	}, store, log, worktrees, containers, creds, logger)

	gw := gateway.New(gateway.Config{
		HeartbeatInterval: cfg.HeartbeatInterval.Duration(),
	}, store, log, orch, logger)
	orch.SetPublisher(gw)

	srv := server.New(store, log, gw, orch, logger)
	reconciler := orchestrator.NewReconciler(cfg.WorktreesDir, store, worktrees, cfg.SweepInterval.Duration(), logger)

	go reconciler.Run(ctx)
	go gw.RunLiveness(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(w, "drydock listening on %s\n", cfg.ListenAddr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", cfg.ListenAddr, err)
	}
	return nil
}

// seedRepos registers every repository from the YAML seed file. Existing
// entries are updated in place.
func seedRepos(ctx context.Context, store *session.Store, path string) error {
	repos, err := config.LoadRepoSeed(path)
	if err != nil {
		return err
	}
	for i := range repos {
		if err := store.CreateRepo(ctx, &repos[i]); err != nil {
			return fmt.Errorf("seed repo %s: %w", repos[i].ID, err)
		}
	}
	return nil
}
