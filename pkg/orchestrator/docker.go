package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// ContainerSpec configures a docker run invocation for an agent container.
type ContainerSpec struct {
	Image        string            // agent image to run
	Name         string            // container name (--name); deterministic per session
	WorktreePath string            // host worktree, mounted at /workspace
	Env          map[string]string // environment variables (-e K=V)
}

// DockerSupervisor implements ContainerSupervisor through the docker CLI.
// Containers run detached with --rm so the daemon reaps them on exit.
type DockerSupervisor struct {
	runner CommandRunner
}

// NewDockerSupervisor returns a ContainerSupervisor backed by the docker CLI.
func NewDockerSupervisor(runner CommandRunner) *DockerSupervisor {
	return &DockerSupervisor{runner: runner}
}

// Preflight checks that the Docker daemon is reachable.
func (d *DockerSupervisor) Preflight(ctx context.Context) error {
	if _, err := d.runner.Run(ctx, "docker", "info"); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

// runArgs returns the docker CLI arguments for a run invocation. Env keys
// are sorted so invocations are deterministic.
func runArgs(spec ContainerSpec) []string {
	args := []string{"run", "-d", "--rm"}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	if spec.WorktreePath != "" {
		args = append(args, "-v", spec.WorktreePath+":/workspace", "-w", "/workspace")
	}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	return append(args, spec.Image)
}

// StartContainer starts a detached agent container and returns the container
// id printed by docker run.
func (d *DockerSupervisor) StartContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	out, err := d.runner.Run(ctx, "docker", runArgs(spec)...)
	if err != nil {
		return "", fmt.Errorf("docker run: %w", err)
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		return "", fmt.Errorf("docker run: no container id in output")
	}
	return id, nil
}

// StopContainer asks the container to terminate gracefully. The caller bounds
// the wait through ctx; docker's own grace period is left at its default.
func (d *DockerSupervisor) StopContainer(ctx context.Context, containerID string) error {
	if _, err := d.runner.Run(ctx, "docker", "stop", containerID); err != nil {
		return fmt.Errorf("docker stop %s: %w", containerID, err)
	}
	return nil
}

// KillContainer terminates the container immediately.
func (d *DockerSupervisor) KillContainer(ctx context.Context, containerID string) error {
	if _, err := d.runner.Run(ctx, "docker", "kill", containerID); err != nil {
		return fmt.Errorf("docker kill %s: %w", containerID, err)
	}
	return nil
}
