// Package config loads the daemon configuration (TOML) and the optional
// repository seed file (YAML).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"drydock/pkg/protocol"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration loaded from drydock.toml.
type Config struct {
	ListenAddr    string `toml:"listen_addr"`
	DBPath        string `toml:"db_path"`
	ReposDir      string `toml:"repos_dir"`
	WorktreesDir  string `toml:"worktrees_dir"`
	AgentImage    string `toml:"agent_image"`
	GatewayURL    string `toml:"gateway_url"`
	ReposSeedPath string `toml:"repos_seed"`

	HeartbeatInterval duration `toml:"heartbeat_interval"`
	StopTimeout       duration `toml:"stop_timeout"`
	SweepInterval     duration `toml:"sweep_interval"`
}

// duration parses TOML string values like "10s" into time.Duration.
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration.
func (d duration) Duration() time.Duration { return time.Duration(d) }

func (c *Config) withDefaults() *Config {
	out := *c
	if out.ListenAddr == "" {
		out.ListenAddr = "127.0.0.1:7600"
	}
	home, _ := os.UserHomeDir()
	stateDir := filepath.Join(home, ".drydock")
	if out.DBPath == "" {
		out.DBPath = filepath.Join(stateDir, "drydock.db")
	}
	if out.ReposDir == "" {
		out.ReposDir = filepath.Join(stateDir, "repos")
	}
	if out.WorktreesDir == "" {
		out.WorktreesDir = filepath.Join(stateDir, "worktrees")
	}
	if out.AgentImage == "" {
		out.AgentImage = "drydock-agent:latest"
	}
	if out.GatewayURL == "" {
		out.GatewayURL = "ws://" + out.ListenAddr + "/agent/ws"
	}
	if out.HeartbeatInterval == 0 {
		out.HeartbeatInterval = duration(10 * time.Second)
	}
	if out.StopTimeout == 0 {
		out.StopTimeout = duration(30 * time.Second)
	}
	if out.SweepInterval == 0 {
		out.SweepInterval = duration(60 * time.Second)
	}
	return &out
}

// Load reads the TOML config at path and applies defaults. A missing file
// yields the pure-default configuration.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return cfg.withDefaults(), nil
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg.withDefaults(), nil
}

// seedFile is the YAML repos seed shape.
type seedFile struct {
	Repos []struct {
		ID            string `yaml:"id"`
		Owner         string `yaml:"owner"`
		Name          string `yaml:"name"`
		DefaultBranch string `yaml:"default_branch"`
	} `yaml:"repos"`
}

// LoadRepoSeed parses the YAML repository seed file. Each entry needs id,
// owner, and name; default_branch falls back to main at registration.
func LoadRepoSeed(path string) ([]protocol.Repo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read repos seed %s: %w", path, err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse repos seed %s: %w", path, err)
	}

	repos := make([]protocol.Repo, 0, len(seed.Repos))
	for i, entry := range seed.Repos {
		if entry.ID == "" || entry.Owner == "" || entry.Name == "" {
			return nil, &protocol.ValidationError{
				Field:  fmt.Sprintf("repos[%d]", i),
				Reason: "id, owner, and name are required",
			}
		}
		repos = append(repos, protocol.Repo{
			ID:            entry.ID,
			Owner:         entry.Owner,
			Name:          entry.Name,
			DefaultBranch: entry.DefaultBranch,
		})
	}
	return repos, nil
}
