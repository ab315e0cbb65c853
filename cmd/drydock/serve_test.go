package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"drydock/pkg/session"
)

func TestSeedRepos(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()

	db, err := openDB(ctx, filepath.Join(dir, "drydock.db"))
	if err != nil {
		t.Fatalf("openDB: %v", err)
	}
	defer db.Close()
	store := session.NewStore(db)

	seedPath := filepath.Join(dir, "repos.yaml")
	seed := `repos:
  - id: widgets
    owner: acme
    name: widgets
  - id: gadgets
    owner: acme
    name: gadgets
    default_branch: develop
`
	if err := os.WriteFile(seedPath, []byte(seed), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	if err := seedRepos(ctx, store, seedPath); err != nil {
		t.Fatalf("seedRepos: %v", err)
	}

	repos, err := store.ListRepos(ctx)
	if err != nil {
		t.Fatalf("ListRepos: %v", err)
	}
	if len(repos) != 2 {
		t.Fatalf("got %d repos, want 2", len(repos))
	}

	gadgets, err := store.GetRepo(ctx, "gadgets")
	if err != nil {
		t.Fatalf("GetRepo: %v", err)
	}
	if gadgets.DefaultBranch != "develop" {
		t.Errorf("DefaultBranch = %q, want develop", gadgets.DefaultBranch)
	}

	// Seeding again is an upsert, not a duplicate.
	if err := seedRepos(ctx, store, seedPath); err != nil {
		t.Fatalf("second seedRepos: %v", err)
	}
	repos, err = store.ListRepos(ctx)
	if err != nil {
		t.Fatalf("ListRepos after reseed: %v", err)
	}
	if len(repos) != 2 {
		t.Errorf("got %d repos after reseed, want 2", len(repos))
	}
}

func TestRunServeRejectsBadConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "drydock.toml")
	if err := os.WriteFile(path, []byte("listen_addr = [broken"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out bytes.Buffer
	if err := runServe(context.Background(), &out, path); err == nil {
		t.Fatal("expected error for malformed config")
	}
}

func TestDefaultConfigPath(t *testing.T) {
	t.Parallel()

	path := defaultConfigPath()
	if filepath.Base(path) != "drydock.toml" {
		t.Errorf("defaultConfigPath() = %q, want a drydock.toml path", path)
	}
}
