package orchestrator

import (
	"context"
	"fmt"
	"strings"
)

// CredentialBroker mints short-lived git credentials for agent containers.
type CredentialBroker interface {
	GetToken(ctx context.Context) (string, error)
}

// GHCredentialBroker obtains a token from the gh CLI's stored auth.
type GHCredentialBroker struct {
	runner CommandRunner
}

// NewGHCredentialBroker returns a CredentialBroker backed by `gh auth token`.
func NewGHCredentialBroker(runner CommandRunner) *GHCredentialBroker {
	return &GHCredentialBroker{runner: runner}
}

// GetToken runs `gh auth token` and returns the trimmed token.
func (b *GHCredentialBroker) GetToken(ctx context.Context) (string, error) {
	out, err := b.runner.Run(ctx, "gh", "auth", "token")
	if err != nil {
		return "", fmt.Errorf("gh auth token: %w", err)
	}
	token := strings.TrimSpace(string(out))
	if token == "" {
		return "", fmt.Errorf("gh auth token: empty token")
	}
	return token, nil
}

// StaticCredentialBroker returns a fixed token. Used in tests and in
// deployments that inject a token through config.
type StaticCredentialBroker struct {
	Token string
}

// GetToken returns the configured token.
func (b *StaticCredentialBroker) GetToken(ctx context.Context) (string, error) {
	if b.Token == "" {
		return "", fmt.Errorf("static credential broker: no token configured")
	}
	return b.Token, nil
}
