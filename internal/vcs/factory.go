package vcs

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopforge/internal/config"
)

// ErrNoCredential is returned when an owner has no hosting token.
var ErrNoCredential = errors.New("no version-control credential for owner")

// TokenSource yields the decrypted hosting token for an owner.
type TokenSource interface {
	Token(ctx context.Context, ownerID string) (config.Secret, error)
}

// StaticToken serves one token to every owner.
type StaticToken config.Secret

func (s StaticToken) Token(context.Context, string) (config.Secret, error) {
	if !config.Secret(s).IsSet() {
		return "", ErrNoCredential
	}
	return config.Secret(s), nil
}

// Factory builds per-owner gateways.
type Factory struct {
	tokens  TokenSource
	baseURL string
	retry   RetryConfig
	logger  *zap.Logger
}

// NewFactory creates a gateway factory from the github config section.
func NewFactory(tokens TokenSource, cfg config.GitHubConfig, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		tokens:  tokens,
		baseURL: cfg.BaseURL,
		retry: RetryConfig{
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: cfg.InitialBackoff.Duration(),
			MaxBackoff:     cfg.MaxBackoff.Duration(),
		},
		logger: logger.Named("vcs"),
	}
}

// ForOwner returns a gateway authenticated as ownerID.
func (f *Factory) ForOwner(ctx context.Context, ownerID string) (Gateway, error) {
	token, err := f.tokens.Token(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("resolving credential: %w", err)
	}
	client, err := NewGitHubClient(context.WithoutCancel(ctx), token, f.baseURL)
	if err != nil {
		return nil, err
	}
	return NewGitHub(client, f.retry, f.logger.With(zap.String("owner_id", ownerID))), nil
}
