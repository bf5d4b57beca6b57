package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/loopforge/internal/cache"
	"github.com/fyrsmithlabs/loopforge/internal/config"
)

// Resolver turns an owner id into a ready Provider. Config lookups are
// cached in a cache.Store.
type Resolver struct {
	source   ConfigSource
	cache    cache.Store
	factory  ModelFactory
	settings config.ProviderConfig
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithModelFactory replaces NewModel.
func WithModelFactory(f ModelFactory) ResolverOption {
	return func(r *Resolver) { r.factory = f }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ResolverOption {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResolver creates a Resolver. A nil store disables caching.
func NewResolver(source ConfigSource, store cache.Store, settings config.ProviderConfig, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		source:   source,
		cache:    store,
		factory:  NewModel,
		settings: settings,
		logger:   zap.NewNop(),
	}
	if settings.RequestsPerSecond > 0 {
		burst := settings.Burst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(settings.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the owner's default provider, or ErrNoProvider.
func (r *Resolver) Resolve(ctx context.Context, ownerID string) (Provider, error) {
	cfg, err := r.lookup(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	model, err := r.factory(ctx, *cfg)
	if err != nil {
		return nil, fmt.Errorf("creating %s model: %w", cfg.Provider, err)
	}
	return NewChainProvider(cfg.Provider, cfg.Model, model, ChainOptions{
		Retries: r.settings.RateLimitRetries,
		Backoff: r.settings.RateLimitBackoff.Duration(),
		Limiter: r.limiter,
		Logger:  r.logger.With(zap.String("provider", cfg.Provider)),
	}), nil
}

// Invalidate drops the cached config for owner.
func (r *Resolver) Invalidate(ctx context.Context, ownerID string) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Delete(ctx, cacheKey(ownerID))
}

// cachedConfig mirrors ProviderConfig with the key as a plain string, since
// config.Secret redacts itself when marshalled.
type cachedConfig struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"apiKey"`
	BaseURL  string `json:"baseUrl,omitempty"`
}

func (r *Resolver) lookup(ctx context.Context, ownerID string) (*ProviderConfig, error) {
	key := cacheKey(ownerID)
	if r.cache != nil {
		raw, err := r.cache.Get(ctx, key)
		switch {
		case err == nil:
			var c cachedConfig
			if jerr := json.Unmarshal(raw, &c); jerr == nil {
				return &ProviderConfig{
					OwnerID:   ownerID,
					Provider:  c.Provider,
					Model:     c.Model,
					APIKey:    config.Secret(c.APIKey),
					BaseURL:   c.BaseURL,
					IsDefault: true,
				}, nil
			}
			r.logger.Warn("discarding undecodable cached provider config", zap.String("owner_id", ownerID))
		case !errors.Is(err, cache.ErrMiss):
			r.logger.Warn("provider config cache read failed", zap.Error(err))
		}
	}

	cfg, err := r.source.DefaultProviderConfig(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, ErrNoProvider
	}

	if r.cache != nil {
		raw, _ := json.Marshal(cachedConfig{
			Provider: cfg.Provider,
			Model:    cfg.Model,
			APIKey:   cfg.APIKey.Value(),
			BaseURL:  cfg.BaseURL,
		})
		if err := r.cache.Set(ctx, key, raw); err != nil {
			r.logger.Warn("provider config cache write failed", zap.Error(err))
		}
	}
	return cfg, nil
}

func cacheKey(ownerID string) string {
	return "provider.default." + ownerID
}
