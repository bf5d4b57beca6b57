package task

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopforge/internal/config"
	"github.com/fyrsmithlabs/loopforge/internal/llm"
)

// ProviderCache drops cached provider configs after they change.
type ProviderCache interface {
	Invalidate(ctx context.Context, ownerID string) error
}

// RepositoryInput registers or edits a repository. An empty ID creates one.
type RepositoryInput struct {
	ID            string `json:"id,omitempty"`
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	DefaultBranch string `json:"defaultBranch,omitempty"`
}

// ProviderInput sets an owner's default text-generation provider.
type ProviderInput struct {
	Provider string        `json:"provider"`
	Model    string        `json:"model"`
	APIKey   config.Secret `json:"apiKey,omitempty"`
	BaseURL  string        `json:"baseUrl,omitempty"`
}

// MessageInput appends to a task's brainstorming conversation.
type MessageInput struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}

// PutRepository registers a repository for ownerID, or edits one it owns.
func (s *Service) PutRepository(ctx context.Context, ownerID string, in RepositoryInput) (*Repository, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrValidation)
	}
	r := &Repository{
		ID:            strings.TrimSpace(in.ID),
		OwnerID:       ownerID,
		Owner:         strings.TrimSpace(in.Owner),
		Name:          strings.TrimSpace(in.Name),
		DefaultBranch: strings.TrimSpace(in.DefaultBranch),
	}
	if r.Owner == "" || r.Name == "" {
		return nil, fmt.Errorf("%w: repository owner and name are required", ErrValidation)
	}
	if strings.ContainsAny(r.Owner+r.Name, "/ ") {
		return nil, fmt.Errorf("%w: repository owner and name must not contain '/' or spaces", ErrValidation)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	err := s.store.Update(ctx, func(tx Tx) error {
		existing, err := tx.GetRepository(ctx, r.ID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		case existing.OwnerID != ownerID:
			return fmt.Errorf("repository %s: %w", r.ID, ErrNotFound)
		}
		return tx.PutRepository(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	s.log(ctx).Info("repository saved",
		zap.String("repository_id", r.ID),
		zap.String("owner_id", ownerID),
		zap.String("repository", r.FullName()))
	return r, nil
}

// GetRepository returns a repository owned by ownerID.
func (s *Service) GetRepository(ctx context.Context, ownerID, repoID string) (*Repository, error) {
	r, err := s.store.GetRepository(ctx, repoID)
	if err != nil {
		return nil, err
	}
	if r.OwnerID != ownerID {
		return nil, fmt.Errorf("repository %s: %w", repoID, ErrNotFound)
	}
	return r, nil
}

// SetDefaultProvider stores in as the owner's default provider, replacing
// the previous default.
func (s *Service) SetDefaultProvider(ctx context.Context, ownerID string, in ProviderInput) error {
	if ownerID == "" {
		return fmt.Errorf("%w: owner is required", ErrValidation)
	}
	switch in.Provider {
	case llm.Anthropic, llm.OpenAI, llm.GoogleAI, llm.Ollama:
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrValidation, in.Provider)
	}
	if strings.TrimSpace(in.Model) == "" {
		return fmt.Errorf("%w: model is required", ErrValidation)
	}
	if in.Provider != llm.Ollama && !in.APIKey.IsSet() {
		return fmt.Errorf("%w: %s requires an API key", ErrValidation, in.Provider)
	}

	cfg := &llm.ProviderConfig{
		OwnerID:   ownerID,
		Provider:  in.Provider,
		Model:     strings.TrimSpace(in.Model),
		APIKey:    in.APIKey,
		BaseURL:   strings.TrimSpace(in.BaseURL),
		IsDefault: true,
	}
	if err := s.store.Update(ctx, func(tx Tx) error { return tx.PutProviderConfig(ctx, cfg) }); err != nil {
		return err
	}
	if s.providers != nil {
		if err := s.providers.Invalidate(ctx, ownerID); err != nil {
			s.log(ctx).Warn("failed to invalidate cached provider config", zap.String("owner_id", ownerID), zap.Error(err))
		}
	}
	s.log(ctx).Info("default provider set",
		zap.String("owner_id", ownerID),
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model))
	return nil
}

// AddMessage appends a message to the task's conversation. Messages feed
// plan generation, so they are only accepted before the plan is approved.
func (s *Service) AddMessage(ctx context.Context, ownerID, taskID string, in MessageInput) (*ChatMessage, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", ErrValidation)
	}
	role := in.Role
	if role == "" {
		role = RoleUser
	}
	if role != RoleUser && role != RoleAssistant {
		return nil, fmt.Errorf("%w: role must be %s or %s", ErrValidation, RoleUser, RoleAssistant)
	}

	unlock := s.locks.Lock(taskID)
	defer unlock()

	t, err := s.loadOwned(ctx, ownerID, taskID)
	if err != nil {
		return nil, err
	}
	if t.Stage.InFlight() || t.Stage.Terminal() {
		return nil, fmt.Errorf("%w: messages are not accepted in %s", ErrInvalidTransition, t.Stage)
	}

	m := &ChatMessage{TaskID: taskID, Role: role, Content: content, CreatedAt: s.now()}
	if err := s.store.Update(ctx, func(tx Tx) error { return tx.AppendChatMessage(ctx, m) }); err != nil {
		return nil, fmt.Errorf("appending message: %w", err)
	}
	return m, nil
}

// Messages returns the most recent limit messages of a task, oldest first.
// limit <= 0 returns all of them.
func (s *Service) Messages(ctx context.Context, ownerID, taskID string, limit int) ([]*ChatMessage, error) {
	if _, err := s.loadOwned(ctx, ownerID, taskID); err != nil {
		return nil, err
	}
	return s.store.ListChatMessages(ctx, taskID, limit)
}
