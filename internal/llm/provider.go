// Package llm streams text from the owner's configured language model.
//
// Providers are built on langchaingo models. Each Provider retries provider
// rate limits itself and reports the wait inline in the stream, so callers
// only ever see a sequence of text chunks followed by at most one error.
package llm

import (
	"context"
	"errors"
	"iter"

	"github.com/fyrsmithlabs/loopforge/internal/config"
)

// ErrNoProvider is returned when an owner has no default provider configured.
var ErrNoProvider = errors.New("no provider configured")

// Role is the author of a prompt message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a prompt conversation.
type Message struct {
	Role    Role
	Content string
}

// Request is a single generation request.
type Request struct {
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Provider streams generated text.
type Provider interface {
	// Name identifies the provider kind, e.g. "anthropic".
	Name() string
	// Model is the model the provider generates with.
	Model() string
	// Stream yields text chunks in order. A non-nil error is always the
	// final element.
	Stream(ctx context.Context, req Request) iter.Seq2[string, error]
}

// Provider kinds.
const (
	Anthropic = "anthropic"
	OpenAI    = "openai"
	GoogleAI  = "googleai"
	Ollama    = "ollama"
)

// ProviderConfig is an owner's stored provider credential. The API key is
// decrypted before it reaches this package.
type ProviderConfig struct {
	OwnerID   string        `json:"ownerId"`
	Provider  string        `json:"provider"`
	Model     string        `json:"model"`
	APIKey    config.Secret `json:"apiKey"`
	BaseURL   string        `json:"baseUrl,omitempty"`
	IsDefault bool          `json:"isDefault"`
}

// ConfigSource looks up provider configuration.
type ConfigSource interface {
	// DefaultProviderConfig returns the owner's default provider or
	// ErrNoProvider.
	DefaultProviderConfig(ctx context.Context, ownerID string) (*ProviderConfig, error)
}

// Collect drains a stream into one string.
func Collect(seq iter.Seq2[string, error]) (string, error) {
	var out []byte
	for chunk, err := range seq {
		if err != nil {
			return string(out), err
		}
		out = append(out, chunk...)
	}
	return string(out), nil
}

func displayName(provider string) string {
	switch provider {
	case Anthropic:
		return "Anthropic"
	case OpenAI:
		return "OpenAI"
	case GoogleAI:
		return "Gemini"
	case Ollama:
		return "Ollama"
	default:
		return provider
	}
}
