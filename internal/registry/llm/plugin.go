package llm

import (
	"context"
	"fmt"
)

// ChatMessage is one turn of conversation history passed to the provider.
type ChatMessage struct {
	Role    string // "system", "user", or "assistant"
	Content string
}

// ChatResult is the structured result of a generation call.
type ChatResult struct {
	// Text is the character's reply.
	Text string
	// AffectionDelta is the provider-reported affection change. Only
	// meaningful when HasDelta is true; the pipeline clamps it either way.
	AffectionDelta int
	// HasDelta reports whether the provider returned a structured delta. When
	// false the pipeline falls back to its own scoring.
	HasDelta bool
}

// Provider generates text for the conversation pipeline. Calls block until
// the provider responds, the context is cancelled, or the configured timeout
// elapses; a failed or timed-out call must leave no trace in session state.
type Provider interface {
	// Chat generates a character reply from a system prompt and conversation
	// history.
	Chat(ctx context.Context, system string, messages []ChatMessage, maxTokens int) (*ChatResult, error)

	// Complete generates long-form text (backstory, diary entries,
	// relationship summaries) from a single prompt.
	Complete(ctx context.Context, prompt string, maxTokens int) (string, error)

	// ModelName returns the model identifier used for generation.
	ModelName() string
}

// Loader creates a Provider from config.
type Loader func(ctx context.Context) (Provider, error)

// Plugin represents an LLM provider plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an LLM provider plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered LLM plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named LLM plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown llm provider %q; valid: %v", name, Names())
}
