// Package asi provides generation through the ASI-1 Mini API. The API is
// OpenAI-compatible with an extra reasoning_mode knob on long-form
// completions.
package asi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lovediary/agent-service/internal/config"
	registryllm "github.com/lovediary/agent-service/internal/registry/llm"
)

const (
	defaultModel        = "asi1-mini"
	chatTemperature     = 0.8
	completeTemperature = 0.7
	reasoningMode       = "Short"
)

func init() {
	registryllm.Register(registryllm.Plugin{
		Name:   "asi",
		Loader: load,
	})
}

func load(ctx context.Context) (registryllm.Provider, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.LLMAPIKey == "" {
		return nil, fmt.Errorf("asi llm: AGENT_SERVICE_LLM_API_KEY is required")
	}
	baseURL := cfg.LLMBaseURL
	if baseURL == "" {
		baseURL = "https://api.asi1.ai/v1"
	}
	model := cfg.LLMModelName
	if model == "" || strings.HasPrefix(model, "gpt-") {
		model = defaultModel
	}
	timeout := cfg.LLMTimeout
	if timeout <= 0 {
		timeout = 18 * time.Second
	}
	return &Provider{
		apiKey:  cfg.LLMAPIKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Provider calls the ASI-1 Mini chat/completions endpoint.
type Provider struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

func (p *Provider) ModelName() string { return p.model }

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model         string       `json:"model"`
	Messages      []apiMessage `json:"messages"`
	MaxTokens     int          `json:"max_tokens"`
	Temperature   float64      `json:"temperature"`
	ReasoningMode string       `json:"reasoning_mode,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *Provider) Chat(ctx context.Context, system string, messages []registryllm.ChatMessage, maxTokens int) (*registryllm.ChatResult, error) {
	apiMessages := make([]apiMessage, 0, len(messages)+1)
	apiMessages = append(apiMessages, apiMessage{Role: "system", Content: system})
	for _, m := range messages {
		apiMessages = append(apiMessages, apiMessage{Role: m.Role, Content: m.Content})
	}
	// reasoning_mode is not supported on interactive chat calls.
	content, err := p.complete(ctx, completionRequest{
		Model:       p.model,
		Messages:    apiMessages,
		MaxTokens:   maxTokens,
		Temperature: chatTemperature,
	})
	if err != nil {
		return nil, err
	}
	return registryllm.ParseStructuredReply(content), nil
}

func (p *Provider) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return p.complete(ctx, completionRequest{
		Model:         p.model,
		Messages:      []apiMessage{{Role: "user", Content: prompt}},
		MaxTokens:     maxTokens,
		Temperature:   completeTemperature,
		ReasoningMode: reasoningMode,
	})
}

func (p *Provider) complete(ctx context.Context, reqBody completionRequest) (string, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("asi llm request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("asi llm: read response: %w", err)
	}
	var result completionResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("asi llm: parse response: %w", err)
	}
	if result.Error != nil {
		return "", fmt.Errorf("asi llm error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("asi llm: no choices in response (status %d)", resp.StatusCode)
	}
	return result.Choices[0].Message.Content, nil
}
