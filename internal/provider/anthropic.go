package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/bitflow/flowproxy/internal/logging"
	"github.com/bitflow/flowproxy/pkg/types"
)

var (
	ErrMissingAPIKey = errors.New("provider: API key is required")
	ErrMissingModel  = errors.New("provider: model is required")
)

// Config holds configuration for the Anthropic provider.
type Config struct {
	APIKey    string
	BaseURL   string // API root, e.g. https://api.anthropic.com
	Model     string
	MaxTokens int
}

// ConfigFrom builds a provider Config from the upstream section of the
// application config.
func ConfigFrom(u types.UpstreamConfig) *Config {
	return &Config{
		APIKey:    u.APIKey,
		BaseURL:   u.BaseURL,
		Model:     u.Model,
		MaxTokens: u.MaxTokens,
	}
}

// Usage is the token usage reported by the upstream.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result is the outcome of one non-streaming turn.
type Result struct {
	Content string `json:"content"`
	Usage   *Usage `json:"usage,omitempty"`
	Success bool   `json:"success"`
}

// AnthropicProvider sends single-response requests to Claude.
type AnthropicProvider struct {
	chatModel model.BaseChatModel
	config    *Config
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(ctx context.Context, config *Config) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if config.Model == "" {
		return nil, ErrMissingModel
	}

	cfg := &claude.Config{
		APIKey:    config.APIKey,
		Model:     config.Model,
		MaxTokens: config.MaxTokens,
	}
	if config.BaseURL != "" {
		baseURL := strings.TrimRight(config.BaseURL, "/") + "/"
		cfg.BaseURL = &baseURL
	}

	chatModel, err := claude.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Claude model: %w", err)
	}

	return newWithModel(chatModel, config), nil
}

func newWithModel(chatModel model.BaseChatModel, config *Config) *AnthropicProvider {
	return &AnthropicProvider{chatModel: chatModel, config: config}
}

// Model returns the configured model id.
func (p *AnthropicProvider) Model() string { return p.config.Model }

// Send issues one non-streaming request.
func (p *AnthropicProvider) Send(ctx context.Context, system, user string) (*Result, error) {
	messages := []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(user),
	}

	msg, err := p.chatModel.Generate(ctx, messages, model.WithMaxTokens(p.config.MaxTokens))
	if err != nil {
		return nil, fmt.Errorf("claude generate: %w", err)
	}

	res := &Result{Content: msg.Content, Success: true}
	if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
		res.Usage = &Usage{
			InputTokens:  msg.ResponseMeta.Usage.PromptTokens,
			OutputTokens: msg.ResponseMeta.Usage.CompletionTokens,
		}
	}

	ev := logging.Info().Str("model", p.config.Model).Int("length", len(res.Content))
	if res.Usage != nil {
		ev = ev.Int("inputTokens", res.Usage.InputTokens).Int("outputTokens", res.Usage.OutputTokens)
	}
	ev.Msg("claude request succeeded")
	return res, nil
}
