package agent

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const (
	defaultOpenAIModel = "gpt-4o-mini"
	defaultClaudeModel = "claude-3-5-haiku-20241022"
	defaultMaxTokens   = 1024
)

// ProviderConfig selects and configures an eino chat model.
type ProviderConfig struct {
	Provider  string // "openai" or "claude"
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
}

// EinoGenerator generates replies with a single-turn eino chat model call.
type EinoGenerator struct {
	chatModel model.BaseChatModel
	provider  string
	model     string
}

// NewEinoGenerator builds the chat model for cfg.Provider.
func NewEinoGenerator(ctx context.Context, cfg ProviderConfig) (*EinoGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key not set for provider %q", cfg.Provider)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	var (
		chatModel model.BaseChatModel
		modelID   = cfg.Model
		err       error
	)

	switch cfg.Provider {
	case "openai", "":
		if modelID == "" {
			modelID = defaultOpenAIModel
		}
		oc := &openai.ChatModelConfig{
			APIKey:              cfg.APIKey,
			Model:               modelID,
			MaxCompletionTokens: &maxTokens,
		}
		if cfg.BaseURL != "" {
			oc.BaseURL = cfg.BaseURL
		}
		chatModel, err = openai.NewChatModel(ctx, oc)
	case "claude":
		if modelID == "" {
			modelID = defaultClaudeModel
		}
		cc := &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     modelID,
			MaxTokens: maxTokens,
		}
		if cfg.BaseURL != "" {
			cc.BaseURL = &cfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, cc)
	default:
		return nil, fmt.Errorf("unknown generator provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s model: %w", cfg.Provider, err)
	}

	return &EinoGenerator{chatModel: chatModel, provider: cfg.Provider, model: modelID}, nil
}

// NewEinoGeneratorWithModel wraps an existing chat model.
func NewEinoGeneratorWithModel(chatModel model.BaseChatModel) *EinoGenerator {
	return &EinoGenerator{chatModel: chatModel, provider: "custom"}
}

// GenerateContent sends text as a single user message.
func (g *EinoGenerator) GenerateContent(ctx context.Context, text string) (string, error) {
	msg, err := g.chatModel.Generate(ctx, []*schema.Message{schema.UserMessage(text)})
	if err != nil {
		return "", fmt.Errorf("%s generate: %w", g.provider, err)
	}
	if msg == nil {
		return "", nil
	}
	return msg.Content, nil
}

// Model returns the resolved model ID.
func (g *EinoGenerator) Model() string { return g.model }
