package ai

import (
	"context"
	"strings"

	"flowchat/internal/config"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/pkg/errors"
	"google.golang.org/genai"
)

const (
	KindOpenAI = "openai"
	KindClaude = "claude"
	KindGemini = "gemini"

	claudeMaxTokens = 4096
)

// ModelFactory builds a chat model for one provider/model pair.
type ModelFactory func(ctx context.Context, name string, p config.ProviderConfig, modelName string) (model.ToolCallingChatModel, error)

// NewChatModel creates the eino chat model matching the provider kind.
func NewChatModel(ctx context.Context, name string, p config.ProviderConfig, modelName string) (model.ToolCallingChatModel, error) {
	if modelName == "" {
		modelName = p.Model
	}
	switch p.KindOf(name) {
	case KindOpenAI:
		cm, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: p.BaseURL,
			Model:   modelName,
			APIKey:  p.APIKey,
		})
		return cm, errors.Wrap(err, "init openai chat model")
	case KindGemini:
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  p.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, errors.Wrap(err, "init gemini client")
		}
		cm, err := gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
		return cm, errors.Wrap(err, "init gemini chat model")
	case KindClaude:
		var baseURL *string
		if p.BaseURL != "" {
			u := p.BaseURL
			baseURL = &u
		}
		cm, err := claude.NewChatModel(ctx, &claude.Config{
			APIKey:    p.APIKey,
			Model:     modelName,
			BaseURL:   baseURL,
			MaxTokens: claudeMaxTokens,
		})
		return cm, errors.Wrap(err, "init claude chat model")
	default:
		return nil, errors.Wrapf(ErrUnknownProvider, "kind %q", p.KindOf(name))
	}
}

func knownKind(kind string) bool {
	switch strings.ToLower(kind) {
	case KindOpenAI, KindClaude, KindGemini:
		return true
	}
	return false
}
