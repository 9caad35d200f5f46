package ai

import (
	"context"

	"flowchat/internal/config"

	"github.com/pkg/errors"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAIImageGenerator produces base64 PNGs through the OpenAI images API.
type OpenAIImageGenerator struct {
	client *goopenai.Client
	model  string
}

func NewOpenAIImageGenerator(cfg config.ImageConfig) (*OpenAIImageGenerator, error) {
	if cfg.APIKey == "" {
		return nil, errors.Wrap(ErrProviderIncomplete, "image_generation.api_key is required")
	}
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	modelName := cfg.Model
	if modelName == "" {
		modelName = "dall-e-3"
	}
	return &OpenAIImageGenerator{client: goopenai.NewClientWithConfig(clientCfg), model: modelName}, nil
}

func (g *OpenAIImageGenerator) GenerateImage(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.CreateImage(ctx, goopenai.ImageRequest{
		Prompt:         prompt,
		Model:          g.model,
		N:              1,
		Size:           goopenai.CreateImageSize1024x1024,
		ResponseFormat: goopenai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return "", errors.New("image response contained no data")
	}
	return resp.Data[0].B64JSON, nil
}
