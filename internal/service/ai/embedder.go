package ai

import (
	"context"

	"flowchat/internal/config"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/pkg/errors"
	"google.golang.org/genai"
)

const defaultEmbeddingModel = "text-embedding-004"

// GenAIEmbedder implements embedding.Embedder over the Gemini embedding API.
type GenAIEmbedder struct {
	client *genai.Client
	model  string
}

var _ embedding.Embedder = (*GenAIEmbedder)(nil)

func NewGenAIEmbedder(ctx context.Context, cfg config.EmbeddingConfig) (*GenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, errors.Wrap(ErrProviderIncomplete, "embedding.api_key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init genai client")
	}
	modelName := cfg.Model
	if modelName == "" {
		modelName = defaultEmbeddingModel
	}
	return &GenAIEmbedder{client: client, model: modelName}, nil
}

func (e *GenAIEmbedder) EmbedStrings(ctx context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, 0, len(texts))
	for _, text := range texts {
		contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
	}
	resp, err := e.client.Models.EmbedContent(ctx, e.model, contents, nil)
	if err != nil {
		return nil, errors.Wrap(err, "embed content")
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, errors.Errorf("got %d embeddings for %d texts", len(resp.Embeddings), len(texts))
	}
	out := make([][]float64, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		vec := make([]float64, len(emb.Values))
		for j, v := range emb.Values {
			vec[j] = float64(v)
		}
		out[i] = vec
	}
	return out, nil
}
