package openai

import (
	"context"
	"errors"
	"fmt"

	openaiapi "github.com/sashabaranov/go-openai"
)

const (
	DefaultModel      = "text-embedding-3-small"
	DefaultDimensions = 1536
)

// Embedder calls the OpenAI embeddings endpoint.
type Embedder struct {
	api   *openaiapi.Client
	model string
	dims  int
}

// New builds an embedder. baseURL may point at any OpenAI compatible server.
func New(apiKey, baseURL, model string, dims int) (*Embedder, error) {
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY is required for embeddings")
	}
	cfg := openaiapi.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = DefaultModel
	}
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &Embedder{
		api:   openaiapi.NewClientWithConfig(cfg),
		model: model,
		dims:  dims,
	}, nil
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.api.CreateEmbeddings(ctx, openaiapi.EmbeddingRequestStrings{
		Input:      []string{text},
		Model:      openaiapi.EmbeddingModel(e.model),
		Dimensions: e.dims,
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai returned no embedding")
	}
	return resp.Data[0].Embedding, nil
}

func (e *Embedder) Dimensions() int {
	return e.dims
}
