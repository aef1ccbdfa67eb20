// Package openai provides an embedding provider backed by OpenAI's
// embedding models, requesting a fixed output dimension.
package openai

import (
	"context"
	"fmt"

	"github.com/ensembleai/ensemble/internal/embeddings"
	"github.com/ensembleai/ensemble/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// Provider implements embeddings.Embedder using OpenAI.
type Provider struct {
	client    *openai.Client
	model     string
	dimension int
}

var _ embeddings.Embedder = (*Provider)(nil)

// Config contains configuration for the OpenAI embedding provider.
type Config struct {
	APIKey    string
	BaseURL   string // Optional custom base URL
	Model     string // text-embedding-3-small or text-embedding-3-large
	Dimension int    // requested output width: 384 or 768
}

// New creates a new OpenAI embedding provider.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	switch cfg.Dimension {
	case 384, 768:
	case 0:
		cfg.Dimension = 768
	default:
		return nil, fmt.Errorf("unsupported embedding dimension %d", cfg.Dimension)
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &Provider{
		client:    openai.NewClientWithConfig(config),
		model:     cfg.Model,
		dimension: cfg.Dimension,
	}, nil
}

// ProviderID returns the stable provider identifier stored next to each
// vector.
func (p *Provider) ProviderID() string {
	return "openai:" + p.model
}

// Dimension returns the fixed embedding width.
func (p *Provider) Dimension() int {
	return p.dimension
}

// Embed produces one vector per input text.
func (p *Provider) Embed(ctx context.Context, texts []string) ([]*models.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model:      openai.EmbeddingModel(p.model),
		Input:      texts,
		Dimensions: p.dimension,
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: want %d, got %d", len(texts), len(resp.Data))
	}

	vectors := make([]*models.Vector, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = &models.Vector{
			ProviderID: p.ProviderID(),
			Dim:        p.dimension,
			Values:     d.Embedding,
		}
	}
	return vectors, nil
}
