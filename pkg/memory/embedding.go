package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog/log"
)

// EmbeddingProvider generates vector embeddings from text
type EmbeddingProvider interface {
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// OpenAIProvider implements EmbeddingProvider using the OpenAI embeddings API
type OpenAIProvider struct {
	client    openai.Client
	model     string
	dimension int
}

// NewOpenAIProvider creates a new OpenAI embedding provider. A zero dimension
// selects the model default.
func NewOpenAIProvider(apiKey, model string, dimension int, opts ...option.RequestOption) *OpenAIProvider {
	if model == "" {
		model = string(openai.EmbeddingModelTextEmbedding3Small)
	}
	if dimension <= 0 {
		dimension = 1536
		if model == string(openai.EmbeddingModelTextEmbedding3Large) {
			dimension = 3072
		}
	}

	reqOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAIProvider{
		client:    openai.NewClient(reqOpts...),
		model:     model,
		dimension: dimension,
	}
}

func (p *OpenAIProvider) Dimension() int {
	return p.dimension
}

func (p *OpenAIProvider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(p.model),
	}
	if strings.HasPrefix(p.model, "text-embedding-3") {
		params.Dimensions = openai.Int(int64(p.dimension))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to call OpenAI embeddings API: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(resp.Data), len(texts))
	}

	embeddings := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || int(data.Index) >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range", data.Index)
		}
		vec := make([]float32, len(data.Embedding))
		for i, v := range data.Embedding {
			vec[i] = float32(v)
		}
		embeddings[data.Index] = vec
	}
	return embeddings, nil
}

// Embed fills in missing embeddings for items in place. Items that already
// carry an embedding are left untouched. Failures leave the items without
// embeddings so the vector scorer falls back to lexical scoring.
func Embed(ctx context.Context, provider EmbeddingProvider, items []Item) error {
	if provider == nil {
		return nil
	}

	var texts []string
	var idx []int
	for i := range items {
		if len(items[i].Embedding) > 0 || strings.TrimSpace(items[i].Content) == "" {
			continue
		}
		texts = append(texts, items[i].Content)
		idx = append(idx, i)
	}
	if len(texts) == 0 {
		return nil
	}

	vectors, err := provider.GenerateEmbeddings(ctx, texts)
	if err != nil {
		log.Warn().Err(err).Int("items", len(texts)).Msg("Embedding generation failed, falling back to lexical scoring")
		return err
	}
	for n, i := range idx {
		if n < len(vectors) {
			items[i].Embedding = vectors[n]
		}
	}
	return nil
}
