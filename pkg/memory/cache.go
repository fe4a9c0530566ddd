package memory

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// CachedProvider memoizes embeddings by content so that identical items
// reported by several instances are embedded once.
type CachedProvider struct {
	provider EmbeddingProvider
	cache    *ristretto.Cache
}

// NewCachedProvider wraps provider with a cache holding up to maxEntries
// vectors.
func NewCachedProvider(provider EmbeddingProvider, maxEntries int64) (*CachedProvider, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &CachedProvider{provider: provider, cache: cache}, nil
}

func (p *CachedProvider) Dimension() int {
	return p.provider.Dimension()
}

// GenerateEmbeddings serves cached vectors and asks the provider only for
// the texts it has not seen.
func (p *CachedProvider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var idx []int
	for i, text := range texts {
		if v, ok := p.cache.Get(text); ok {
			out[i] = v.([]float32)
			continue
		}
		missing = append(missing, text)
		idx = append(idx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := p.provider.GenerateEmbeddings(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(vecs), len(missing))
	}
	for j, vec := range vecs {
		out[idx[j]] = vec
		p.cache.Set(missing[j], vec, 1)
	}
	return out, nil
}

// Wait blocks until pending cache writes are visible, for tests.
func (p *CachedProvider) Wait() {
	p.cache.Wait()
}

// Close releases the cache.
func (p *CachedProvider) Close() {
	p.cache.Close()
}
