package vectorstore

import (
	"context"
	"hash/fnv"
	"math/rand"

	"github.com/crewforge/crewforge/core"
)

// HashEmbedder derives a deterministic pseudo-embedding from a content hash.
// It exists solely so tests and development work offline; it carries no
// semantic signal beyond "identical text embeds identically".
type HashEmbedder struct {
	dimensions int
	normalize  bool
}

// NewHashEmbedder creates a HashEmbedder producing vectors of the given
// dimensionality, each component uniformly distributed in [-1, 1]. With
// normalize set, vectors are L2-normalized.
func NewHashEmbedder(dimensions int, normalize bool) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = 128
	}
	return &HashEmbedder{dimensions: dimensions, normalize: normalize}
}

func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	vec := make([]float32, e.dimensions)
	for i := range vec {
		vec[i] = float32(rng.Float64()*2 - 1)
	}
	if e.normalize {
		vec = Normalize(vec)
	}
	return vec, nil
}

func (e *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (e *HashEmbedder) Dimensions() int { return e.dimensions }

var _ core.Embedder = (*HashEmbedder)(nil)
