package llm

import (
	"context"
	"fmt"

	"github.com/hupe1980/paperdex/distance"
)

// EmbeddingReranker scores passages by the cosine similarity of freshly
// computed full-precision embeddings, which corrects the quantization error
// of the index ranking.
type EmbeddingReranker struct {
	Embedder BatchEmbedder
}

var _ Reranker = (*EmbeddingReranker)(nil)

// Score embeds the query and the passages in one batch.
func (r *EmbeddingReranker) Score(ctx context.Context, query string, passages []string) ([]float32, error) {
	if len(passages) == 0 {
		return nil, nil
	}
	inputs := make([]string, 0, len(passages)+1)
	inputs = append(inputs, query)
	for _, p := range passages {
		if p == "" {
			p = " "
		}
		inputs = append(inputs, p)
	}
	vecs, err := r.Embedder.EmbedBatch(ctx, inputs)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(inputs) {
		return nil, fmt.Errorf("llm: rerank got %d embeddings for %d inputs", len(vecs), len(inputs))
	}

	q, _ := distance.NormalizeL2Copy(vecs[0])
	scores := make([]float32, len(passages))
	for i, v := range vecs[1:] {
		if len(v) != len(q) {
			return nil, fmt.Errorf("llm: rerank embedding width %d, query %d", len(v), len(q))
		}
		pv, _ := distance.NormalizeL2Copy(v)
		scores[i] = distance.Dot(q, pv)
	}
	return scores, nil
}
