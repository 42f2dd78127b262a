package paperdex

import (
	"context"
	"time"

	"github.com/hupe1980/paperdex/llm"
	"github.com/hupe1980/paperdex/model"
	"github.com/hupe1980/paperdex/retrieval"
)

// Retrieve returns up to k passages nearest to query, best first.
// Passages whose metadata or text could not be resolved keep their rank and
// report Missing.
func (db *DB) Retrieve(ctx context.Context, query []float32, k int) ([]model.Passage, error) {
	return db.Search(ctx, retrieval.Request{Vector: query, K: k})
}

// RetrieveText embeds question and retrieves for it, reranking when a
// reranker is configured.
func (db *DB) RetrieveText(ctx context.Context, question string, k int) ([]model.Passage, error) {
	start := time.Now()
	passages, err := db.retriever.RetrieveText(ctx, question, k)
	db.observe(ctx, k, passages, start, err)
	return passages, err
}

// Search runs a fully specified retrieval.
func (db *DB) Search(ctx context.Context, req retrieval.Request) ([]model.Passage, error) {
	start := time.Now()
	passages, err := db.retriever.Search(ctx, req)
	db.observe(ctx, req.K, passages, start, err)
	return passages, err
}

// Ask retrieves k passages for question and answers from them. Without a
// working completer the answer is a citation summary.
func (db *DB) Ask(ctx context.Context, answerer *llm.Answerer, question string, k int) (*llm.Answer, error) {
	passages, err := db.RetrieveText(ctx, question, k)
	if err != nil {
		return nil, err
	}
	return answerer.Answer(ctx, question, passages)
}

func (db *DB) observe(ctx context.Context, k int, passages []model.Passage, start time.Time, err error) {
	elapsed := time.Since(start)
	missing := 0
	for _, p := range passages {
		if p.Missing() {
			missing++
		}
	}
	db.opts.logger.LogRetrieve(ctx, k, len(passages), missing, elapsed, err)
	db.opts.metricsCollector.RecordRetrieve(len(passages), missing, elapsed, err)
}
