package rag

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/graphmind/llm/embedding"
)

// HybridConfig tunes the hybrid retriever.
type HybridConfig struct {
	// VectorTopK caps the vector search result count.
	VectorTopK int `yaml:"vector_top_k"`

	// GraphHops bounds the graph expansion depth.
	GraphHops int `yaml:"graph_hops"`

	// RRFK is the reciprocal rank fusion constant.
	RRFK int `yaml:"rrf_k"`
}

// DefaultHybridConfig returns the default retrieval knobs.
func DefaultHybridConfig() HybridConfig {
	return HybridConfig{
		VectorTopK: 20,
		GraphHops:  2,
		RRFK:       60,
	}
}

func (c *HybridConfig) normalize() {
	if c.VectorTopK <= 0 {
		c.VectorTopK = 20
	}
	if c.GraphHops <= 0 {
		c.GraphHops = 2
	}
	if c.RRFK <= 0 {
		c.RRFK = 60
	}
}

// HybridRetriever fuses vector-similarity and graph-expansion search.
// Backend errors propagate to the caller; retries belong to the
// orchestrator's retry loop, not to a single retrieval attempt.
type HybridRetriever struct {
	embedder embedding.Embedder
	vector   VectorSearch
	graph    GraphSearch
	config   HybridConfig
	logger   *zap.Logger
}

// NewHybridRetriever creates a hybrid retriever over the given backends.
func NewHybridRetriever(embedder embedding.Embedder, vector VectorSearch, graph GraphSearch, config HybridConfig, logger *zap.Logger) *HybridRetriever {
	config.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HybridRetriever{
		embedder: embedder,
		vector:   vector,
		graph:    graph,
		config:   config,
		logger:   logger.With(zap.String("component", "hybrid_retriever")),
	}
}

// Retrieve produces up to topN fused results for the query: embed, vector
// search, graph expansion from the entity ids found in the vector results,
// then RRF fusion of both ranked lists.
func (r *HybridRetriever) Retrieve(ctx context.Context, query string, topN int) ([]RetrievalResult, error) {
	queryVector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	vectorResults, err := r.vector.Search(ctx, queryVector, r.config.VectorTopK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	var entityIDs []string
	seen := make(map[string]struct{})
	for _, res := range vectorResults {
		if res.EntityID == "" {
			continue
		}
		if _, ok := seen[res.EntityID]; ok {
			continue
		}
		seen[res.EntityID] = struct{}{}
		entityIDs = append(entityIDs, res.EntityID)
	}

	var graphResults []RetrievalResult
	if len(entityIDs) > 0 {
		graphResults, err = r.graph.Expand(ctx, entityIDs, r.config.GraphHops)
		if err != nil {
			return nil, fmt.Errorf("graph expand: %w", err)
		}
	}

	fused := rrfFuse([][]RetrievalResult{vectorResults, graphResults}, r.config.RRFK)

	r.logger.Debug("retrieval complete",
		zap.Int("vector_results", len(vectorResults)),
		zap.Int("graph_results", len(graphResults)),
		zap.Int("fused", len(fused)),
		zap.Int("top_n", topN),
	)

	if topN > 0 && len(fused) > topN {
		fused = fused[:topN]
	}
	return fused, nil
}

// rrfFuse merges ranked lists with reciprocal rank fusion: each result at
// 1-based rank r contributes 1/(k+r) to its id's fused score. The first list
// an id appears in determines which result object is kept; later duplicates
// only add score. Output is sorted by descending fused score with the Score
// field overwritten by the fused value. The sort is stable, so ties keep
// first-seen order.
func rrfFuse(rankedLists [][]RetrievalResult, k int) []RetrievalResult {
	scores := make(map[string]float64)
	kept := make(map[string]RetrievalResult)
	var order []string

	for _, list := range rankedLists {
		for rank, res := range list {
			scores[res.ID] += 1.0 / float64(k+rank+1)
			if _, ok := kept[res.ID]; !ok {
				kept[res.ID] = res
				order = append(order, res.ID)
			}
		}
	}

	out := make([]RetrievalResult, 0, len(order))
	for _, id := range order {
		res := kept[id]
		res.Score = scores[id]
		out = append(out, res)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}
