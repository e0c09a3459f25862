package rag

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubEmbedder struct {
	vector []float64
	err    error
}

func (e *stubEmbedder) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	return e.vector, e.err
}

func (e *stubEmbedder) EmbedDocuments(ctx context.Context, documents []string) ([][]float64, error) {
	out := make([][]float64, len(documents))
	for i := range documents {
		out[i] = e.vector
	}
	return out, e.err
}

func (e *stubEmbedder) Name() string    { return "stub" }
func (e *stubEmbedder) Dimensions() int { return len(e.vector) }

type stubVectorSearch struct {
	results []RetrievalResult
	err     error
	limit   int
}

func (s *stubVectorSearch) Search(ctx context.Context, vector []float64, limit int) ([]RetrievalResult, error) {
	s.limit = limit
	return s.results, s.err
}

type stubGraphSearch struct {
	results   []RetrievalResult
	err       error
	called    bool
	entityIDs []string
	hops      int
}

func (s *stubGraphSearch) Expand(ctx context.Context, entityIDs []string, hops int) ([]RetrievalResult, error) {
	s.called = true
	s.entityIDs = entityIDs
	s.hops = hops
	return s.results, s.err
}

func vecResult(id string, score float64, entityID string) RetrievalResult {
	return RetrievalResult{ID: id, Text: "text " + id, Score: score, Source: SourceVector, EntityID: entityID}
}

func graphResult(id string) RetrievalResult {
	return RetrievalResult{ID: id, Text: "node " + id, Source: SourceGraph, EntityID: id}
}

func newTestRetriever(embedder *stubEmbedder, vector *stubVectorSearch, graph *stubGraphSearch) *HybridRetriever {
	return NewHybridRetriever(embedder, vector, graph, DefaultHybridConfig(), zap.NewNop())
}

// ---------------------------------------------------------------------------
// Retrieve
// ---------------------------------------------------------------------------

func TestHybridRetriever_FusesBothSources(t *testing.T) {
	embedder := &stubEmbedder{vector: []float64{1, 0}}
	vector := &stubVectorSearch{results: []RetrievalResult{
		vecResult("d1", 0.9, "e1"),
		vecResult("d2", 0.8, ""),
	}}
	graph := &stubGraphSearch{results: []RetrievalResult{
		graphResult("d1"), // shared with the vector list
		graphResult("g1"),
	}}
	r := newTestRetriever(embedder, vector, graph)

	results, err := r.Retrieve(context.Background(), "query", 10)
	require.NoError(t, err)
	require.Len(t, results, 3)

	// d1 appears in both lists at rank 1, so it must outrank everything.
	assert.Equal(t, "d1", results[0].ID)
	assert.InDelta(t, 2.0/61.0, results[0].Score, 1e-12)

	// Entity ids from the vector results seed the graph expansion.
	assert.True(t, graph.called)
	assert.Equal(t, []string{"e1"}, graph.entityIDs)
	assert.Equal(t, 2, graph.hops)
	assert.Equal(t, 20, vector.limit)
}

func TestHybridRetriever_NoEntityIDsSkipsGraph(t *testing.T) {
	embedder := &stubEmbedder{vector: []float64{1}}
	vector := &stubVectorSearch{results: []RetrievalResult{vecResult("d1", 0.9, "")}}
	graph := &stubGraphSearch{}
	r := newTestRetriever(embedder, vector, graph)

	results, err := r.Retrieve(context.Background(), "query", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, graph.called)
}

func TestHybridRetriever_DedupEntityIDs(t *testing.T) {
	embedder := &stubEmbedder{vector: []float64{1}}
	vector := &stubVectorSearch{results: []RetrievalResult{
		vecResult("d1", 0.9, "e1"),
		vecResult("d2", 0.8, "e1"),
		vecResult("d3", 0.7, "e2"),
	}}
	graph := &stubGraphSearch{}
	r := newTestRetriever(embedder, vector, graph)

	_, err := r.Retrieve(context.Background(), "query", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, graph.entityIDs)
}

func TestHybridRetriever_TopNTruncates(t *testing.T) {
	embedder := &stubEmbedder{vector: []float64{1}}
	var results []RetrievalResult
	for i := 0; i < 15; i++ {
		results = append(results, vecResult(fmt.Sprintf("d%02d", i), 1.0-float64(i)*0.01, ""))
	}
	vector := &stubVectorSearch{results: results}
	r := newTestRetriever(embedder, vector, &stubGraphSearch{})

	out, err := r.Retrieve(context.Background(), "query", 5)
	require.NoError(t, err)
	assert.Len(t, out, 5)
	assert.Equal(t, "d00", out[0].ID)
}

func TestHybridRetriever_FirstSeenInstanceWins(t *testing.T) {
	embedder := &stubEmbedder{vector: []float64{1}}
	vector := &stubVectorSearch{results: []RetrievalResult{vecResult("d1", 0.9, "e1")}}
	graph := &stubGraphSearch{results: []RetrievalResult{graphResult("d1")}}
	r := newTestRetriever(embedder, vector, graph)

	results, err := r.Retrieve(context.Background(), "query", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	// The vector list is fused first, so its instance is kept.
	assert.Equal(t, SourceVector, results[0].Source)
	assert.Equal(t, "text d1", results[0].Text)
}

func TestHybridRetriever_EmptyVectorResults(t *testing.T) {
	embedder := &stubEmbedder{vector: []float64{1}}
	r := newTestRetriever(embedder, &stubVectorSearch{}, &stubGraphSearch{})

	results, err := r.Retrieve(context.Background(), "query", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

// ---------------------------------------------------------------------------
// Error propagation
// ---------------------------------------------------------------------------

func TestHybridRetriever_ErrorsPropagate(t *testing.T) {
	errBoom := errors.New("backend down")

	tests := []struct {
		name     string
		embedder *stubEmbedder
		vector   *stubVectorSearch
		graph    *stubGraphSearch
	}{
		{
			name:     "embedder error",
			embedder: &stubEmbedder{err: errBoom},
			vector:   &stubVectorSearch{},
			graph:    &stubGraphSearch{},
		},
		{
			name:     "vector search error",
			embedder: &stubEmbedder{vector: []float64{1}},
			vector:   &stubVectorSearch{err: errBoom},
			graph:    &stubGraphSearch{},
		},
		{
			name:     "graph expand error",
			embedder: &stubEmbedder{vector: []float64{1}},
			vector:   &stubVectorSearch{results: []RetrievalResult{vecResult("d1", 0.9, "e1")}},
			graph:    &stubGraphSearch{err: errBoom},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRetriever(tt.embedder, tt.vector, tt.graph)
			_, err := r.Retrieve(context.Background(), "query", 10)
			require.Error(t, err)
			assert.ErrorIs(t, err, errBoom)
		})
	}
}

// ---------------------------------------------------------------------------
// rrfFuse
// ---------------------------------------------------------------------------

func TestRRFFuse_SingleListOrderPreserved(t *testing.T) {
	list := []RetrievalResult{
		vecResult("a", 0.5, ""),
		vecResult("b", 0.4, ""),
		vecResult("c", 0.3, ""),
	}
	fused := rrfFuse([][]RetrievalResult{list}, 60)
	require.Len(t, fused, 3)
	for i, res := range fused {
		assert.Equal(t, list[i].ID, res.ID)
		assert.InDelta(t, 1.0/float64(60+i+1), res.Score, 1e-12)
	}
}

func TestRRFFuse_SharedIDOutranksSingles(t *testing.T) {
	listA := []RetrievalResult{vecResult("shared", 0.9, ""), vecResult("only-a", 0.8, "")}
	listB := []RetrievalResult{graphResult("shared"), graphResult("only-b")}

	fused := rrfFuse([][]RetrievalResult{listA, listB}, 60)
	require.Len(t, fused, 3)
	assert.Equal(t, "shared", fused[0].ID)
	assert.Greater(t, fused[0].Score, fused[1].Score)
}

func TestRRFFuse_EmptyLists(t *testing.T) {
	assert.Empty(t, rrfFuse([][]RetrievalResult{{}, {}}, 60))
	assert.Empty(t, rrfFuse(nil, 60))
}
