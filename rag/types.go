// Package rag implements hybrid retrieval: vector-similarity and
// graph-traversal search fused into one ranked evidence list via
// reciprocal rank fusion.
package rag

import "context"

// Source labels which backend produced a retrieval result.
type Source string

const (
	SourceVector Source = "vector"
	SourceGraph  Source = "graph"
)

// RetrievalResult is one piece of evidence. Identity is ID; two results from
// different sources may share an ID and are deduplicated keeping the
// first-seen instance.
type RetrievalResult struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Score    float64           `json:"score"`
	Source   Source            `json:"source"`
	EntityID string            `json:"entity_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Citation ties a generated answer back to a source document.
type Citation struct {
	DocumentID string `json:"document_id"`
	ChunkID    string `json:"chunk_id,omitempty"`
	Snippet    string `json:"snippet,omitempty"`
	Source     Source `json:"source"`
}

// VectorSearch is the similarity search backend. Results are ordered by
// descending similarity and may carry an entity id linking into the graph.
type VectorSearch interface {
	Search(ctx context.Context, vector []float64, limit int) ([]RetrievalResult, error)
}

// GraphSearch expands from seed entities through the knowledge graph.
// Results are in traversal discovery order; scores are not meaningful and
// are set to 0.
type GraphSearch interface {
	Expand(ctx context.Context, entityIDs []string, hops int) ([]RetrievalResult, error)
}
