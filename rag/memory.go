package rag

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Document is one entry in the in-memory vector index.
type Document struct {
	ID        string
	Text      string
	EntityID  string
	Metadata  map[string]string
	Embedding []float64
}

// InMemoryVectorIndex is a cosine-similarity VectorSearch for tests and
// small corpora. Real deployments plug in an external vector engine.
type InMemoryVectorIndex struct {
	mu        sync.RWMutex
	documents []Document
	logger    *zap.Logger
}

var _ VectorSearch = (*InMemoryVectorIndex)(nil)

// NewInMemoryVectorIndex creates an empty in-memory vector index.
func NewInMemoryVectorIndex(logger *zap.Logger) *InMemoryVectorIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryVectorIndex{
		logger: logger.With(zap.String("component", "vector_index")),
	}
}

// Add stores documents in the index. Every document must carry an embedding.
func (s *InMemoryVectorIndex) Add(docs ...Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, doc := range docs {
		if len(doc.Embedding) == 0 {
			return fmt.Errorf("document %s has no embedding", doc.ID)
		}
		s.documents = append(s.documents, doc)
	}
	s.logger.Debug("documents indexed",
		zap.Int("count", len(docs)),
		zap.Int("total", len(s.documents)),
	)
	return nil
}

// Count returns the number of indexed documents.
func (s *InMemoryVectorIndex) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.documents)
}

// Search returns up to limit documents by descending cosine similarity.
func (s *InMemoryVectorIndex) Search(ctx context.Context, vector []float64, limit int) ([]RetrievalResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]RetrievalResult, 0, len(s.documents))
	for _, doc := range s.documents {
		results = append(results, RetrievalResult{
			ID:       doc.ID,
			Text:     doc.Text,
			Score:    cosineSimilarity(vector, doc.Embedding),
			Source:   SourceVector,
			EntityID: doc.EntityID,
			Metadata: doc.Metadata,
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Entity is one node of the in-memory knowledge graph.
type Entity struct {
	ID          string
	Name        string
	Description string
}

// InMemoryGraph is an adjacency-map GraphSearch for tests and small graphs.
type InMemoryGraph struct {
	mu        sync.RWMutex
	nodes     map[string]Entity
	neighbors map[string][]string
	logger    *zap.Logger
}

var _ GraphSearch = (*InMemoryGraph)(nil)

// NewInMemoryGraph creates an empty in-memory knowledge graph.
func NewInMemoryGraph(logger *zap.Logger) *InMemoryGraph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryGraph{
		nodes:     make(map[string]Entity),
		neighbors: make(map[string][]string),
		logger:    logger.With(zap.String("component", "knowledge_graph")),
	}
}

// AddEntity adds or replaces a node.
func (g *InMemoryGraph) AddEntity(e Entity) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[e.ID] = e
}

// AddRelation adds an undirected edge between two entities.
func (g *InMemoryGraph) AddRelation(fromID, toID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.neighbors[fromID] = append(g.neighbors[fromID], toID)
	g.neighbors[toID] = append(g.neighbors[toID], fromID)
}

// Expand walks breadth-first from the seed entities up to hops edges away
// and returns every connected node discovered, seeds included, in discovery
// order. Scores are 0; ranking is left to fusion.
func (g *InMemoryGraph) Expand(ctx context.Context, entityIDs []string, hops int) ([]RetrievalResult, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := make(map[string]struct{})
	var results []RetrievalResult
	frontier := make([]string, 0, len(entityIDs))

	visit := func(id string) {
		if _, ok := visited[id]; ok {
			return
		}
		visited[id] = struct{}{}
		node, ok := g.nodes[id]
		if !ok {
			return
		}
		if len(g.neighbors[id]) == 0 {
			return // isolated node, nothing to expand through
		}
		text := node.Name
		if node.Description != "" {
			text = node.Name + ": " + node.Description
		}
		results = append(results, RetrievalResult{
			ID:       node.ID,
			Text:     text,
			Score:    0,
			Source:   SourceGraph,
			EntityID: node.ID,
			Metadata: map[string]string{"name": node.Name},
		})
		frontier = append(frontier, id)
	}

	for _, id := range entityIDs {
		visit(id)
	}
	for depth := 0; depth < hops; depth++ {
		current := frontier
		frontier = nil
		for _, id := range current {
			for _, next := range g.neighbors[id] {
				visit(next)
			}
		}
	}
	return results, nil
}
