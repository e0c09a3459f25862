// Package embedding provides the embedding client used by retrieval to turn
// text into vectors.
package embedding

import "context"

// Embedder turns text into dense vectors. Implementations must return
// vectors of a fixed dimensionality.
type Embedder interface {
	// EmbedQuery embeds a single search query.
	EmbedQuery(ctx context.Context, query string) ([]float64, error)

	// EmbedDocuments embeds a batch of documents, preserving order.
	EmbedDocuments(ctx context.Context, documents []string) ([][]float64, error)

	// Name returns the embedder name.
	Name() string

	// Dimensions returns the embedding dimensionality.
	Dimensions() int
}
