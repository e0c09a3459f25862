package llm

import "context"

// Provider is the unified adapter interface for one text-generation backend.
// Implementations live under llm/providers and are expected to be safe for
// concurrent use.
type Provider interface {
	// Generate performs a synchronous completion and returns the full text.
	Generate(ctx context.Context, messages []Message, opts GenerateOptions) (string, Usage, error)

	// GenerateStream starts a streaming completion. The returned channel is
	// closed after the final chunk. A synchronous error means the stream
	// could not be opened at all.
	GenerateStream(ctx context.Context, messages []Message, opts GenerateOptions) (<-chan StreamChunk, error)

	// Name returns the provider's unique identifier.
	Name() string
}
