package embedding

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/graphmind/llm"
	"github.com/BaSui01/graphmind/llm/providers"
)

// OllamaConfig configures the Ollama embedding client.
type OllamaConfig struct {
	// BaseURL is the Ollama server root. Defaults to "http://localhost:11434".
	BaseURL string

	// Model is the embedding model, e.g. "nomic-embed-text".
	Model string

	// Dimensions is the vector size the model produces.
	Dimensions int

	// Timeout is the HTTP client timeout. Defaults to 60s.
	Timeout time.Duration

	// MaxBatchSize caps how many texts go into a single request. Larger
	// inputs are split into sub-batches. Defaults to 32.
	MaxBatchSize int

	// MaxRetries is how many times a retryable failure is reattempted.
	// Defaults to 2.
	MaxRetries int

	// RequestsPerSecond paces outgoing requests. Zero disables pacing.
	RequestsPerSecond float64

	// CacheSize is the per-text LRU cache capacity. Defaults to 1024;
	// negative disables the cache.
	CacheSize int
}

// OllamaEmbedder embeds text via an Ollama server's /api/embed endpoint.
// Repeated inputs are served from an LRU cache keyed by model and text.
type OllamaEmbedder struct {
	cfg     OllamaConfig
	client  *http.Client
	cache   *lru.Cache[string, []float64]
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ Embedder = (*OllamaEmbedder)(nil)

// NewOllamaEmbedder creates an Ollama embedding client.
func NewOllamaEmbedder(cfg OllamaConfig, logger *zap.Logger) (*OllamaEmbedder, error) {
	if cfg.Model == "" {
		return nil, errors.New("embedding model is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 32
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	} else if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &OllamaEmbedder{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "embedder"), zap.String("model", cfg.Model)),
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, []float64](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create embedding cache: %w", err)
		}
		e.cache = cache
	}
	if cfg.RequestsPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return e, nil
}

// Name returns the embedder name.
func (e *OllamaEmbedder) Name() string { return "ollama" }

// Dimensions returns the embedding dimensionality.
func (e *OllamaEmbedder) Dimensions() int { return e.cfg.Dimensions }

// EmbedQuery embeds a single search query.
func (e *OllamaEmbedder) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	vecs, err := e.EmbedDocuments(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedDocuments embeds documents in order. Cached texts are not re-sent;
// the remainder is fetched in sub-batches of at most MaxBatchSize.
func (e *OllamaEmbedder) EmbedDocuments(ctx context.Context, documents []string) ([][]float64, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	out := make([][]float64, len(documents))
	var missing []string
	var missingIdx []int
	for i, doc := range documents {
		if vec, ok := e.cacheGet(doc); ok {
			out[i] = vec
			continue
		}
		missing = append(missing, doc)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	for start := 0; start < len(missing); start += e.cfg.MaxBatchSize {
		end := min(start+e.cfg.MaxBatchSize, len(missing))
		vecs, err := e.embedBatch(ctx, missing[start:end])
		if err != nil {
			return nil, err
		}
		if len(vecs) != end-start {
			return nil, &llm.Error{
				Code:       llm.ErrUpstreamError,
				Message:    fmt.Sprintf("expected %d embeddings, got %d", end-start, len(vecs)),
				HTTPStatus: http.StatusBadGateway,
				Retryable:  true,
				Provider:   e.Name(),
			}
		}
		for j, vec := range vecs {
			out[missingIdx[start+j]] = vec
			e.cachePut(missing[start+j], vec)
		}
	}
	return out, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

func (e *OllamaEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			e.logger.Debug("retrying embedding request",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		vecs, err := e.doEmbed(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (e *OllamaEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float64, error) {
	payload, err := json.Marshal(embedRequest{Model: e.cfg.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	url := strings.TrimRight(e.cfg.BaseURL, "/") + "/api/embed"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, providers.NetworkError(err, e.Name())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := readErrorBody(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, e.Name())
	}

	var embedResp embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: e.Name(),
		}
	}
	if embedResp.Error != "" {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: embedResp.Error,
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: e.Name(),
		}
	}
	return embedResp.Embeddings, nil
}

func (e *OllamaEmbedder) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(e.cfg.Model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

func (e *OllamaEmbedder) cacheGet(text string) ([]float64, bool) {
	if e.cache == nil {
		return nil, false
	}
	return e.cache.Get(e.cacheKey(text))
}

func (e *OllamaEmbedder) cachePut(text string, vec []float64) {
	if e.cache != nil {
		e.cache.Add(e.cacheKey(text), vec)
	}
}

// backoffDelay returns 1s, 2s, 4s... with jitter, capped at 30s.
func backoffDelay(attempt int) time.Duration {
	delay := time.Second << (attempt - 1)
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

func isRetryable(err error) bool {
	var llmErr *llm.Error
	if errors.As(err, &llmErr) {
		return llmErr.Retryable
	}
	return false
}

func readErrorBody(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil {
		return "failed to read error response"
	}
	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error != "" {
		return errResp.Error
	}
	return string(data)
}
