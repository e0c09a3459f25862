// Package graphmind is the top-level entry point: an Engine that runs
// questions through the orchestration pipeline and layers answer caching,
// token accounting and audit persistence around it.
//
// Usage:
//
//	engine := graphmind.NewEngine(orchestrator,
//	    graphmind.WithCache(store, time.Hour),
//	    graphmind.WithCostTracker(tracker),
//	)
//	answer, err := engine.Answer(ctx, "what is raft?")
package graphmind

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/graphmind/agent"
	"github.com/BaSui01/graphmind/internal/audit"
	"github.com/BaSui01/graphmind/internal/cache"
	"github.com/BaSui01/graphmind/internal/cost"
	"github.com/BaSui01/graphmind/internal/metrics"
)

// Runner is the pipeline surface the engine wraps. *agent.Orchestrator
// satisfies it.
type Runner interface {
	Run(ctx context.Context, question string) (*agent.Result, error)
}

// Answer is a pipeline result plus engine-level bookkeeping.
type Answer struct {
	agent.Result
	CacheHit bool `json:"cache_hit"`
}

// Engine answers questions. All layers except the pipeline itself are
// optional; a bare Engine is just a pass-through.
type Engine struct {
	runner    Runner
	store     cache.Store
	cacheTTL  time.Duration
	tracker   *cost.Tracker
	audits    *audit.Store
	collector *metrics.Collector
	logger    *zap.Logger
	topN      int
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithCache serves repeated questions from the given store for ttl.
func WithCache(store cache.Store, ttl time.Duration) EngineOption {
	return func(e *Engine) {
		e.store = store
		e.cacheTTL = ttl
	}
}

// WithCostTracker accumulates per-provider token usage.
func WithCostTracker(t *cost.Tracker) EngineOption {
	return func(e *Engine) { e.tracker = t }
}

// WithAuditStore persists a record per answered question.
func WithAuditStore(s *audit.Store) EngineOption {
	return func(e *Engine) { e.audits = s }
}

// WithMetrics records cache outcomes into the Prometheus collector.
func WithMetrics(c *metrics.Collector) EngineOption {
	return func(e *Engine) { e.collector = c }
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithTopN sets the retrieval depth used in cache key derivation. It must
// match the pipeline's configured depth for cache keys to be meaningful.
func WithTopN(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.topN = n
		}
	}
}

// NewEngine wraps a pipeline runner.
func NewEngine(runner Runner, opts ...EngineOption) *Engine {
	e := &Engine{
		runner: runner,
		logger: zap.NewNop(),
		topN:   10,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "engine"))
	return e
}

// Answer runs one question through the pipeline, consulting the cache first.
// Cache and audit failures are logged but never fail the query.
func (e *Engine) Answer(ctx context.Context, question string) (*Answer, error) {
	key := cache.Key(question, e.topN)

	if e.store != nil {
		if cached, err := e.store.Get(ctx, key); err == nil {
			var answer Answer
			if err := json.Unmarshal(cached, &answer); err == nil {
				answer.CacheHit = true
				if e.collector != nil {
					e.collector.RecordCacheHit("answer")
				}
				e.logger.Info("answer served from cache", zap.String("key", key))
				e.record(ctx, question, &answer)
				return &answer, nil
			}
			e.logger.Warn("dropping undecodable cache entry", zap.String("key", key))
			_ = e.store.Delete(ctx, key)
		} else if cache.IsMiss(err) && e.collector != nil {
			e.collector.RecordCacheMiss("answer")
		}
	}

	result, err := e.runner.Run(ctx, question)
	if err != nil {
		return nil, err
	}
	answer := &Answer{Result: *result}

	if e.tracker != nil {
		usage := result.Usage
		if usage.TotalTokens == 0 {
			usage = e.tracker.Estimate(question, result.Answer)
			answer.Usage = usage
		}
		e.tracker.Record(result.ProviderUsed, usage)
	}

	if e.store != nil {
		if data, err := json.Marshal(answer); err == nil {
			if err := e.store.Set(ctx, key, data, e.cacheTTL); err != nil {
				e.logger.Warn("failed to cache answer", zap.Error(err))
			}
		}
	}

	e.record(ctx, question, answer)
	return answer, nil
}

// Costs returns the accumulated per-provider usage, or nil when no tracker is
// configured.
func (e *Engine) Costs() map[string]cost.Totals {
	if e.tracker == nil {
		return nil
	}
	return e.tracker.Snapshot()
}

// Close releases the cache and audit stores.
func (e *Engine) Close() error {
	var firstErr error
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			firstErr = err
		}
	}
	if e.audits != nil {
		if err := e.audits.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) record(ctx context.Context, question string, answer *Answer) {
	if e.audits == nil {
		return
	}
	rec := &audit.QueryRecord{
		Question:     question,
		Answer:       answer.Answer,
		EvalScore:    answer.EvalScore,
		EvalFeedback: answer.EvalFeedback,
		Provider:     answer.ProviderUsed,
		Retries:      answer.RetryCount,
		CacheHit:     answer.CacheHit,
		PromptTokens: answer.Usage.PromptTokens,
		OutputTokens: answer.Usage.CompletionTokens,
		TotalTokens:  answer.Usage.TotalTokens,
		LatencyMS:    answer.Latency.Milliseconds(),
	}
	if err := e.audits.Record(ctx, rec); err != nil {
		e.logger.Warn("failed to persist audit record", zap.Error(err))
	}
}
