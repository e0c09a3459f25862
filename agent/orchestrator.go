package agent

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/graphmind/internal/metrics"
	"github.com/BaSui01/graphmind/llm"
	"github.com/BaSui01/graphmind/rag"
)

// Generator is the dispatcher surface the orchestrator depends on. The
// orchestrator never touches circuit state directly; all such bookkeeping
// lives behind this interface.
type Generator interface {
	Generate(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions) (*llm.GenerateResult, error)
	Primary() string
}

// Retriever is the evidence source for the retrieve stage.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topN int) ([]rag.RetrievalResult, error)
}

// Config tunes the orchestration loop.
type Config struct {
	// MaxRetries bounds how many rewrite rounds a query gets.
	MaxRetries int `yaml:"max_retries"`

	// EvalThreshold is the combined score at which an answer passes.
	EvalThreshold float64 `yaml:"eval_threshold"`

	// TopN is the per-sub-question retrieval depth.
	TopN int `yaml:"top_n"`

	// MaxSubQuestions caps plan decomposition.
	MaxSubQuestions int `yaml:"max_sub_questions"`
}

// DefaultConfig returns the default orchestration knobs.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      2,
		EvalThreshold:   0.7,
		TopN:            10,
		MaxSubQuestions: 4,
	}
}

func (c *Config) normalize() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.EvalThreshold <= 0 {
		c.EvalThreshold = 0.7
	}
	if c.TopN <= 0 {
		c.TopN = 10
	}
	if c.MaxSubQuestions <= 0 {
		c.MaxSubQuestions = 4
	}
}

// Orchestrator drives one query through the plan/retrieve/synthesize/
// evaluate/rewrite loop. It is long-lived and safe to share across
// concurrent queries: all per-query data lives in the State value.
type Orchestrator struct {
	generator Generator
	retriever Retriever
	config    Config
	logger    *zap.Logger
	collector *metrics.Collector
	tracer    trace.Tracer
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithCollector records stage transitions and query outcomes into the
// Prometheus collector.
func WithCollector(c *metrics.Collector) Option {
	return func(o *Orchestrator) { o.collector = c }
}

// WithTracer wraps every stage in a span.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// NewOrchestrator creates an orchestrator over the given dispatcher and
// retriever.
func NewOrchestrator(generator Generator, retriever Retriever, config Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	config.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		generator: generator,
		retriever: retriever,
		config:    config,
		logger:    logger.With(zap.String("component", "orchestrator")),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes the pipeline for one question. Only provider exhaustion
// surfaces as an error; every other failure mode degrades within the
// pipeline and still yields a Result.
func (o *Orchestrator) Run(ctx context.Context, question string) (*Result, error) {
	start := time.Now()
	state := State{Question: question}
	stage := StagePlan

	for stage != StagePass {
		next, updated, err := o.step(ctx, stage, state)
		if err != nil {
			return nil, err
		}
		o.recordTransition(stage, next)
		state = updated
		stage = next
	}

	latency := time.Since(start)
	if state.ProviderUsed == "" {
		state.ProviderUsed = o.generator.Primary()
	}
	if o.collector != nil {
		o.collector.RecordQueryOutcome(state.RetryCount, state.EvalScore)
	}
	o.logger.Info("query completed",
		zap.Duration("latency", latency),
		zap.Float64("eval_score", state.EvalScore),
		zap.Int("retries", state.RetryCount),
		zap.String("provider", state.ProviderUsed),
	)

	return &Result{
		Answer:       state.Generation,
		Citations:    state.Citations,
		EvalScore:    state.EvalScore,
		EvalFeedback: state.EvalFeedback,
		RetryCount:   state.RetryCount,
		ProviderUsed: state.ProviderUsed,
		Usage:        state.Usage,
		Latency:      latency,
	}, nil
}

// step runs one stage and returns the next stage plus the updated state.
// The switch is exhaustive over the non-terminal stages.
func (o *Orchestrator) step(ctx context.Context, stage Stage, state State) (Stage, State, error) {
	stageCtx := ctx
	var span trace.Span
	if o.tracer != nil {
		stageCtx, span = o.tracer.Start(ctx, "agent."+stage.String(),
			trace.WithAttributes(attribute.Int("retry_count", state.RetryCount)))
		defer span.End()
	}
	start := time.Now()
	defer func() {
		if o.collector != nil {
			o.collector.RecordStageDuration(stage.String(), time.Since(start))
		}
	}()

	var (
		next Stage
		out  State
		err  error
	)
	switch stage {
	case StagePlan:
		out, err = o.plan(stageCtx, state)
		next = StageRetrieve
	case StageRetrieve:
		out, err = o.retrieve(stageCtx, state)
		next = StageSynthesize
	case StageSynthesize:
		out, err = o.synthesize(stageCtx, state)
		next = StageEvaluate
	case StageEvaluate:
		out, err = o.evaluate(stageCtx, state)
		if err == nil {
			next = o.decide(out)
		}
	case StageRewrite:
		out, err = o.rewrite(stageCtx, state)
		next = StagePlan
	default:
		next = StagePass
		out = state
	}
	return next, out, err
}

// decide applies the transition rule after evaluation: pass at or above the
// threshold, pass anyway once the retry budget is spent, rewrite otherwise.
func (o *Orchestrator) decide(state State) Stage {
	if state.EvalScore >= o.config.EvalThreshold {
		return StagePass
	}
	if state.RetryCount >= o.config.MaxRetries {
		o.logger.Info("max retries reached, returning best attempt",
			zap.Float64("eval_score", state.EvalScore),
			zap.Int("retry_count", state.RetryCount),
		)
		return StagePass
	}
	o.logger.Info("score below threshold, rewriting",
		zap.Float64("eval_score", state.EvalScore),
		zap.Float64("threshold", o.config.EvalThreshold),
		zap.Int("retry_count", state.RetryCount),
		zap.Int("max_retries", o.config.MaxRetries),
	)
	return StageRewrite
}

func (o *Orchestrator) recordTransition(from, to Stage) {
	if o.collector != nil {
		o.collector.RecordStageTransition(from.String(), to.String())
	}
}
