package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/graphmind/llm"
	"github.com/BaSui01/graphmind/rag"
)

// fakeGenerator scripts the dispatcher per stage, identified by system
// prompt. Evaluator responses are consumed in order so tests can drive the
// retry loop through a fixed score sequence.
type fakeGenerator struct {
	mu sync.Mutex

	planResponse    string
	synthResponse   string
	evalResponses   []string
	rewriteResponse string

	err   error
	calls []string
	usage llm.Usage
}

func (g *fakeGenerator) Generate(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions) (*llm.GenerateResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}

	system := messages[0].Content
	var stage, text string
	switch {
	case system == plannerSystem:
		stage, text = "plan", g.planResponse
	case system == synthesizerSystem:
		stage, text = "synthesize", g.synthResponse
	case system == evaluatorSystem:
		stage = "evaluate"
		require.NotEmpty(nilT{}, g.evalResponses, "evaluator called more times than scripted")
		text = g.evalResponses[0]
		g.evalResponses = g.evalResponses[1:]
	case system == rewriteSystem:
		stage, text = "rewrite", g.rewriteResponse
	default:
		return nil, fmt.Errorf("unexpected system prompt: %.40s", system)
	}
	g.calls = append(g.calls, stage)
	return &llm.GenerateResult{Text: text, Provider: "stub-provider", Usage: g.usage}, nil
}

func (g *fakeGenerator) Primary() string { return "primary" }

func (g *fakeGenerator) stageCalls(stage string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c == stage {
			n++
		}
	}
	return n
}

// nilT satisfies require.TestingT for assertions inside the fake, where the
// real *testing.T is out of reach; a violation panics the test instead.
type nilT struct{}

func (nilT) Errorf(format string, args ...interface{}) { panic(fmt.Sprintf(format, args...)) }
func (nilT) FailNow()                                  { panic("assertion failed in fake generator") }

// fakeRetriever returns docsByAttempt[i] on the i-th retrieval round and
// records every query it was asked.
type fakeRetriever struct {
	mu            sync.Mutex
	docsByAttempt [][]rag.RetrievalResult
	attempt       int
	queries       []string
	err           error
}

func (r *fakeRetriever) Retrieve(ctx context.Context, query string, topN int) ([]rag.RetrievalResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.queries = append(r.queries, query)
	idx := r.attempt
	if idx >= len(r.docsByAttempt) {
		idx = len(r.docsByAttempt) - 1
	}
	if idx < 0 {
		return nil, nil
	}
	return r.docsByAttempt[idx], nil
}

// nextAttempt advances which document set Retrieve serves. Tests call it
// from the rewrite response hook path by wiring docsByAttempt per attempt;
// simpler flows use a single entry.
func (r *fakeRetriever) nextAttempt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt++
}

func doc(id string) rag.RetrievalResult {
	return rag.RetrievalResult{ID: id, Text: "content of " + id, Score: 0.9, Source: rag.SourceVector}
}

func evalJSON(score float64) string {
	return fmt.Sprintf(`{"relevancy": %.2f, "groundedness": %.2f, "completeness": %.2f, "feedback": "fb"}`, score, score, score)
}

func newTestOrchestrator(g *fakeGenerator, r Retriever, cfg Config) *Orchestrator {
	return NewOrchestrator(g, r, cfg, zap.NewNop())
}

// ---------------------------------------------------------------------------
// Happy path
// ---------------------------------------------------------------------------

func TestOrchestrator_SinglePass(t *testing.T) {
	gen := &fakeGenerator{
		planResponse:  "What is X?",
		synthResponse: "X is a thing [Source: aaaaaaaa]",
		evalResponses: []string{evalJSON(0.9)},
		usage:         llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
	ret := &fakeRetriever{docsByAttempt: [][]rag.RetrievalResult{{doc("aaaaaaaa-1111")}}}
	o := newTestOrchestrator(gen, ret, DefaultConfig())

	res, err := o.Run(context.Background(), "What is X?")
	require.NoError(t, err)
	assert.Equal(t, 0, res.RetryCount)
	assert.InDelta(t, 0.9, res.EvalScore, 1e-9)
	assert.Equal(t, "X is a thing [Source: aaaaaaaa]", res.Answer)
	assert.Equal(t, "stub-provider", res.ProviderUsed)
	require.Len(t, res.Citations, 1)
	assert.Equal(t, "aaaaaaaa-1111", res.Citations[0].ChunkID)

	// Exactly one pass through the four dispatcher-backed stages minus
	// retrieve (no rewrite).
	assert.Equal(t, 1, gen.stageCalls("plan"))
	assert.Equal(t, 1, gen.stageCalls("synthesize"))
	assert.Equal(t, 1, gen.stageCalls("evaluate"))
	assert.Equal(t, 0, gen.stageCalls("rewrite"))

	// Usage accumulates across synthesize and evaluate.
	assert.Equal(t, 30, res.Usage.TotalTokens)
	assert.Positive(t, res.Latency)
}

// ---------------------------------------------------------------------------
// Retry loop
// ---------------------------------------------------------------------------

func TestOrchestrator_RetriesThenPasses(t *testing.T) {
	gen := &fakeGenerator{
		planResponse:    "sub",
		synthResponse:   "answer",
		evalResponses:   []string{evalJSON(0.3), evalJSON(0.4), evalJSON(0.9)},
		rewriteResponse: "more specific question",
	}
	ret := &fakeRetriever{docsByAttempt: [][]rag.RetrievalResult{{doc("d1")}}}
	o := newTestOrchestrator(gen, ret, DefaultConfig())

	res, err := o.Run(context.Background(), "vague question")
	require.NoError(t, err)
	assert.Equal(t, 2, res.RetryCount)
	assert.InDelta(t, 0.9, res.EvalScore, 1e-9)
	assert.Equal(t, 2, gen.stageCalls("rewrite"))
	assert.Equal(t, 3, gen.stageCalls("plan"))
	assert.Equal(t, 3, gen.stageCalls("evaluate"))
}

func TestOrchestrator_RetryBudgetExhausted(t *testing.T) {
	gen := &fakeGenerator{
		planResponse:    "sub",
		synthResponse:   "answer",
		evalResponses:   []string{evalJSON(0.3), evalJSON(0.3), evalJSON(0.3)},
		rewriteResponse: "rewritten",
	}
	ret := &fakeRetriever{docsByAttempt: [][]rag.RetrievalResult{{doc("d1")}}}
	o := newTestOrchestrator(gen, ret, DefaultConfig())

	res, err := o.Run(context.Background(), "hard question")
	require.NoError(t, err)
	// Terminates in PASS at the cap; no third rewrite.
	assert.Equal(t, 2, res.RetryCount)
	assert.InDelta(t, 0.3, res.EvalScore, 1e-9)
	assert.Equal(t, 2, gen.stageCalls("rewrite"))
	assert.Equal(t, 3, gen.stageCalls("evaluate"))
}

func TestOrchestrator_RewriteResetsDocuments(t *testing.T) {
	// The synthesized answer cites both attempts' id prefixes. If rewrite
	// failed to reset the documents, the first attempt's doc would still be
	// around to match a citation.
	gen := &fakeGenerator{
		// Unusable plan output so retrieval queries track the (rewritten)
		// question itself.
		planResponse:    "",
		synthResponse:   "cites aaaaaaaa and bbbbbbbb",
		evalResponses:   []string{evalJSON(0.3), evalJSON(0.9)},
		rewriteResponse: "second attempt question",
	}
	ret := &fakeRetriever{docsByAttempt: [][]rag.RetrievalResult{
		{doc("aaaaaaaa-first")},
		{doc("bbbbbbbb-second")},
	}}
	o := newTestOrchestrator(gen, &attemptAdvancingRetriever{inner: ret}, DefaultConfig())

	res, err := o.Run(context.Background(), "question")
	require.NoError(t, err)
	assert.Equal(t, 1, res.RetryCount)
	require.Len(t, res.Citations, 1)
	assert.Equal(t, "bbbbbbbb-second", res.Citations[0].ChunkID)
}

// attemptAdvancingRetriever moves its inner retriever to the next document
// set whenever the query text changes, approximating one set per rewrite
// round.
type attemptAdvancingRetriever struct {
	mu        sync.Mutex
	inner     *fakeRetriever
	lastQuery string
}

func (r *attemptAdvancingRetriever) Retrieve(ctx context.Context, query string, topN int) ([]rag.RetrievalResult, error) {
	r.mu.Lock()
	if r.lastQuery != "" && r.lastQuery != query {
		r.inner.nextAttempt()
	}
	r.lastQuery = query
	r.mu.Unlock()
	return r.inner.Retrieve(ctx, query, topN)
}

// ---------------------------------------------------------------------------
// Stage behaviors
// ---------------------------------------------------------------------------

func TestOrchestrator_CitationExtraction(t *testing.T) {
	gen := &fakeGenerator{
		planResponse:  "sub",
		synthResponse: "Only the second doc matters [Source: bbbbbbbb]",
		evalResponses: []string{evalJSON(0.9)},
	}
	ret := &fakeRetriever{docsByAttempt: [][]rag.RetrievalResult{{
		doc("aaaaaaaa-1"), // retrieval rank 1, but never cited
		doc("bbbbbbbb-2"),
	}}}
	o := newTestOrchestrator(gen, ret, DefaultConfig())

	res, err := o.Run(context.Background(), "q")
	require.NoError(t, err)
	require.Len(t, res.Citations, 1)
	assert.Equal(t, "bbbbbbbb-2", res.Citations[0].ChunkID)
	assert.Equal(t, rag.SourceVector, res.Citations[0].Source)
}

func TestOrchestrator_NoDocumentsShortCircuit(t *testing.T) {
	gen := &fakeGenerator{
		planResponse:  "sub",
		evalResponses: []string{evalJSON(0.9)},
	}
	ret := &fakeRetriever{} // nothing to retrieve
	o := newTestOrchestrator(gen, ret, DefaultConfig())

	res, err := o.Run(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, noInformationAnswer, res.Answer)
	assert.Empty(t, res.Citations)
	// The synthesize stage never called the dispatcher.
	assert.Equal(t, 0, gen.stageCalls("synthesize"))
	// No dispatcher call recorded a provider, so the primary is reported.
	assert.Equal(t, "primary", res.ProviderUsed)
}

func TestOrchestrator_EvaluatorParseFallback(t *testing.T) {
	gen := &fakeGenerator{
		planResponse:  "sub",
		synthResponse: "answer",
		evalResponses: []string{"I think the answer is pretty good!"},
	}
	ret := &fakeRetriever{docsByAttempt: [][]rag.RetrievalResult{{doc("d1")}}}
	cfg := DefaultConfig()
	cfg.EvalThreshold = 0.5 // neutral fallback passes immediately
	o := newTestOrchestrator(gen, ret, cfg)

	res, err := o.Run(context.Background(), "q")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.EvalScore, 1e-9)
	assert.Equal(t, parseFailureFeedback, res.EvalFeedback)
	assert.Equal(t, 0, res.RetryCount)
}

func TestOrchestrator_PlanFallbackToOriginalQuestion(t *testing.T) {
	gen := &fakeGenerator{
		planResponse:  "   \n\n  ", // no usable lines
		synthResponse: "answer",
		evalResponses: []string{evalJSON(0.9)},
	}
	ret := &fakeRetriever{docsByAttempt: [][]rag.RetrievalResult{{doc("d1")}}}
	o := newTestOrchestrator(gen, ret, DefaultConfig())

	_, err := o.Run(context.Background(), "the original question")
	require.NoError(t, err)
	require.Len(t, ret.queries, 1)
	assert.Equal(t, "the original question", ret.queries[0])
}

func TestOrchestrator_PlanCapsAndRetrieveDedupes(t *testing.T) {
	gen := &fakeGenerator{
		planResponse:  "q1\nq1\nq2\nq3\nq4\nq5", // dup + over the cap
		synthResponse: "answer",
		evalResponses: []string{evalJSON(0.9)},
	}
	ret := &fakeRetriever{docsByAttempt: [][]rag.RetrievalResult{{doc("d1")}}}
	o := newTestOrchestrator(gen, ret, DefaultConfig())

	_, err := o.Run(context.Background(), "q")
	require.NoError(t, err)
	// Cap at 4 lines (q1, q1, q2, q3), then dedupe to 3 retrievals.
	assert.ElementsMatch(t, []string{"q1", "q2", "q3"}, ret.queries)
}

func TestOrchestrator_DocumentsMergeFirstSeenWins(t *testing.T) {
	gen := &fakeGenerator{
		planResponse:  "q1\nq2",
		synthResponse: "cites shared00 [Source: shared00]",
		evalResponses: []string{evalJSON(0.9)},
	}
	// Both sub-questions return the same id; it must appear once.
	ret := &fakeRetriever{docsByAttempt: [][]rag.RetrievalResult{{doc("shared00-x")}}}
	o := newTestOrchestrator(gen, ret, DefaultConfig())

	res, err := o.Run(context.Background(), "q")
	require.NoError(t, err)
	require.Len(t, res.Citations, 1)
}

// ---------------------------------------------------------------------------
// Error propagation
// ---------------------------------------------------------------------------

func TestOrchestrator_DispatcherErrorPropagates(t *testing.T) {
	gen := &fakeGenerator{err: &llm.ExhaustedError{LastErr: errors.New("all down")}}
	ret := &fakeRetriever{}
	o := newTestOrchestrator(gen, ret, DefaultConfig())

	_, err := o.Run(context.Background(), "q")
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrProvidersExhausted)
}

func TestOrchestrator_RetrieverErrorPropagates(t *testing.T) {
	gen := &fakeGenerator{planResponse: "sub"}
	ret := &fakeRetriever{err: errors.New("vector index down")}
	o := newTestOrchestrator(gen, ret, DefaultConfig())

	_, err := o.Run(context.Background(), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vector index down")
}

// ---------------------------------------------------------------------------
// Stage units
// ---------------------------------------------------------------------------

func TestEvaluate_EmptyGenerationScoresZero(t *testing.T) {
	gen := &fakeGenerator{}
	o := newTestOrchestrator(gen, &fakeRetriever{}, DefaultConfig())

	state, err := o.evaluate(context.Background(), State{Question: "q"})
	require.NoError(t, err)
	assert.Zero(t, state.EvalScore)
	assert.Equal(t, "No generation to evaluate", state.EvalFeedback)
	assert.Equal(t, 0, gen.stageCalls("evaluate"))
}

func TestParseEvaluation(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantOK   bool
		wantFeed string
	}{
		{
			name:     "plain json",
			raw:      `{"relevancy": 0.8, "groundedness": 0.9, "completeness": 0.7, "feedback": "solid"}`,
			wantOK:   true,
			wantFeed: "solid",
		},
		{
			name:     "fenced json",
			raw:      "```json\n{\"relevancy\": 1, \"groundedness\": 1, \"completeness\": 1, \"feedback\": \"ok\"}\n```",
			wantOK:   true,
			wantFeed: "ok",
		},
		{name: "prose", raw: "looks good to me", wantOK: false},
		{name: "empty", raw: "", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, ok := parseEvaluation(tt.raw)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantFeed, parsed.Feedback)
			}
		})
	}
}

func TestStageString(t *testing.T) {
	assert.Equal(t, "plan", StagePlan.String())
	assert.Equal(t, "retrieve", StageRetrieve.String())
	assert.Equal(t, "synthesize", StageSynthesize.String())
	assert.Equal(t, "evaluate", StageEvaluate.String())
	assert.Equal(t, "rewrite", StageRewrite.String())
	assert.Equal(t, "pass", StagePass.String())
}
