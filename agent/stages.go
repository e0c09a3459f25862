package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/graphmind/llm"
	"github.com/BaSui01/graphmind/rag"
)

// plan decomposes the current question into at most MaxSubQuestions
// sub-questions, one per response line. An unusable response falls back to
// the original question as the sole sub-question.
func (o *Orchestrator) plan(ctx context.Context, state State) (State, error) {
	res, err := o.generator.Generate(ctx, []llm.Message{
		llm.SystemMessage(plannerSystem),
		llm.UserMessage("Decompose this question:\n" + state.Question),
	}, llm.GenerateOptions{})
	if err != nil {
		return state, err
	}

	var subQuestions []string
	for _, line := range strings.Split(res.Text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			subQuestions = append(subQuestions, line)
		}
	}
	if len(subQuestions) == 0 {
		subQuestions = []string{state.Question}
	}
	if len(subQuestions) > o.config.MaxSubQuestions {
		subQuestions = subQuestions[:o.config.MaxSubQuestions]
	}

	o.logger.Debug("question decomposed", zap.Int("sub_questions", len(subQuestions)))
	state.SubQuestions = subQuestions
	return state, nil
}

// retrieve fans out across the deduplicated sub-questions concurrently and
// merges the results by id, keeping the first occurrence. New documents are
// appended to whatever the state already accumulated.
func (o *Orchestrator) retrieve(ctx context.Context, state State) (State, error) {
	subQuestions := dedupeStrings(state.SubQuestions)
	if len(subQuestions) == 0 {
		subQuestions = []string{state.Question}
	}

	perQuestion := make([][]rag.RetrievalResult, len(subQuestions))
	g, gctx := errgroup.WithContext(ctx)
	for i, subQ := range subQuestions {
		g.Go(func() error {
			results, err := o.retriever.Retrieve(gctx, subQ, o.config.TopN)
			if err != nil {
				return fmt.Errorf("retrieve %q: %w", subQ, err)
			}
			perQuestion[i] = results
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return state, err
	}

	seen := make(map[string]struct{}, len(state.Documents))
	for _, doc := range state.Documents {
		seen[doc.ID] = struct{}{}
	}
	merged := state.Documents
	for _, results := range perQuestion {
		for _, res := range results {
			if _, ok := seen[res.ID]; ok {
				continue
			}
			seen[res.ID] = struct{}{}
			merged = append(merged, res)
		}
	}

	o.logger.Debug("documents retrieved",
		zap.Int("sub_questions", len(subQuestions)),
		zap.Int("documents", len(merged)),
	)
	state.Documents = merged
	return state, nil
}

// synthesize generates a cited answer grounded in the top documents. With no
// documents it short-circuits to a fixed no-information answer without
// calling the dispatcher.
func (o *Orchestrator) synthesize(ctx context.Context, state State) (State, error) {
	if len(state.Documents) == 0 {
		state.Generation = noInformationAnswer
		state.Citations = nil
		return state, nil
	}

	docs := state.Documents
	if len(docs) > 10 {
		docs = docs[:10]
	}

	var contextParts []string
	for i, doc := range docs {
		sourceLabel := string(doc.Source)
		if sourceLabel == "" {
			sourceLabel = idPrefix(doc.ID)
		}
		contextParts = append(contextParts, fmt.Sprintf(
			"[Document %d | ID: %s | Source: %s]\n%s",
			i+1, idPrefix(doc.ID), sourceLabel, doc.Text,
		))
	}
	prompt := fmt.Sprintf("Question: %s\n\nDocuments:\n%s",
		state.Question, strings.Join(contextParts, "\n\n---\n\n"))

	res, err := o.generator.Generate(ctx, []llm.Message{
		llm.SystemMessage(synthesizerSystem),
		llm.UserMessage(prompt),
	}, llm.GenerateOptions{})
	if err != nil {
		return state, err
	}
	answer := strings.TrimSpace(res.Text)

	var citations []rag.Citation
	for _, doc := range docs {
		if !strings.Contains(answer, idPrefix(doc.ID)) {
			continue
		}
		documentID := doc.ID
		if id, ok := doc.Metadata["document_id"]; ok && id != "" {
			documentID = id
		}
		citations = append(citations, rag.Citation{
			DocumentID: documentID,
			ChunkID:    doc.ID,
			Snippet:    snippet(doc.Text, 200),
			Source:     doc.Source,
		})
	}

	o.logger.Debug("answer synthesized",
		zap.Int("citations", len(citations)),
		zap.String("provider", res.Provider),
	)
	state.Generation = answer
	state.Citations = citations
	state.ProviderUsed = res.Provider
	state.Usage.Add(res.Usage)
	return state, nil
}

// evalResponse is the strict JSON shape the evaluator prompt demands.
type evalResponse struct {
	Relevancy    float64 `json:"relevancy"`
	Groundedness float64 `json:"groundedness"`
	Completeness float64 `json:"completeness"`
	Feedback     string  `json:"feedback"`
}

// evaluate scores the answer on relevancy, groundedness and completeness
// weighted 0.4/0.4/0.2. A malformed evaluator response never fails the
// pipeline; it degrades to a neutral 0.5.
func (o *Orchestrator) evaluate(ctx context.Context, state State) (State, error) {
	if state.Generation == "" {
		state.EvalScore = 0
		state.EvalFeedback = "No generation to evaluate"
		return state, nil
	}

	var snippets []string
	docs := state.Documents
	if len(docs) > 5 {
		docs = docs[:5]
	}
	for _, doc := range docs {
		snippets = append(snippets, snippet(doc.Text, 300))
	}
	prompt := fmt.Sprintf("Question: %s\n\nAnswer: %s\n\nSource Documents:\n%s",
		state.Question, state.Generation, strings.Join(snippets, "\n---\n"))

	res, err := o.generator.Generate(ctx, []llm.Message{
		llm.SystemMessage(evaluatorSystem),
		llm.UserMessage(prompt),
	}, llm.GenerateOptions{})
	if err != nil {
		return state, err
	}
	state.Usage.Add(res.Usage)

	scores, ok := parseEvaluation(res.Text)
	if !ok {
		o.logger.Warn("failed to parse evaluator response",
			zap.String("raw", snippet(res.Text, 200)))
		state.EvalScore = 0.5
		state.EvalFeedback = parseFailureFeedback
		return state, nil
	}

	state.EvalScore = 0.4*scores.Relevancy + 0.4*scores.Groundedness + 0.2*scores.Completeness
	state.EvalFeedback = scores.Feedback
	o.logger.Debug("answer evaluated", zap.Float64("eval_score", state.EvalScore))
	return state, nil
}

// rewrite reformulates the question using the evaluator's feedback, resets
// the accumulated sub-questions and documents, and spends one retry.
func (o *Orchestrator) rewrite(ctx context.Context, state State) (State, error) {
	res, err := o.generator.Generate(ctx, []llm.Message{
		llm.SystemMessage(rewriteSystem),
		llm.UserMessage(fmt.Sprintf("Original: %s\nFeedback: %s", state.Question, state.EvalFeedback)),
	}, llm.GenerateOptions{})
	if err != nil {
		return state, err
	}

	newQuestion := strings.TrimSpace(res.Text)
	if newQuestion == "" {
		newQuestion = state.Question
	}
	o.logger.Debug("question rewritten",
		zap.String("question", newQuestion),
		zap.Int("retry_count", state.RetryCount+1),
	)

	state.Question = newQuestion
	state.SubQuestions = nil
	state.Documents = nil
	state.RetryCount++
	state.Usage.Add(res.Usage)
	return state, nil
}

// parseEvaluation parses the evaluator JSON, tolerating markdown code fences
// around it.
func parseEvaluation(raw string) (evalResponse, bool) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.Trim(cleaned, "`")
	cleaned = strings.TrimPrefix(cleaned, "json")
	cleaned = strings.TrimSpace(cleaned)

	var parsed evalResponse
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return evalResponse{}, false
	}
	return parsed, true
}

// idPrefix returns the truncated document id used in context blocks and
// citation matching.
func idPrefix(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func snippet(text string, limit int) string {
	if len(text) > limit {
		return text[:limit]
	}
	return text
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
