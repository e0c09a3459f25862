// Package agent implements the query orchestration pipeline: an enum-driven
// state machine that plans a question into sub-questions, retrieves evidence,
// synthesizes a cited answer, scores it, and rewrites the question for
// another attempt when the score falls short.
package agent

import (
	"time"

	"github.com/BaSui01/graphmind/llm"
	"github.com/BaSui01/graphmind/rag"
)

// Stage identifies one step of the pipeline.
type Stage int

const (
	StagePlan Stage = iota
	StageRetrieve
	StageSynthesize
	StageEvaluate
	StageRewrite
	StagePass
)

func (s Stage) String() string {
	switch s {
	case StagePlan:
		return "plan"
	case StageRetrieve:
		return "retrieve"
	case StageSynthesize:
		return "synthesize"
	case StageEvaluate:
		return "evaluate"
	case StageRewrite:
		return "rewrite"
	case StagePass:
		return "pass"
	default:
		return "unknown"
	}
}

// State is the pipeline record threaded through the stage functions. Each
// stage takes a State by value and returns the updated copy, so stages stay
// independently testable.
type State struct {
	Question     string                `json:"question"`
	SubQuestions []string              `json:"sub_questions"`
	Documents    []rag.RetrievalResult `json:"documents"`
	Generation   string                `json:"generation"`
	Citations    []rag.Citation        `json:"citations"`
	EvalScore    float64               `json:"eval_score"`
	EvalFeedback string                `json:"eval_feedback"`
	RetryCount   int                   `json:"retry_count"`
	ProviderUsed string                `json:"provider_used"`
	Usage        llm.Usage             `json:"usage"`
}

// Result is the final outcome of one orchestrated query run.
type Result struct {
	Answer       string         `json:"answer"`
	Citations    []rag.Citation `json:"citations"`
	EvalScore    float64        `json:"eval_score"`
	EvalFeedback string         `json:"eval_feedback,omitempty"`
	RetryCount   int            `json:"retry_count"`
	ProviderUsed string         `json:"provider_used"`
	Usage        llm.Usage      `json:"usage"`
	Latency      time.Duration  `json:"latency_ms"`
}
