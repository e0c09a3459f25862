// Package cost accumulates per-provider token usage across queries. When a
// provider does not report usage, token counts are estimated with tiktoken,
// falling back to a length heuristic if the encoding is unavailable.
package cost

import (
	"sort"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/BaSui01/graphmind/llm"
)

// Totals is the accumulated usage for one provider.
type Totals struct {
	Queries          int64 `json:"queries"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Tracker accumulates usage per provider. Safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	totals map[string]Totals
	logger *zap.Logger

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// NewTracker creates an empty tracker.
func NewTracker(logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		totals: make(map[string]Totals),
		logger: logger.With(zap.String("component", "cost")),
	}
}

// Record accumulates one query's usage under the given provider.
func (t *Tracker) Record(provider string, usage llm.Usage) {
	if provider == "" {
		provider = "unknown"
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	totals := t.totals[provider]
	totals.Queries++
	totals.PromptTokens += int64(usage.PromptTokens)
	totals.CompletionTokens += int64(usage.CompletionTokens)
	totals.TotalTokens += int64(usage.TotalTokens)
	t.totals[provider] = totals
}

// Estimate builds a usage record from raw text for providers that report no
// token counts.
func (t *Tracker) Estimate(prompt, completion string) llm.Usage {
	p := t.countTokens(prompt)
	c := t.countTokens(completion)
	return llm.Usage{
		PromptTokens:     p,
		CompletionTokens: c,
		TotalTokens:      p + c,
	}
}

// Totals returns the accumulated usage for one provider.
func (t *Tracker) Totals(provider string) Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals[provider]
}

// Snapshot returns a copy of all per-provider totals.
func (t *Tracker) Snapshot() map[string]Totals {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]Totals, len(t.totals))
	for provider, totals := range t.totals {
		out[provider] = totals
	}
	return out
}

// Providers returns the tracked provider names, sorted.
func (t *Tracker) Providers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.totals))
	for provider := range t.totals {
		names = append(names, provider)
	}
	sort.Strings(names)
	return names
}

func (t *Tracker) countTokens(text string) int {
	if text == "" {
		return 0
	}
	t.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			t.logger.Warn("tiktoken unavailable, using length heuristic", zap.Error(err))
			return
		}
		t.enc = enc
	})
	if t.enc == nil {
		// Rough heuristic: one token per four bytes.
		return (len(text) + 3) / 4
	}
	return len(t.enc.Encode(text, nil, nil))
}
