package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/graphmind/internal/metrics"
	"github.com/BaSui01/graphmind/llm/circuitbreaker"
)

// ErrProvidersExhausted signals that every configured provider was skipped or
// failed. It is the only dispatcher failure mode that should reach callers as
// an error; match it with errors.Is.
var ErrProvidersExhausted = errors.New("all llm providers exhausted")

// ExhaustedError wraps the last underlying provider failure observed before
// the cascade ran out.
type ExhaustedError struct {
	LastErr error
}

func (e *ExhaustedError) Error() string {
	if e.LastErr == nil {
		return "all llm providers exhausted (no provider available)"
	}
	return fmt.Sprintf("all llm providers exhausted, last error: %v", e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

func (e *ExhaustedError) Is(target error) bool { return target == ErrProvidersExhausted }

// GenerateResult is the outcome of a dispatched completion.
type GenerateResult struct {
	Text     string `json:"text"`
	Provider string `json:"provider"`
	Usage    Usage  `json:"usage"`
}

// DispatcherConfig tunes the dispatcher.
type DispatcherConfig struct {
	// CallTimeout bounds each individual provider call.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// Breaker configures the per-provider circuits.
	Breaker *circuitbreaker.Config `yaml:"-"`
}

// DefaultDispatcherConfig returns the default dispatcher configuration.
func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{
		CallTimeout: 30 * time.Second,
		Breaker:     circuitbreaker.DefaultConfig(),
	}
}

// Dispatcher tries an ordered list of providers and returns the first
// success. Each provider is guarded by an independent circuit breaker;
// providers whose circuit is open are skipped without being called. The
// dispatcher is long-lived and safe to share across concurrent queries.
type Dispatcher struct {
	providers []Provider
	circuits  map[string]*circuitbreaker.CircuitState
	metrics   *dispatchMetrics
	collector *metrics.Collector
	timeout   time.Duration
	logger    *zap.Logger
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithCollector mirrors call outcomes into the Prometheus collector.
func WithCollector(c *metrics.Collector) DispatcherOption {
	return func(d *Dispatcher) { d.collector = c }
}

// NewDispatcher creates a dispatcher over providers in fallback order. The
// order is fixed for the dispatcher's lifetime.
func NewDispatcher(providers []Provider, config *DispatcherConfig, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	if config == nil {
		config = DefaultDispatcherConfig()
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "llm_dispatcher"))

	d := &Dispatcher{
		providers: providers,
		circuits:  make(map[string]*circuitbreaker.CircuitState, len(providers)),
		metrics:   newDispatchMetrics(),
		timeout:   config.CallTimeout,
		logger:    logger,
	}
	for _, p := range providers {
		breakerCfg := config.Breaker
		if breakerCfg != nil {
			cfg := *breakerCfg // each provider gets its own circuit
			breakerCfg = &cfg
		}
		d.circuits[p.Name()] = circuitbreaker.New(breakerCfg, logger.With(zap.String("provider", p.Name())))
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Primary returns the name of the highest-priority provider, or "" when none
// are configured.
func (d *Dispatcher) Primary() string {
	if len(d.providers) == 0 {
		return ""
	}
	return d.providers[0].Name()
}

// Generate attempts each provider in priority order and returns the first
// successful completion. No further providers are tried after a success.
func (d *Dispatcher) Generate(ctx context.Context, messages []Message, opts GenerateOptions) (*GenerateResult, error) {
	var lastErr error

	for _, p := range d.providers {
		circuit := d.circuits[p.Name()]
		if !circuit.Available() {
			d.logger.Debug("circuit not available, skipping provider",
				zap.String("provider", p.Name()),
				zap.String("phase", circuit.Phase().String()),
			)
			continue
		}
		isProbe := circuit.Phase() == circuitbreaker.PhaseHalfOpen

		callCtx, cancel := context.WithTimeout(ctx, d.callTimeout(opts))
		start := time.Now()
		text, usage, err := p.Generate(callCtx, messages, opts)
		cancel()
		elapsed := time.Since(start)

		if err != nil {
			circuit.RecordFailure()
			d.record(p.Name(), elapsed, false, usage)
			if isProbe {
				d.logger.Warn("half-open probe failed, circuit re-opened",
					zap.String("provider", p.Name()))
			}
			d.logger.Warn("provider call failed",
				zap.String("provider", p.Name()),
				zap.Duration("elapsed", elapsed),
				zap.Error(err),
			)
			lastErr = err
			continue
		}

		circuit.RecordSuccess()
		d.record(p.Name(), elapsed, true, usage)
		if isProbe {
			d.logger.Info("half-open probe succeeded, circuit closed",
				zap.String("provider", p.Name()))
		}
		d.logger.Info("llm response",
			zap.String("provider", p.Name()),
			zap.Duration("elapsed", elapsed),
			zap.Int("total_tokens", usage.TotalTokens),
		)
		return &GenerateResult{Text: text, Provider: p.Name(), Usage: usage}, nil
	}

	return nil, &ExhaustedError{LastErr: lastErr}
}

// GenerateStream streams increments from the first available provider. There
// is no mid-stream failover: once a provider has emitted output, a later
// stream failure terminates the stream rather than restarting on the next
// provider. Circuit bookkeeping happens on stream completion or failure.
func (d *Dispatcher) GenerateStream(ctx context.Context, messages []Message, opts GenerateOptions) (<-chan StreamChunk, error) {
	out := make(chan StreamChunk)

	go func() {
		defer close(out)
		var lastErr error

		for _, p := range d.providers {
			circuit := d.circuits[p.Name()]
			if !circuit.Available() {
				continue
			}

			start := time.Now()
			ch, err := p.GenerateStream(ctx, messages, opts)
			if err != nil {
				circuit.RecordFailure()
				d.record(p.Name(), time.Since(start), false, Usage{})
				d.logger.Warn("provider stream failed to open",
					zap.String("provider", p.Name()), zap.Error(err))
				lastErr = err
				continue
			}

			emitted := false
			var streamErr error
			var usage Usage
			for chunk := range ch {
				if chunk.Err != nil {
					streamErr = chunk.Err
					break
				}
				if chunk.Usage != nil {
					usage = *chunk.Usage
				}
				if chunk.Delta == "" && !chunk.Done {
					continue
				}
				chunk.Provider = p.Name()
				if chunk.Delta != "" {
					emitted = true
				}
				select {
				case out <- chunk:
				case <-ctx.Done():
					circuit.RecordFailure()
					d.record(p.Name(), time.Since(start), false, usage)
					return
				}
			}

			if streamErr != nil {
				circuit.RecordFailure()
				d.record(p.Name(), time.Since(start), false, usage)
				d.logger.Warn("provider stream failed",
					zap.String("provider", p.Name()),
					zap.Bool("partial_output", emitted),
					zap.Error(streamErr),
				)
				if emitted {
					// Output already reached the caller; failing over
					// would duplicate it.
					out <- StreamChunk{Provider: p.Name(), Err: streamErr}
					return
				}
				lastErr = streamErr
				continue
			}

			circuit.RecordSuccess()
			d.record(p.Name(), time.Since(start), true, usage)
			return
		}

		out <- StreamChunk{Err: &ExhaustedError{LastErr: lastErr}}
	}()

	return out, nil
}

// CircuitStates reports the current circuit phase per provider, for health
// introspection.
func (d *Dispatcher) CircuitStates() map[string]string {
	states := make(map[string]string, len(d.circuits))
	for name, circuit := range d.circuits {
		states[name] = circuit.Phase().String()
	}
	return states
}

// MetricsSummary returns the cumulative per-provider call statistics.
func (d *Dispatcher) MetricsSummary() map[string]ProviderStats {
	return d.metrics.summary()
}

func (d *Dispatcher) callTimeout(opts GenerateOptions) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return d.timeout
}

func (d *Dispatcher) record(provider string, elapsed time.Duration, success bool, usage Usage) {
	d.metrics.record(provider, elapsed, success)
	if d.collector != nil {
		status := "success"
		if !success {
			status = "failure"
		}
		d.collector.RecordLLMRequest(provider, status, elapsed, usage.PromptTokens, usage.CompletionTokens)
	}
}
