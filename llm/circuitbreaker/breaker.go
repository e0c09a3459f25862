// Package circuitbreaker implements a per-provider failure gate with
// CLOSED / OPEN / HALF_OPEN phases. The OPEN → HALF_OPEN transition is lazy:
// it happens on the first phase read after the backoff deadline, so no
// background timer is needed.
package circuitbreaker

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Phase is the circuit phase.
type Phase int

const (
	// PhaseClosed allows calls (normal operation).
	PhaseClosed Phase = iota
	// PhaseOpen blocks calls until the backoff deadline passes.
	PhaseOpen
	// PhaseHalfOpen allows a trial probe; the next outcome resolves it.
	PhaseHalfOpen
)

func (p Phase) String() string {
	switch p {
	case PhaseClosed:
		return "closed"
	case PhaseOpen:
		return "open"
	case PhaseHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes one circuit.
type Config struct {
	// MaxFailures is the consecutive-failure count that opens the circuit.
	MaxFailures int

	// MaxBackoff caps the exponential backoff applied once open.
	MaxBackoff time.Duration

	// OnStateChange is invoked on every phase transition.
	OnStateChange func(from, to Phase)

	// Now and Jitter exist for deterministic tests. Now defaults to
	// time.Now; Jitter defaults to a uniform draw in [0.5, 1.5).
	Now    func() time.Time
	Jitter func() float64
}

// DefaultConfig returns the default circuit configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxFailures: 5,
		MaxBackoff:  60 * time.Second,
	}
}

// CircuitState tracks the failure history of one provider. All methods are
// safe for concurrent use; two concurrent failures must not corrupt the
// failure count.
type CircuitState struct {
	config *Config
	logger *zap.Logger

	mu          sync.Mutex
	phase       Phase
	failures    int
	lastFailure time.Time
	openUntil   time.Time
}

// Snapshot is a read-only view of a circuit, for health reporting.
type Snapshot struct {
	Phase       Phase     `json:"phase"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitzero"`
	OpenUntil   time.Time `json:"open_until,omitzero"`
}

// New creates a circuit in the CLOSED phase.
func New(config *Config, logger *zap.Logger) *CircuitState {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 60 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Jitter == nil {
		config.Jitter = func() float64 { return 0.5 + rand.Float64() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitState{
		config: config,
		logger: logger,
		phase:  PhaseClosed,
	}
}

// Phase returns the current phase, lazily moving OPEN to HALF_OPEN once the
// backoff deadline has passed.
func (c *CircuitState) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phaseLocked()
}

func (c *CircuitState) phaseLocked() Phase {
	if c.phase == PhaseOpen && !c.config.Now().Before(c.openUntil) {
		c.setPhaseLocked(PhaseHalfOpen)
		c.logger.Info("circuit entered half-open, next call is a probe")
	}
	return c.phase
}

// Available reports whether a call may be attempted (CLOSED or HALF_OPEN).
func (c *CircuitState) Available() bool {
	p := c.Phase()
	return p == PhaseClosed || p == PhaseHalfOpen
}

// RecordSuccess fully resets the circuit: failure count to zero, CLOSED.
func (c *CircuitState) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures = 0
	c.openUntil = time.Time{}
	if c.phase != PhaseClosed {
		c.logger.Info("circuit closed after success", zap.String("from", c.phase.String()))
	}
	c.setPhaseLocked(PhaseClosed)
}

// RecordFailure increments the failure count and, once it reaches
// MaxFailures, opens the circuit with exponential backoff:
//
//	backoff = min(2^(failures-maxFailures+1), maxBackoff) * jitter(0.5, 1.5)
//
// A failed HALF_OPEN probe re-opens through the same formula; the probe does
// not get a separate failure budget.
func (c *CircuitState) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures++
	c.lastFailure = c.config.Now()

	if c.failures < c.config.MaxFailures {
		return
	}

	exp := float64(c.failures - c.config.MaxFailures + 1)
	backoff := math.Min(math.Pow(2, exp), c.config.MaxBackoff.Seconds())
	backoff *= c.config.Jitter()
	c.openUntil = c.lastFailure.Add(time.Duration(backoff * float64(time.Second)))

	c.logger.Warn("circuit opened",
		zap.Int("failures", c.failures),
		zap.Int("max_failures", c.config.MaxFailures),
		zap.Time("open_until", c.openUntil),
	)
	c.setPhaseLocked(PhaseOpen)
}

// Snapshot returns a copy of the circuit's observable state.
func (c *CircuitState) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Phase:       c.phaseLocked(),
		Failures:    c.failures,
		LastFailure: c.lastFailure,
		OpenUntil:   c.openUntil,
	}
}

func (c *CircuitState) setPhaseLocked(next Phase) {
	if c.phase == next {
		return
	}
	prev := c.phase
	c.phase = next
	if c.config.OnStateChange != nil {
		go c.config.OnStateChange(prev, next)
	}
}
