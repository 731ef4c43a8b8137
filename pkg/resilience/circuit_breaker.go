package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// CircuitConfig configures a CircuitBreaker.
type CircuitConfig struct {
	MaxFailures   int
	Timeout       time.Duration
	HalfOpenMax   int
	OnStateChange func(from, to State)
}

// DefaultCircuitConfig returns sensible defaults.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{MaxFailures: 5, Timeout: 30 * time.Second, HalfOpenMax: 3}
}

// CircuitBreaker trips after MaxFailures consecutive failures and refuses
// calls for Timeout before allowing a bounded number of half-open probes.
// Used by the Remote Executor to stop re-dialing a machine whose SSH
// endpoint keeps failing, instead of hammering it with reconnect attempts.
type CircuitBreaker struct {
	mu           sync.RWMutex
	config       CircuitConfig
	state        State
	failures     int
	halfOpenReqs int
	lastFailure  time.Time
}

// NewCircuitBreaker creates a CircuitBreaker in the closed state.
func NewCircuitBreaker(cfg CircuitConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{config: cfg, state: StateClosed}
}

// Allow reports whether a call may proceed, transitioning open->half-open
// once Timeout has elapsed.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(c.lastFailure) >= c.config.Timeout {
			c.transition(StateHalfOpen)
			c.halfOpenReqs = 1
			return true
		}
		return false
	case StateHalfOpen:
		if c.halfOpenReqs >= c.config.HalfOpenMax {
			return false
		}
		c.halfOpenReqs++
		return true
	default:
		return true
	}
}

// Execute runs fn if Allow() permits it, recording success/failure.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !c.Allow() {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	if err != nil {
		c.recordFailure()
		return err
	}
	c.recordSuccess()
	return nil
}

func (c *CircuitBreaker) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastFailure = time.Now()
	switch c.state {
	case StateHalfOpen:
		c.transition(StateOpen)
	case StateClosed:
		c.failures++
		if c.failures >= c.config.MaxFailures {
			c.transition(StateOpen)
		}
	}
}

func (c *CircuitBreaker) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateHalfOpen:
		c.transition(StateClosed)
		c.failures = 0
	case StateClosed:
		c.failures = 0
	}
}

func (c *CircuitBreaker) transition(to State) {
	from := c.state
	c.state = to
	c.halfOpenReqs = 0
	if to == StateClosed {
		c.failures = 0
	}
	if c.config.OnStateChange != nil && from != to {
		c.config.OnStateChange(from, to)
	}
}

// State returns the current state.
func (c *CircuitBreaker) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}
