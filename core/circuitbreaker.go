package core

import (
	"context"
	"sync"
	"time"
)

// CircuitBreaker protects an agent dispatch from cascading failures.
// States: closed (normal), open (fail fast), half-open (probe).
type CircuitBreaker interface {
	Execute(ctx context.Context, fn func() error) error
	ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error
	State() string
	Reset()
}

// CircuitBreakerConfig tunes the failure/recovery thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

type cbState int

const (
	cbClosed cbState = iota
	cbOpen
	cbHalfOpen
)

// SimpleCircuitBreaker is an in-memory, per-agent circuit breaker
// implementing the closed/open/half-open state machine.
type SimpleCircuitBreaker struct {
	name   string
	cfg    CircuitBreakerConfig
	logger Logger

	mu          sync.Mutex
	state       cbState
	failures    int
	lastOpenAt  time.Time
	halfOpenTry bool
}

// NewCircuitBreaker builds a SimpleCircuitBreaker with the given name
// (used only for logging) and config. A nil logger is replaced with
// NoopLogger.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig, logger Logger) *SimpleCircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = NoopLogger{}
	}
	return &SimpleCircuitBreaker{name: name, cfg: cfg, logger: logger}
}

func (cb *SimpleCircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

func (cb *SimpleCircuitBreaker) stateLocked() string {
	switch cb.state {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

func (cb *SimpleCircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = cbClosed
	cb.failures = 0
	cb.halfOpenTry = false
}

// Execute runs fn, tripping the breaker after FailureThreshold
// consecutive failures and allowing one probe call after
// RecoveryTimeout has elapsed.
func (cb *SimpleCircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.allow() {
		cb.logger.Warn("circuit breaker rejected call", map[string]interface{}{
			"breaker": cb.name,
			"state":   "open",
		})
		return ErrCircuitOpen
	}

	err := fn()
	cb.record(err)
	return err
}

// ExecuteWithTimeout runs fn under both the breaker and a context
// deadline derived from timeout.
func (cb *SimpleCircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	if timeout <= 0 {
		return cb.Execute(ctx, fn)
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return cb.Execute(ctx, func() error {
		done := make(chan error, 1)
		go func() {
			done <- fn()
		}()
		select {
		case err := <-done:
			return err
		case <-tctx.Done():
			return tctx.Err()
		}
	})
}

func (cb *SimpleCircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case cbClosed:
		return true
	case cbOpen:
		if time.Since(cb.lastOpenAt) >= cb.cfg.RecoveryTimeout {
			cb.state = cbHalfOpen
			cb.halfOpenTry = true
			return true
		}
		return false
	case cbHalfOpen:
		if cb.halfOpenTry {
			return false // only one probe in flight at a time
		}
		cb.halfOpenTry = true
		return true
	}
	return true
}

func (cb *SimpleCircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failures = 0
		cb.halfOpenTry = false
		cb.state = cbClosed
		return
	}

	cb.halfOpenTry = false
	if cb.state == cbHalfOpen {
		cb.state = cbOpen
		cb.lastOpenAt = time.Now()
		return
	}

	cb.failures++
	if cb.failures >= cb.cfg.FailureThreshold {
		cb.state = cbOpen
		cb.lastOpenAt = time.Now()
		cb.logger.Warn("circuit breaker tripped", map[string]interface{}{
			"breaker":  cb.name,
			"failures": cb.failures,
		})
	}
}

var _ CircuitBreaker = (*SimpleCircuitBreaker)(nil)
