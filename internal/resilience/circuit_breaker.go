// Package resilience adapts the teacher's hand-rolled circuit breaker and
// worker pool (internal/aws/circuit_breaker.go, the WorkerPool embedded in
// internal/aws/stream_manager.go) from guarding AWS calls to guarding the
// Translation Pipeline's and STT Session Manager's outbound HTTP/WebSocket
// calls.
package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/g0v/realtime-relay/internal/logging"
)

// State is one of the three circuit breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// ErrCircuitOpen is returned by Execute when the breaker is open and the
// cooldown has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Config tunes a CircuitBreaker's trip/recovery thresholds.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	CooldownPeriod   time.Duration
	MaxHalfOpen      int
}

// DefaultConfig mirrors the teacher's DefaultCircuitBreakerConfig.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		CooldownPeriod:   30 * time.Second,
		MaxHalfOpen:      1,
	}
}

// CircuitBreaker protects a single outbound dependency (the LLM endpoint,
// the STT token endpoint, the YouTube oracle).
type CircuitBreaker struct {
	name string
	cfg  Config

	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	halfOpenInFlight int
	openedAt        time.Time
}

// New constructs a CircuitBreaker in the closed state.
func New(name string, cfg Config) *CircuitBreaker {
	return &CircuitBreaker{name: name, cfg: cfg, state: StateClosed}
}

// Execute runs fn if the breaker allows it, recording the outcome.
func (b *CircuitBreaker) Execute(fn func() error) error {
	if !b.allowRequest() {
		return ErrCircuitOpen
	}
	err := fn()
	if err != nil {
		b.recordFailure()
	} else {
		b.recordSuccess()
	}
	return err
}

func (b *CircuitBreaker) allowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.CooldownPeriod {
			b.state = StateHalfOpen
			b.successes = 0
			b.halfOpenInFlight = 0
		} else {
			return false
		}
		fallthrough
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.MaxHalfOpen {
			return false
		}
		b.halfOpenInFlight++
		return true
	}
	return false
}

func (b *CircuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.tripLocked()
		return
	}
	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.tripLocked()
	}
}

func (b *CircuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.halfOpenInFlight--
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.resetLocked()
		}
		return
	}
	b.failures = 0
}

func (b *CircuitBreaker) tripLocked() {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.failures = 0
	b.halfOpenInFlight = 0
	logging.Tag("circuit-breaker").Sugar().Warnw("breaker tripped", "name", b.name)
}

func (b *CircuitBreaker) resetLocked() {
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.halfOpenInFlight = 0
}

// Stats reports the breaker's current state for diagnostics.
func (b *CircuitBreaker) Stats() (State, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.failures
}
