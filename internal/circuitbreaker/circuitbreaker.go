// Package circuitbreaker guards chain RPC calls against cascading failures
// when the node is unhealthy.
package circuitbreaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
)

// ErrOpen is returned by Do while the circuit is open.
var ErrOpen = fmt.Errorf("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // normal operation, calls pass through
	StateOpen                  // calls fail fast
	StateHalfOpen              // probing whether the circuit can close
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

// Config holds the configuration for a circuit breaker
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening
	// the circuit
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes in half-open
	// state before closing the circuit
	SuccessThreshold int

	// Cooldown is how long the circuit stays open before moving to half-open
	Cooldown time.Duration
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern around arbitrary calls.
type Breaker struct {
	mu sync.Mutex

	config Config
	state  State

	consecutiveFailures  int
	consecutiveSuccesses int

	lastFailureTime time.Time
}

// New creates a circuit breaker with the given configuration
func New(config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}

	return &Breaker{
		config: config,
		state:  StateClosed,
	}
}

// Do runs fn if the circuit allows it, recording the outcome. While the
// circuit is open it returns ErrOpen without invoking fn.
func (b *Breaker) Do(fn func() error) error {
	if !b.allow() {
		return ErrOpen
	}
	err := fn()
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// State returns the current state of the circuit breaker
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// currentState returns the current state, moving from open to half-open
// once the cooldown elapses. Must be called with the lock held.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && time.Since(b.lastFailureTime) >= b.config.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateOpen:
		return false
	default:
		// Half-open lets a probe through; closed lets everything through.
		return true
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.consecutiveSuccesses++

	if b.currentState() == StateHalfOpen && b.consecutiveSuccesses >= b.config.SuccessThreshold {
		b.setState(StateClosed)
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveSuccesses = 0
	b.consecutiveFailures++
	b.lastFailureTime = time.Now()

	state := b.currentState()
	if state == StateHalfOpen || (state == StateClosed && b.consecutiveFailures >= b.config.FailureThreshold) {
		b.setState(StateOpen)
	}
}

// setState must be called with the lock held
func (b *Breaker) setState(next State) {
	if b.state == next {
		return
	}
	logger.WithFields(logger.Fields{
		"from": b.state.String(),
		"to":   next.String(),
	}).Info("circuit breaker: state changed")
	b.state = next
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
}
