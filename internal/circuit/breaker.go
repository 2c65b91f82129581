// Package circuit implements the failure-containment guard for the
// prefetch scheduler: after a fixed number of consecutive failing runs the
// breaker opens and the guarded work is skipped until a cooldown elapses.
package circuit

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - requests pass through
	StateClosed State = iota
	// StateOpen - requests are rejected until the cooldown elapses
	StateOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpenState is returned when the circuit breaker is open
var ErrOpenState = errors.New("circuit breaker is open")

// Config contains circuit breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker
	FailureThreshold int `yaml:"failure_threshold"`

	// Cooldown is the open period after which the breaker resets to closed
	Cooldown time.Duration `yaml:"cooldown"`

	// OnStateChange is called when the state changes
	OnStateChange func(name string, from State, to State) `yaml:"-"`

	// Clock drives cooldown expiry; a fake clock makes tests instant
	Clock clockwork.Clock `yaml:"-"`
}

// Counts holds the failure accounting
type Counts struct {
	ConsecutiveFailures int        `json:"consecutive_failures"`
	TotalFailures       int        `json:"total_failures"`
	TotalSuccesses      int        `json:"total_successes"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
}

// Breaker implements the circuit breaker pattern with two states. It is
// owned by exactly one scheduler; the state is never shared.
type Breaker struct {
	name   string
	config Config
	clock  clockwork.Clock

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
}

// NewBreaker creates a new circuit breaker instance
func NewBreaker(name string, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Minute
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}

	return &Breaker{
		name:   name,
		config: config,
		clock:  config.Clock,
		state:  StateClosed,
	}
}

// Allow reports whether the guarded work may run. An open breaker whose
// cooldown has elapsed resets to closed and allows the call.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.clock.Now().Sub(b.openedAt) >= b.config.Cooldown {
			b.setState(StateClosed)
			b.counts.ConsecutiveFailures = 0
			b.counts.OpenedAt = nil
			return true
		}
		return false
	}
	return true
}

// RecordSuccess records a successful run and clears the failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts.TotalSuccesses++
	b.counts.ConsecutiveFailures = 0
}

// RecordFailure records a failing run; reaching the threshold opens the
// breaker and stamps the open time.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++

	if b.state == StateClosed && b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
		b.openedAt = b.clock.Now()
		openedAt := b.openedAt
		b.counts.OpenedAt = &openedAt
		b.setState(StateOpen)
	}
}

// State returns the current state, accounting for cooldown expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.clock.Now().Sub(b.openedAt) >= b.config.Cooldown {
		return StateClosed
	}
	return b.state
}

// GetCounts returns a copy of the current counts
func (b *Breaker) GetCounts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset resets the circuit breaker to its initial state
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts = Counts{}
	b.setState(StateClosed)
}

// Name returns the name of the circuit breaker
func (b *Breaker) Name() string {
	return b.name
}

// setState changes the state. Caller holds the lock.
func (b *Breaker) setState(state State) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}
