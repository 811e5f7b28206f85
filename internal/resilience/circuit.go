// Package resilience provides circuit breaker, retry, and error classification
// for extraction strategies and AI calls.
package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state. Requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many recent failures. Requests are rejected immediately.
	CircuitOpen
	// CircuitHalfOpen allows a probe request to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of failures inside Window that opens
	// the circuit. Default: 5.
	FailureThreshold int

	// Window is how far back failures are counted. Default: 5m.
	Window time.Duration

	// ResetTimeout is how long after the last failure the circuit stays open
	// before transitioning to half-open. Default: 5m.
	ResetTimeout time.Duration

	// HalfOpenMaxProbes is the number of successful probes required in
	// half-open state before closing the circuit. Default: 1.
	HalfOpenMaxProbes int

	// OnStateChange is called when the circuit transitions between states.
	OnStateChange func(from, to CircuitState)

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// DefaultCircuitBreakerConfig returns the 5-failures-in-5-minutes policy.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		Window:            5 * time.Minute,
		ResetTimeout:      5 * time.Minute,
		HalfOpenMaxProbes: 1,
	}
}

// CircuitBreaker implements the circuit breaker pattern for a single strategy.
type CircuitBreaker struct {
	cfg   CircuitBreakerConfig
	mu    sync.Mutex
	state CircuitState

	failures          []time.Time
	lastFailureTime   time.Time
	halfOpenSuccesses int

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 5 * time.Minute
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = 1
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		cfg:     cfg,
		state:   CircuitClosed,
		nowFunc: now,
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.cooledDown() {
		return CircuitHalfOpen
	}
	return cb.state
}

// IsOpen reports whether calls are currently rejected.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == CircuitOpen
}

// Counters returns the failures inside the window and state for observability.
func (cb *CircuitBreaker) Counters() (recentFailures int, state CircuitState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.pruneLocked()
	return len(cb.failures), cb.state
}

// LastFailure returns the time of the most recent failure.
func (cb *CircuitBreaker) LastFailure() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastFailureTime
}

// Allow returns ErrCircuitOpen when the circuit rejects calls. An open circuit
// whose cooldown elapsed moves to half-open and lets the probe through.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if cb.cooledDown() {
			cb.transition(CircuitHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	case CircuitHalfOpen:
		return nil
	default:
		return nil
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.recordSuccessLocked()
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.recordFailureLocked()
}

func (cb *CircuitBreaker) recordSuccessLocked() {
	switch cb.state {
	case CircuitHalfOpen:
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.cfg.HalfOpenMaxProbes {
			cb.transition(CircuitClosed)
			cb.failures = nil
			cb.halfOpenSuccesses = 0
		}
	case CircuitOpen:
		// A success observed out of band still clears the breaker.
		cb.transition(CircuitClosed)
		cb.failures = nil
		cb.halfOpenSuccesses = 0
	case CircuitClosed:
		cb.failures = nil
	}
}

func (cb *CircuitBreaker) recordFailureLocked() {
	now := cb.nowFunc()
	cb.failures = append(cb.failures, now)
	cb.lastFailureTime = now
	cb.pruneLocked()

	switch cb.state {
	case CircuitClosed:
		if len(cb.failures) >= cb.cfg.FailureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		// Any failure in half-open reopens the circuit.
		cb.transition(CircuitOpen)
		cb.halfOpenSuccesses = 0
	}
}

func (cb *CircuitBreaker) pruneLocked() {
	cutoff := cb.nowFunc().Add(-cb.cfg.Window)
	i := sort.Search(len(cb.failures), func(i int) bool {
		return cb.failures[i].After(cutoff)
	})
	if i > 0 {
		cb.failures = append([]time.Time(nil), cb.failures[i:]...)
	}
}

func (cb *CircuitBreaker) cooledDown() bool {
	return cb.nowFunc().Sub(cb.lastFailureTime) >= cb.cfg.ResetTimeout
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}

// BreakerSnapshot is a serializable view of one breaker.
type BreakerSnapshot struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	FailureCount  int       `json:"failure_count"`
	LastFailureAt time.Time `json:"last_failure_at"`
}

// StrategyBreakers manages circuit breakers keyed by strategy name.
type StrategyBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      CircuitBreakerConfig
}

// NewStrategyBreakers creates a registry of per-strategy circuit breakers.
func NewStrategyBreakers(cfg CircuitBreakerConfig) *StrategyBreakers {
	return &StrategyBreakers{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
	}
}

// Get returns the circuit breaker for the named strategy, creating one if needed.
func (sb *StrategyBreakers) Get(name string) *CircuitBreaker {
	sb.mu.RLock()
	cb, ok := sb.breakers[name]
	sb.mu.RUnlock()
	if ok {
		return cb
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	// Double-check after acquiring write lock.
	if cb, ok = sb.breakers[name]; ok {
		return cb
	}
	cb = NewCircuitBreaker(sb.cfg)
	sb.breakers[name] = cb
	return cb
}

// IsOpen reports whether the named strategy is currently blocked.
func (sb *StrategyBreakers) IsOpen(name string) bool {
	return sb.Get(name).IsOpen()
}

// States returns a snapshot of all circuit breaker states.
func (sb *StrategyBreakers) States() map[string]CircuitState {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	states := make(map[string]CircuitState, len(sb.breakers))
	for name, cb := range sb.breakers {
		states[name] = cb.State()
	}
	return states
}

// Snapshot returns serializable breaker state sorted by name.
func (sb *StrategyBreakers) Snapshot() []BreakerSnapshot {
	sb.mu.RLock()
	names := make([]string, 0, len(sb.breakers))
	for name := range sb.breakers {
		names = append(names, name)
	}
	sb.mu.RUnlock()
	sort.Strings(names)

	out := make([]BreakerSnapshot, 0, len(names))
	for _, name := range names {
		cb := sb.Get(name)
		failures, _ := cb.Counters()
		out = append(out, BreakerSnapshot{
			Name:          name,
			State:         cb.State().String(),
			FailureCount:  failures,
			LastFailureAt: cb.LastFailure(),
		})
	}
	return out
}
