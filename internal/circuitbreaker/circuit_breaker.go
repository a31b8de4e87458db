// Package circuitbreaker guards the process's upstreams (the shared store,
// the message store, and provider HTTP endpoints) so a dead dependency fails
// fast instead of piling up blocked goroutines.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTooManyRequests    = errors.New("too many requests in half-open state")
)

// Config holds the thresholds for one breaker.
type Config struct {
	MaxRequests      uint32        // Max concurrent probes in half-open state
	Interval         time.Duration // Counter reset interval in closed state
	Timeout          time.Duration // Open -> half-open wait
	FailureThreshold uint32        // Consecutive failures that open the breaker
	SuccessThreshold uint32        // Consecutive successes that close it again
	OnStateChange    func(name string, from State, to State)
}

// DefaultConfig returns conservative thresholds suitable for most upstreams.
func DefaultConfig() Config {
	return Config{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// Counts holds the rolling statistics for the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreaker is a generation-counted breaker. Each state transition
// starts a new generation so results from calls that began under an older
// state cannot corrupt the counts of the current one.
type CircuitBreaker struct {
	name   string
	config Config
	logger *zap.Logger

	mutex      sync.RWMutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(name string, config Config, logger *zap.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		config: config,
		logger: logger,
		state:  StateClosed,
		expiry: time.Now().Add(config.Interval),
	}
}

// errAbandoned marks a call that panicked instead of returning.
var errAbandoned = errors.New("call abandoned")

// Execute runs fn if the breaker admits the call. A panic in fn is recorded
// as a failure before it propagates.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	gen, err := cb.admit()
	if err != nil {
		return err
	}

	settled := false
	defer func() {
		if !settled {
			cb.settle(gen, errAbandoned)
		}
	}()

	err = fn()
	settled = true
	cb.settle(gen, err)
	return err
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.state
}

// Counts returns the current generation's statistics.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.counts
}

// admit decides whether a call may proceed and pins it to the generation
// that admitted it.
func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state, gen := cb.refresh(time.Now())
	switch {
	case state == StateOpen:
		return gen, ErrCircuitBreakerOpen
	case state == StateHalfOpen && cb.counts.Requests >= cb.config.MaxRequests:
		return gen, ErrTooManyRequests
	}

	cb.counts.Requests++
	return gen, nil
}

// settle records a call's outcome. Outcomes from an earlier generation are
// dropped: the state that admitted them no longer exists.
func (cb *CircuitBreaker) settle(gen uint64, callErr error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	state, current := cb.refresh(now)
	if current != gen {
		return
	}

	if callErr != nil {
		cb.counts.TotalFailures++
		cb.counts.ConsecutiveFailures++
		cb.counts.ConsecutiveSuccesses = 0
		if state == StateHalfOpen ||
			cb.counts.ConsecutiveFailures >= cb.config.FailureThreshold {
			cb.transition(StateOpen, now)
		}
		return
	}

	cb.counts.TotalSuccesses++
	cb.counts.ConsecutiveSuccesses++
	cb.counts.ConsecutiveFailures = 0
	if state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.config.SuccessThreshold {
		cb.transition(StateClosed, now)
	}
}

// refresh applies any transition owed to the passage of time and reports
// the state and generation a call should be attributed to. Callers hold the
// write lock.
func (cb *CircuitBreaker) refresh(now time.Time) (State, uint64) {
	expired := !cb.expiry.IsZero() && cb.expiry.Before(now)
	if expired {
		switch cb.state {
		case StateOpen:
			cb.transition(StateHalfOpen, now)
		case StateClosed:
			cb.nextGeneration(now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	if cb.state == to {
		return
	}

	from := cb.state
	cb.state = to
	cb.nextGeneration(now)

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, from, to)
	}
	cb.logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
}

// nextGeneration wipes the counts and schedules the next timed transition:
// closed breakers reset counters every Interval, open breakers probe after
// Timeout, half-open breakers wait on outcomes alone.
func (cb *CircuitBreaker) nextGeneration(now time.Time) {
	cb.generation++
	cb.counts = Counts{}

	cb.expiry = time.Time{}
	switch cb.state {
	case StateClosed:
		if cb.config.Interval > 0 {
			cb.expiry = now.Add(cb.config.Interval)
		}
	case StateOpen:
		cb.expiry = now.Add(cb.config.Timeout)
	}
}
