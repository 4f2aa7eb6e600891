package dispatcher

import (
	"sync"
	"time"
)

// cbState represents the state of a circuit breaker.
type cbState int

const (
	cbClosed cbState = iota
	cbOpen
	cbHalfOpen
)

// circuitBreaker implements a per-external-API circuit breaker with three
// states: Closed → Open (after failureThreshold consecutive failures),
// Open → HalfOpen (after resetTimeout elapses), HalfOpen → Closed (after
// halfOpenMax consecutive successes) or back to Open on failure.
type circuitBreaker struct {
	mu sync.Mutex

	state            cbState
	failureThreshold int
	resetTimeout     time.Duration
	halfOpenMax      int

	consecutiveFailures int
	halfOpenSuccesses   int
	lastFailureTime     time.Time
}

func newCircuitBreaker(failureThreshold int, resetTimeout time.Duration, halfOpenMax int) *circuitBreaker {
	return &circuitBreaker{
		state:            cbClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		halfOpenMax:      halfOpenMax,
	}
}

// allow reports whether a dispatch should be permitted through the circuit.
func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case cbClosed:
		return true
	case cbOpen:
		if time.Since(cb.lastFailureTime) >= cb.resetTimeout {
			cb.state = cbHalfOpen
			cb.halfOpenSuccesses = 0
			return true
		}
		return false
	case cbHalfOpen:
		return true
	default:
		return true
	}
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	if cb.state == cbHalfOpen {
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.halfOpenMax {
			cb.state = cbClosed
		}
	}
}

// snapshotState reports the breaker's current state as a float for gauge
// export: 0=closed, 1=open, 2=half-open.
func (cb *circuitBreaker) snapshotState() float64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return float64(cb.state)
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case cbClosed:
		if cb.consecutiveFailures >= cb.failureThreshold {
			cb.state = cbOpen
		}
	case cbHalfOpen:
		cb.state = cbOpen
		cb.halfOpenSuccesses = 0
	}
}

// circuitBreakerRegistry is a thread-safe, lazily-populated registry of
// per-external-model circuit breakers.
type circuitBreakerRegistry struct {
	mu sync.Mutex

	breakers         map[string]*circuitBreaker
	failureThreshold int
	resetTimeout     time.Duration
	halfOpenMax      int
}

func newCircuitBreakerRegistry(failureThreshold int, resetTimeout time.Duration, halfOpenMax int) *circuitBreakerRegistry {
	return &circuitBreakerRegistry{
		breakers:         make(map[string]*circuitBreaker),
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		halfOpenMax:      halfOpenMax,
	}
}

func (r *circuitBreakerRegistry) get(model string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[model]
	if !ok {
		cb = newCircuitBreaker(r.failureThreshold, r.resetTimeout, r.halfOpenMax)
		r.breakers[model] = cb
	}
	return cb
}
