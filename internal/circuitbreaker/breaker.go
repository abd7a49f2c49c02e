// Package circuitbreaker refuses implausible forecasts per ticker and stops
// submissions while the ledger keeps rejecting writes.
package circuitbreaker

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/vol-oracle/internal/aggregate"
	"github.com/yourorg/vol-oracle/internal/model"
)

var (
	// ErrCircuitOpen is returned while the breaker refuses submissions
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrThresholdViolation is returned when a forecast fails a sanity check
	ErrThresholdViolation = errors.New("forecast violates breaker thresholds")
)

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, no new submissions allowed
	StateHalfOpen              // Testing if the ledger has recovered
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

// Thresholds defines the limits that trip the breaker. Zero disables a check.
type Thresholds struct {
	// MaxVariance is the largest forecast value accepted
	MaxVariance float64 `json:"max_variance"`

	// MaxJump is the largest relative change of the mean forecast value
	// against the last accepted forecast for the ticker (0.5 for 50%)
	MaxJump float64 `json:"max_jump"`

	// MaxConsecutiveFailures is how many ledger rejections in a row open the circuit
	MaxConsecutiveFailures int `json:"max_consecutive_failures"`
}

// CircuitBreaker sits in front of ledger writes
type CircuitBreaker struct {
	thresholds Thresholds

	mu         sync.RWMutex
	state      State
	lastTrip   time.Time
	resetDelay time.Duration

	// mean of the last accepted forecast per ticker
	lastGood map[string]float64

	failures         int
	successCount     int
	successThreshold int

	onTripCallback func(reason string)
}

// New creates a new CircuitBreaker with the provided thresholds
func New(t Thresholds) *CircuitBreaker {
	return &CircuitBreaker{
		thresholds:       t,
		state:            StateClosed,
		resetDelay:       5 * time.Minute,
		successThreshold: 1,
		lastGood:         make(map[string]float64),
	}
}

// WithResetDelay sets how long the circuit stays open before a half-open attempt
func (cb *CircuitBreaker) WithResetDelay(delay time.Duration) *CircuitBreaker {
	cb.resetDelay = delay
	return cb
}

// WithSuccessThreshold sets the number of accepted writes needed to close a half-open circuit
func (cb *CircuitBreaker) WithSuccessThreshold(threshold int) *CircuitBreaker {
	cb.successThreshold = threshold
	return cb
}

// WithTripCallback sets a function called whenever the circuit trips
func (cb *CircuitBreaker) WithTripCallback(callback func(reason string)) *CircuitBreaker {
	cb.onTripCallback = callback
	return cb
}

// Check evaluates a forecast about to be submitted. It fails with
// ErrCircuitOpen while the circuit is open. An implausible forecast fails
// with ErrThresholdViolation and is refused on its own; only ledger
// rejections open the circuit.
func (cb *CircuitBreaker) Check(forecast model.ForecastSequence) error {
	cb.mu.RLock()
	state := cb.state
	lastTripTime := cb.lastTrip
	cb.mu.RUnlock()

	if state == StateOpen {
		if time.Since(lastTripTime) > cb.resetDelay {
			cb.transitionToHalfOpen()
		} else {
			return fmt.Errorf("%w: retry after %s", ErrCircuitOpen, lastTripTime.Add(cb.resetDelay).Format(time.RFC3339))
		}
	}

	cb.mu.RLock()
	defer cb.mu.RUnlock()

	values := forecast.Values()
	if len(values) == 0 {
		return fmt.Errorf("%w: empty forecast", ErrThresholdViolation)
	}

	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return cb.violation(fmt.Sprintf("value %d is %v", i, v))
		}
		if cb.thresholds.MaxVariance > 0 && v > cb.thresholds.MaxVariance {
			return cb.violation(fmt.Sprintf("value %d exceeds maximum: %f > %f", i, v, cb.thresholds.MaxVariance))
		}
	}

	if last, ok := cb.lastGood[model.NormalizeTicker(forecast.Ticker)]; ok && cb.thresholds.MaxJump > 0 && last > 0 {
		change := math.Abs(aggregate.Mean(values)-last) / last
		if change > cb.thresholds.MaxJump {
			return cb.violation(fmt.Sprintf("%s forecast moved %.2f%% against the last accepted (threshold: %.2f%%)",
				forecast.Ticker, change*100, cb.thresholds.MaxJump*100))
		}
	}

	logrus.WithField("ticker", forecast.Ticker).Debug("Circuit breaker checks passed")
	return nil
}

// RecordAccepted registers a forecast the ledger accepted
func (cb *CircuitBreaker) RecordAccepted(ticker string, values []float64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if len(values) > 0 {
		cb.lastGood[model.NormalizeTicker(ticker)] = aggregate.Mean(values)
	}
	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = StateClosed
			cb.successCount = 0
			logrus.Info("Circuit breaker closed: ledger has recovered")
		}
	}
}

// RecordRejection registers a write the ledger failed to include
func (cb *CircuitBreaker) RecordRejection(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.state == StateHalfOpen {
		cb.trip("ledger rejected write while half-open: " + reason)
		return
	}
	if cb.thresholds.MaxConsecutiveFailures > 0 && cb.failures >= cb.thresholds.MaxConsecutiveFailures {
		cb.trip(fmt.Sprintf("%d consecutive ledger rejections, last: %s", cb.failures, reason))
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forcibly resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.successCount = 0
	cb.failures = 0
	logrus.Info("Circuit breaker manually reset to closed state")
}

// LastGood returns the mean of the last accepted forecast for ticker
func (cb *CircuitBreaker) LastGood(ticker string) (float64, bool) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	v, ok := cb.lastGood[model.NormalizeTicker(ticker)]
	return v, ok
}

func (cb *CircuitBreaker) transitionToHalfOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen {
		cb.state = StateHalfOpen
		cb.successCount = 0
		logrus.Info("Circuit breaker half-open: testing ledger recovery")
	}
}

func (cb *CircuitBreaker) violation(reason string) error {
	logrus.Warnf("Forecast refused: %s", reason)
	return fmt.Errorf("%w: %s", ErrThresholdViolation, reason)
}

// trip sets the circuit breaker to open state; caller holds cb.mu
func (cb *CircuitBreaker) trip(reason string) {
	cb.state = StateOpen
	cb.lastTrip = time.Now()
	cb.successCount = 0
	logrus.Warnf("Circuit breaker tripped: %s", reason)

	if cb.onTripCallback != nil {
		go cb.onTripCallback(reason)
	}
}
