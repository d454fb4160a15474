// Package breaker implements the per-service circuit breaker gating calls to
// the downstream stage services. One Breaker instance is constructed per
// service at process start and passed into the stage client; state lives for
// the process lifetime and reinitializes to closed on restart.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"media-pipeline/internal/domain"
	"media-pipeline/internal/metrics"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

func (s State) gaugeValue() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	}
	return 0
}

// Settings tune one breaker instance.
type Settings struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before probing.
	RecoveryTimeout time.Duration
	// ProbeBudget is the number of half-open probe calls that must all
	// succeed before the breaker closes again.
	ProbeBudget int
}

// DefaultSettings mirror the configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		ProbeBudget:      3,
	}
}

// Breaker tracks consecutive failures for one downstream service and gates
// new calls through the closed / open / half-open states. All transitions
// happen under one mutex so concurrent flows never double-apply a transition.
//
// Only failures representing the service being unreachable or erroring may be
// recorded; validation failures and liveness probes must never touch it.
type Breaker struct {
	name     string
	settings Settings
	logger   *slog.Logger
	now      func() time.Time

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	halfOpenProbes      int
	halfOpenSuccesses   int
}

// New constructs a closed breaker for the named downstream service.
func New(name string, settings Settings, logger *slog.Logger) *Breaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = DefaultSettings().FailureThreshold
	}
	if settings.RecoveryTimeout <= 0 {
		settings.RecoveryTimeout = DefaultSettings().RecoveryTimeout
	}
	if settings.ProbeBudget <= 0 {
		settings.ProbeBudget = DefaultSettings().ProbeBudget
	}
	b := &Breaker{
		name:     name,
		settings: settings,
		logger:   logger.With("component", "breaker", "service", name),
		now:      time.Now,
	}
	b.transition(StateClosed)
	return b
}

// WithClock overrides the breaker's time source. Test hook.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	return b
}

// Allow reports whether a call on behalf of job work may proceed. When the
// breaker is open and the recovery timeout has not elapsed it returns a
// service-unavailable error without any network attempt; when the timeout has
// elapsed it admits a bounded number of half-open probes.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.settings.RecoveryTimeout {
			return domain.NewUnavailableError(b.name)
		}
		b.transition(StateHalfOpen)
		b.halfOpenProbes = 1
		return nil
	case StateHalfOpen:
		if b.halfOpenProbes >= b.settings.ProbeBudget {
			return domain.NewUnavailableError(b.name)
		}
		b.halfOpenProbes++
		return nil
	}
	return nil
}

// RecordSuccess resets the failure streak; in half-open it counts the probe
// and closes the breaker once the whole probe budget has succeeded.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	if b.state == StateHalfOpen {
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.settings.ProbeBudget {
			b.transition(StateClosed)
		}
	}
}

// RecordFailure counts one unreachable/erroring outcome. It opens the breaker
// when the consecutive-failure threshold is reached, and reopens it
// immediately on any half-open probe failure.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.open()
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.settings.FailureThreshold {
			b.open()
		}
	case StateOpen:
		// Late results from probes admitted just before opening.
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current failure streak.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// open must be called with the mutex held.
func (b *Breaker) open() {
	b.openedAt = b.now()
	b.transition(StateOpen)
}

// transition must be called with the mutex held.
func (b *Breaker) transition(next State) {
	prev := b.state
	b.state = next
	switch next {
	case StateClosed:
		b.consecutiveFailures = 0
		b.halfOpenProbes = 0
		b.halfOpenSuccesses = 0
	case StateHalfOpen:
		b.halfOpenProbes = 0
		b.halfOpenSuccesses = 0
	}
	metrics.BreakerState.WithLabelValues(b.name).Set(next.gaugeValue())
	if prev != "" && prev != next {
		b.logger.Warn("circuit breaker state change", "from", string(prev), "to", string(next), "consecutive_failures", b.consecutiveFailures)
	}
}
