package utils

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/xerrors"

	"github.com/LICODX/chunkproof/pkg/logging"
)

// ErrorRecovery retries an operation with exponential backoff.
type ErrorRecovery struct {
	maxRetries    int
	retryDelay    time.Duration
	maxDelay      time.Duration
	mu            sync.RWMutex
	errorHandlers map[string]func(error) error
	log           *logging.StructuredLogger
}

func NewErrorRecovery(maxRetries int, retryDelay time.Duration) *ErrorRecovery {
	return &ErrorRecovery{
		maxRetries:    maxRetries,
		retryDelay:    retryDelay,
		maxDelay:      30 * time.Second,
		errorHandlers: make(map[string]func(error) error),
		log:           logging.Component("recovery"),
	}
}

// permanentError ends RetryWithBackoff without further attempts.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Error handlers return it to stop
// the retry loop early.
func Permanent(err error) error {
	return &permanentError{err: err}
}

// RegisterHandler installs a fallback run after each failed attempt. A nil
// return from the handler counts as recovery and an error wrapped with
// Permanent stops the retries.
func (er *ErrorRecovery) RegisterHandler(component string, handler func(error) error) {
	er.mu.Lock()
	defer er.mu.Unlock()
	er.errorHandlers[component] = handler
}

func (er *ErrorRecovery) RetryWithBackoff(ctx context.Context, component string, operation func(context.Context) error) error {
	b := &backoff.Backoff{
		Min:    er.retryDelay,
		Max:    er.maxDelay,
		Factor: 2,
	}

	er.mu.RLock()
	handler := er.errorHandlers[component]
	er.mu.RUnlock()

	var lastErr error
	for attempt := 0; attempt <= er.maxRetries; attempt++ {
		if attempt > 0 {
			delay := b.Duration()
			er.log.DebugWithFields("retrying operation", map[string]interface{}{
				"target":  component,
				"attempt": attempt,
				"delay":   delay.String(),
			})
			select {
			case <-ctx.Done():
				return xerrors.Errorf("%s: retry aborted after %d attempts: %w", component, attempt, ctx.Err())
			case <-time.After(delay):
			}
		}

		err := operation(ctx)
		if err == nil {
			if attempt > 0 {
				er.log.InfoWithFields("recovered after retry", map[string]interface{}{
					"target":   component,
					"attempts": attempt,
				})
			}
			return nil
		}
		lastErr = err

		if handler != nil {
			handlerErr := handler(err)
			if handlerErr == nil {
				return nil
			}
			var perm *permanentError
			if xerrors.As(handlerErr, &perm) {
				return xerrors.Errorf("%s: gave up after %d attempts: %w", component, attempt+1, perm.err)
			}
		}
	}

	return xerrors.Errorf("operation failed after %d retries: %w", er.maxRetries, lastErr)
}

func RecoverFromPanic(component string) {
	if r := recover(); r != nil {
		logging.Component(component).ErrorWithFields("panic recovered", map[string]interface{}{
			"panic": r,
			"stack": string(debug.Stack()),
		})
	}
}

func SafeGoroutine(component string, fn func()) {
	go func() {
		defer RecoverFromPanic(component)
		fn()
	}()
}

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

var ErrBreakerOpen = xerrors.New("circuit breaker is open")

// CircuitBreaker stops calling a failing dependency until resetTimeout has
// passed, then lets a few trial calls through.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	mu            sync.Mutex
	failures      int
	lastFailTime  time.Time
	state         BreakerState
	halfOpenMax   int
	halfOpenTries int
	now           func() time.Time
	log           *logging.StructuredLogger
}

func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        BreakerClosed,
		halfOpenMax:  3,
		now:          time.Now,
		log:          logging.Component("breaker").WithField("breaker", name),
	}
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen {
		if cb.now().Sub(cb.lastFailTime) > cb.resetTimeout {
			cb.log.Info("circuit breaker open -> half-open")
			cb.state = BreakerHalfOpen
			cb.halfOpenTries = 0
		} else {
			return xerrors.Errorf("%s: %w", cb.name, ErrBreakerOpen)
		}
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailTime = cb.now()

		if cb.state == BreakerHalfOpen {
			cb.log.Warn("circuit breaker half-open -> open (trial call failed)")
			cb.state = BreakerOpen
			return
		}
		if cb.failures >= cb.maxFailures && cb.state != BreakerOpen {
			cb.log.WarnWithFields("circuit breaker closed -> open", map[string]interface{}{"failures": cb.failures})
			cb.state = BreakerOpen
		}
		return
	}

	switch cb.state {
	case BreakerHalfOpen:
		cb.halfOpenTries++
		if cb.halfOpenTries >= cb.halfOpenMax {
			cb.log.Info("circuit breaker half-open -> closed")
			cb.state = BreakerClosed
			cb.failures = 0
		}
	case BreakerClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) Call(operation func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := operation()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) GetState() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failures = 0
	cb.halfOpenTries = 0
}
