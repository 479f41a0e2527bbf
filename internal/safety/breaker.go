// Package safety guards automatic conversion: a run of failed flows
// trips the breaker so a misconfigured address or a disabled withdrawal
// cannot burn every subsequent deposit.
package safety

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"fiatbridge/internal/logging"
)

var ErrBreakerOpen = errors.New("flow breaker open")

type state string

const (
	stateClosed   state = "closed"
	stateOpen     state = "open"
	stateHalfOpen state = "half_open"
)

const defaultCooldown = 10 * time.Minute

type Breaker struct {
	enabled     bool
	maxFailures int
	cooldown    time.Duration

	mu       sync.Mutex
	state    state
	failures int
	openedAt time.Time
	openErr  error
	now      func() time.Time
}

func NewBreaker(enabled bool, maxFailures int) *Breaker {
	return &Breaker{
		enabled:     enabled,
		maxFailures: maxFailures,
		cooldown:    defaultCooldown,
		state:       stateClosed,
		now:         time.Now,
	}
}

func (b *Breaker) SetCooldown(d time.Duration) {
	if b == nil || d <= 0 {
		return
	}
	b.mu.Lock()
	b.cooldown = d
	b.mu.Unlock()
}

// Allow reports whether a new automatic flow may start. When the
// cooldown has elapsed the breaker half-opens to let one probe through.
func (b *Breaker) Allow() error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stateOpen {
		return nil
	}
	if b.cooldown > 0 && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = stateHalfOpen
		logging.Component("safety").Info("flow breaker half-open, allowing one probe")
		return nil
	}
	return b.openErr
}

// Record feeds one finished automatic flow into the breaker. A nil err
// closes it; the configured run of consecutive failures opens it.
func (b *Breaker) Record(err error) error {
	if b == nil || !b.enabled || b.maxFailures < 1 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.failures > 0 || b.state != stateClosed {
			logging.Component("safety").WithField("previous_failures", b.failures).Info("flow breaker recovered")
		}
		b.state = stateClosed
		b.failures = 0
		b.openErr = nil
		return nil
	}

	if b.state == stateHalfOpen {
		return b.tripLocked(err)
	}
	b.failures++
	if b.failures < b.maxFailures {
		return nil
	}
	return b.tripLocked(err)
}

func (b *Breaker) tripLocked(cause error) error {
	b.state = stateOpen
	b.openedAt = b.now().UTC()
	b.openErr = fmt.Errorf("%w: %d consecutive flow failures, last: %v", ErrBreakerOpen, b.failures, cause)
	logging.Component("safety").WithFields(logging.Fields{
		"failures": b.failures,
		"cooldown": b.cooldown.String(),
	}).Error("flow breaker tripped")
	return b.openErr
}

func (b *Breaker) Open() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateOpen
}
