package backoff

import "time"

// Backoff tracks the current retry delay between an initial and a maximum
// bound. It is a plain state machine with no timers and is meant to be owned
// by a single goroutine.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

// New returns a Backoff whose delay starts at initial and doubles on each
// reported error up to max. A max below initial is raised to initial.
func New(initial, max time.Duration) *Backoff {
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max, current: initial}
}

// Duration returns the delay to wait before the next attempt.
func (b *Backoff) Duration() time.Duration {
	return b.current
}

// ReportError doubles the current delay, clamped to the maximum. A zero
// current delay is seeded with 1ms so that escalation still happens when the
// initial delay is zero.
func (b *Backoff) ReportError() {
	next := b.current * 2
	if b.current == 0 {
		next = time.Millisecond
	}
	if next > b.max {
		next = b.max
	}
	b.current = next
}

// ReportSuccess resets the delay to the initial value.
func (b *Backoff) ReportSuccess() {
	b.current = b.initial
}
