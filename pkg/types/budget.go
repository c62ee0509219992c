package types

import "time"

// TimeBudget is a single point-in-time cutoff computed once at the start of
// a top-level operation and checked at each blocking step. Nested calls
// share the same deadline and cannot individually extend it.
type TimeBudget struct {
	start    time.Time
	deadline time.Time
	now      func() time.Time
}

// NewTimeBudget creates a budget of the given duration starting now.
func NewTimeBudget(d time.Duration) TimeBudget {
	return newTimeBudget(time.Now, d)
}

// NewTimeBudgetWithClock creates a budget measured by the supplied clock.
// Used by tests to advance time deterministically.
func NewTimeBudgetWithClock(now func() time.Time, d time.Duration) TimeBudget {
	return newTimeBudget(now, d)
}

func newTimeBudget(now func() time.Time, d time.Duration) TimeBudget {
	start := now()
	return TimeBudget{start: start, deadline: start.Add(d), now: now}
}

// Deadline returns the absolute cutoff.
func (b TimeBudget) Deadline() time.Time {
	return b.deadline
}

// TimeLeft returns the remaining budget, never negative.
func (b TimeBudget) TimeLeft() time.Duration {
	left := b.deadline.Sub(b.clock()())
	if left < 0 {
		return 0
	}
	return left
}

// Expired reports whether the budget has been exhausted. The zero budget is
// always expired: callers must construct one explicitly.
func (b TimeBudget) Expired() bool {
	return !b.clock()().Before(b.deadline)
}

func (b TimeBudget) clock() func() time.Time {
	if b.now == nil {
		return time.Now
	}
	return b.now
}
