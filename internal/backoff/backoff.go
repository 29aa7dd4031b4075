// Package backoff implements the reconnect backoff policy shared by the
// rendezvous dialects: min(attempt, cap) × unit, never exceeding max.
package backoff

import "time"

// Policy computes a capped linear backoff: unit × min(attempt, capAttempts).
// Reconnect() can be called as many times as needed; Reset() clears the
// attempt counter after a successful connection.
type Policy struct {
	Unit        time.Duration
	CapAttempts int
	Max         time.Duration

	attempt int
}

// NewPolicy returns a Policy with the given unit, attempt cap, and ceiling.
func NewPolicy(unit time.Duration, capAttempts int, max time.Duration) *Policy {
	return &Policy{Unit: unit, CapAttempts: capAttempts, Max: max}
}

// Next returns the delay before the next reconnect attempt and advances
// the internal counter.
func (p *Policy) Next() time.Duration {
	p.attempt++
	n := p.attempt
	if n > p.CapAttempts {
		n = p.CapAttempts
	}
	d := p.Unit * time.Duration(n)
	if d > p.Max {
		d = p.Max
	}
	return d
}

// Reset clears the attempt counter.
func (p *Policy) Reset() {
	p.attempt = 0
}

// Attempts returns the number of Next() calls since the last Reset.
func (p *Policy) Attempts() int {
	return p.attempt
}
