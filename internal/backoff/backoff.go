// Package backoff computes doubling retry delays.
package backoff

import "time"

// Backoff doubles from Base on every call to Next, capped at Max.
// It is not safe for concurrent use.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	attempt int
}

func New(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max}
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	if b.attempt > 30 {
		return b.Max
	}
	d := b.Base << b.attempt
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	b.attempt++
	return d
}

func (b *Backoff) Attempts() int { return b.attempt }

func (b *Backoff) Reset() {
	b.attempt = 0
}
