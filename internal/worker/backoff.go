package worker

import "time"

// Backoff yields exponentially growing delays: Initial, 2×Initial, ...
// capped at Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	attempt int
}

// Next returns the delay before the next attempt and advances.
func (b *Backoff) Next() time.Duration {
	d := b.Initial
	if d <= 0 {
		d = time.Second
	}
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			d = b.Max
			break
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	b.attempt++
	return d
}

// Attempts returns how many delays have been handed out since Reset.
func (b *Backoff) Attempts() int { return b.attempt }

// Reset starts over from Initial.
func (b *Backoff) Reset() { b.attempt = 0 }
