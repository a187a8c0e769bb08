package transport

import "time"

// Backoff yields doubling reconnect delays capped at max. It is owned by the
// connection loop and is not safe for concurrent use.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	next    time.Duration
}

func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max, next: initial}
}

func (b *Backoff) Next() time.Duration {
	d := b.next
	b.next = min(b.next*2, b.max)
	return d
}

func (b *Backoff) Reset() { b.next = b.initial }
