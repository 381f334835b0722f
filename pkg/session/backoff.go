package session

import (
	"math/rand"
	"time"
)

// backoff produces capped, jittered doubling delays for reconnect attempts.
// Jitter avoids thundering-herd reconnection after a broker-side event.
type backoff struct {
	base    time.Duration
	cap     time.Duration
	attempt int
}

func newBackoff(base, cap time.Duration) *backoff {
	return &backoff{base: base, cap: cap}
}

// Next returns the next delay: min(cap, base*2^n) with up to 25% random
// jitter either way.
func (b *backoff) Next() time.Duration {
	d := b.base << b.attempt
	if d > b.cap || d <= 0 {
		d = b.cap
	} else {
		b.attempt++
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	return d + jitter
}
