package conn

import (
	"math"
	"math/rand"
	"time"
)

// backoff computes reconnect delays: exponential growth from base to max
// with up to 50% jitter. The attempt counter resets once a connection
// has stayed up long enough to count as stable.
type backoff struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

const stablePeriod = 60 * time.Second

func newBackoff(base, max time.Duration, maxAttempts int) *backoff {
	return &backoff{base: base, max: max, maxAttempts: maxAttempts}
}

// exhausted reports whether the retry budget is spent.
func (b *backoff) exhausted() bool {
	return b.maxAttempts > 0 && b.attempt >= b.maxAttempts
}

// markConnected records a successful (re)connect.
func (b *backoff) markConnected() {
	b.connectedAt = time.Now()
}

// next returns the delay before the upcoming attempt and advances the counter.
func (b *backoff) next() time.Duration {
	if !b.connectedAt.IsZero() && time.Since(b.connectedAt) > stablePeriod {
		b.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(b.base) * 0.5)
	delay := time.Duration(math.Min(
		float64(b.base)*math.Pow(2, float64(b.attempt))+float64(jitter),
		float64(b.max),
	))
	b.attempt++
	return delay
}
