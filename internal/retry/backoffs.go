package retry

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// quotaBackoff implements §4.2's RateLimited policy:
// wait_k = min(base·2^k, cap) + U(0, base), base=1s, cap=30s, K_quota=8.
type quotaBackoff struct {
	base, cap time.Duration
	attempt   int
}

func newQuotaBackoff() *quotaBackoff {
	return &quotaBackoff{base: time.Second, cap: 30 * time.Second}
}

func (b *quotaBackoff) NextBackOff() time.Duration {
	expo := b.base * (1 << uint(b.attempt))
	if expo > b.cap {
		expo = b.cap
	}
	b.attempt++
	jitter := time.Duration(rand.Int64N(int64(b.base)))
	return expo + jitter
}

// fixedSequenceBackoff replays a literal list of delays, then signals stop.
// Used for §4.2's TransientNetwork (0.5s,1s,2s) and Other (2s,4s,8s) policies,
// both of which are small fixed sequences rather than a formula.
type fixedSequenceBackoff struct {
	delays []time.Duration
	idx    int
}

func newFixedSequenceBackoff(delays ...time.Duration) *fixedSequenceBackoff {
	return &fixedSequenceBackoff{delays: delays}
}

func (b *fixedSequenceBackoff) NextBackOff() time.Duration {
	if b.idx >= len(b.delays) {
		return backoff.Stop
	}
	d := b.delays[b.idx]
	b.idx++
	return d
}

var (
	_ backoff.BackOff = (*quotaBackoff)(nil)
	_ backoff.BackOff = (*fixedSequenceBackoff)(nil)
)

func netBackoff() backoff.BackOff {
	return newFixedSequenceBackoff(500*time.Millisecond, time.Second, 2*time.Second)
}

func otherBackoff() backoff.BackOff {
	return newFixedSequenceBackoff(2*time.Second, 4*time.Second, 8*time.Second)
}
