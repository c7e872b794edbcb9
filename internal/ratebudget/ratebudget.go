// Package ratebudget implements the Rate Budget (C1): a per-provider
// sliding-window request counter that blocks or denies calls that would
// exceed the configured budget (§4.1).
//
// This mirrors the teacher's token-bucket rate limiter in shape — a
// per-key map guarded by a mutex — though there is no background sweeper:
// stale timestamps are dropped on each reservation. The algorithm itself
// is a sliding window of request
// timestamps, per §4.1, rather than a refilling bucket: the spec's
// invariant (§8.5, "over any window of W seconds, the number of
// successfully-acquired tickets for provider P does not exceed N(P)") is a
// property of the raw timestamp list, not of a token count.
package ratebudget

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/brightloom/voicefuse/internal/auditlog"
)

// Window is the sliding window width (§4.1: W = 60s).
const Window = 60 * time.Second

// Default per-provider capacities (§4.1).
const (
	DefaultDiarizationPerMinute  = 20
	DefaultTranscriptionPerMinute = 50
	DefaultCombinedPerMinute     = 100
)

var waitSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "voicefuse",
	Subsystem: "ratebudget",
	Name:      "acquire_wait_seconds",
	Help:      "Time spent waiting for a rate-budget ticket, by provider.",
	Buckets:   prometheus.DefBuckets,
}, []string{"provider"})

func init() {
	prometheus.MustRegister(waitSeconds)
}

// Ticket is an opaque acquisition receipt. release is a no-op per §4.1 —
// tickets exist only to structure the call site (acquire, do work,
// implicitly drop the ticket).
type Ticket struct{}

// Budget tracks sliding-window request counts for every provider it has
// seen. The zero value is not usable; construct with New.
type Budget struct {
	mu       sync.Mutex
	windows  map[string][]time.Time
	capacity map[string]int
	log      *logrus.Entry

	// Audit is optional. When set, Acquire additionally persists a
	// RateBudgetSample row for long-term throttling trends beyond what the
	// in-process Prometheus histogram retains across restarts.
	Audit *auditlog.Store
}

// New creates a Budget with the given per-provider capacities. Providers
// not present in capacities fall back to DefaultTranscriptionPerMinute.
func New(capacities map[string]int, log *logrus.Logger) *Budget {
	if log == nil {
		log = logrus.StandardLogger()
	}
	cap := make(map[string]int, len(capacities))
	for k, v := range capacities {
		cap[k] = v
	}
	b := &Budget{
		windows:  make(map[string][]time.Time),
		capacity: cap,
		log:      log.WithField("component", "ratebudget"),
	}
	return b
}

func (b *Budget) capacityFor(provider string) int {
	if n, ok := b.capacity[provider]; ok {
		return n
	}
	return DefaultTranscriptionPerMinute
}

// Acquire blocks until a call to provider is within budget, then returns a
// Ticket. It fails only when ctx is done while waiting, returning
// ctx.Err(); otherwise the only observable is wait time, recorded as a
// metric.
func (b *Budget) Acquire(ctx context.Context, provider string) (Ticket, error) {
	start := time.Now()
	throttled := false
	for {
		wait, ok := b.tryReserve(provider)
		if ok {
			elapsed := time.Since(start)
			waitSeconds.WithLabelValues(provider).Observe(elapsed.Seconds())
			b.recordSample(provider, elapsed, throttled)
			return Ticket{}, nil
		}
		throttled = true
		b.log.WithFields(logrus.Fields{"provider": provider, "wait_s": wait.Seconds()}).Debug("rate budget: waiting for window to free up")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Ticket{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// recordSample persists one RateBudgetSample row when Audit is configured.
// Called outside b.mu so a slow audit write never blocks concurrent
// Acquire/TryAcquire calls against the same or other providers.
func (b *Budget) recordSample(provider string, wait time.Duration, throttled bool) {
	if b.Audit == nil {
		return
	}
	sample := &auditlog.RateBudgetSample{
		Provider:   provider,
		WaitMS:     wait.Milliseconds(),
		Throttled:  throttled,
		RecordedAt: time.Now(),
	}
	if err := b.Audit.RecordRateBudgetSample(context.Background(), sample); err != nil {
		b.log.WithError(err).Warn("record rate budget sample")
	}
}

// TryAcquire is the non-blocking variant: it reserves a ticket if the
// budget currently allows it, or returns false without waiting.
func (b *Budget) TryAcquire(provider string) (Ticket, bool) {
	if _, ok := b.tryReserve(provider); ok {
		return Ticket{}, true
	}
	return Ticket{}, false
}

// tryReserve drops timestamps older than now-Window, and either records a
// new timestamp and returns (0, true), or returns the wait needed until the
// oldest timestamp ages out, with ok=false.
func (b *Budget) tryReserve(provider string) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-Window)
	ts := b.windows[provider]
	ts = dropOlderThan(ts, cutoff)

	n := b.capacityFor(provider)
	if len(ts) < n {
		ts = append(ts, now)
		b.windows[provider] = ts
		return 0, true
	}

	oldest := ts[0]
	b.windows[provider] = ts
	return oldest.Add(Window).Sub(now), false
}

func dropOlderThan(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}

// Release is a documented no-op; it exists only so call sites can pair
// Acquire with a deferred Release for readability, per §4.1.
func (b *Budget) Release(Ticket) {}
