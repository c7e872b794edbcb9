package retry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/brightloom/voicefuse/internal/auditlog"
	"github.com/brightloom/voicefuse/internal/pipeline"
)

const (
	kQuota = 8
	kNet   = 3
	kOther = 3
)

// Stats are the counters §4.2 requires: "attempts_total, attempts_by_class,
// retry_wait_total_seconds". These are the signals used to detect provider
// degradation.
type Stats struct {
	mu              sync.Mutex
	AttemptsTotal   int
	AttemptsByClass map[pipeline.ErrorKind]int
	RetryWaitTotal  time.Duration
}

func newStats() *Stats {
	return &Stats{AttemptsByClass: make(map[pipeline.ErrorKind]int)}
}

func (s *Stats) recordAttempt(kind pipeline.ErrorKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AttemptsTotal++
	s.AttemptsByClass[kind]++
}

func (s *Stats) recordWait(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RetryWaitTotal += d
}

// Snapshot returns a copy safe to log or export.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	byClass := make(map[pipeline.ErrorKind]int, len(s.AttemptsByClass))
	for k, v := range s.AttemptsByClass {
		byClass[k] = v
	}
	return Stats{AttemptsTotal: s.AttemptsTotal, AttemptsByClass: byClass, RetryWaitTotal: s.RetryWaitTotal}
}

var (
	attemptsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicefuse",
		Subsystem: "retry",
		Name:      "attempts_total",
		Help:      "Number of remote-call attempts, by provider and error class.",
	}, []string{"provider", "class"})

	waitSecondsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicefuse",
		Subsystem: "retry",
		Name:      "wait_seconds_total",
		Help:      "Cumulative seconds spent waiting between retries, by provider.",
	}, []string{"provider"})
)

func init() {
	prometheus.MustRegister(attemptsCounter, waitSecondsCounter)
}

// Executor wraps any idempotent remote call with the classification and
// backoff policy from §4.2.
type Executor struct {
	log *logrus.Entry

	// Audit is optional. When set, every completed Run call additionally
	// persists a RetryStat row for long-term provider-health trends beyond
	// what the in-process Prometheus counters retain across restarts.
	Audit *auditlog.Store
}

// NewExecutor builds an Executor that logs through the given logger (or the
// standard logrus logger if nil).
func NewExecutor(log *logrus.Logger) *Executor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Executor{log: log.WithField("component", "retry")}
}

// Run executes fn, retrying according to the ErrorKind classification of
// whatever *pipeline.Error it returns. fn is presumed idempotent (§4.2).
// kind is a short label ("diarize", "transcribe", ...) used for logging and
// metrics; provider is the provider role name ("diarization",
// "transcription", "combined").
func Run[T any](ctx context.Context, ex *Executor, provider, kind string, fn func(ctx context.Context) (T, error)) (T, error) {
	stats := newStats()

	// cenkalti/backoff drives a single BackOff instance for one Retry call,
	// but §4.2 wants a different sequence (and attempt cap) per error
	// class, and the class can change between attempts (e.g. 429 then
	// 503). So runClassified below drives the loop itself, swapping the
	// backoff sequence each time the classification changes, rather than
	// handing a single BackOff to backoff.Retry.
	op := func() (T, error) {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		var pErr *pipeline.Error
		errKind := pipeline.KindInternal
		if errors.As(err, &pErr) {
			errKind = pErr.Kind
		}
		stats.recordAttempt(errKind)
		attemptsCounter.WithLabelValues(provider, string(errKind)).Inc()

		if !errKind.Retryable() {
			return result, backoff.Permanent(err)
		}
		return result, err
	}

	result, err := runClassified(ctx, ex, provider, kind, stats, op)
	logSummary(ex, provider, kind, stats)
	ex.recordStat(ctx, provider, kind, stats, err)
	return result, err
}

// recordStat persists one RetryStat row when Audit is configured. Failures
// here are logged, never returned: the audit trail is an additive
// operational side-channel, not part of Run's contract.
func (ex *Executor) recordStat(ctx context.Context, provider, operation string, stats *Stats, runErr error) {
	if ex.Audit == nil {
		return
	}
	snap := stats.Snapshot()

	errKind := ""
	var pErr *pipeline.Error
	if runErr != nil && errors.As(runErr, &pErr) {
		errKind = string(pErr.Kind)
	}

	rec := &auditlog.RetryStat{
		Provider:    provider,
		Operation:   operation,
		Attempts:    snap.AttemptsTotal,
		Succeeded:   runErr == nil,
		ErrorKind:   errKind,
		TotalWaitMS: snap.RetryWaitTotal.Milliseconds(),
		RecordedAt:  time.Now(),
	}
	if err := ex.Audit.RecordRetryStat(ctx, rec); err != nil {
		ex.log.WithError(err).Warn("record retry stat")
	}
}

// runClassified performs the actual retry loop. Each retryable error
// reclassifies the remaining attempt budget and backoff sequence, since the
// provider's failure mode can change between attempts (e.g. 429 then 503).
func runClassified[T any](ctx context.Context, ex *Executor, provider, kind string, stats *Stats, op func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	var current backoff.BackOff
	var currentKind pipeline.ErrorKind
	var triesForKind int
	var maxForKind int

	for {
		select {
		case <-ctx.Done():
			return zero, pipeline.NewError(pipeline.KindCancelled, "", provider, ctx.Err())
		default:
		}

		result, err := op()
		if err == nil {
			return result, nil
		}

		var permErr *backoff.PermanentError
		if errors.As(err, &permErr) {
			return zero, permErr.Unwrap()
		}

		var pErr *pipeline.Error
		errKind := pipeline.KindInternal
		if errors.As(err, &pErr) {
			errKind = pErr.Kind
		}
		lastErr = err

		if errKind != currentKind || current == nil {
			currentKind = errKind
			current, maxForKind = newBackoffFor(errKind)
			triesForKind = 0
		}
		triesForKind++
		if triesForKind >= maxForKind {
			return zero, pipeline.NewError(errKind, "", provider, lastErr)
		}

		wait := current.NextBackOff()
		if wait == backoff.Stop {
			return zero, pipeline.NewError(errKind, "", provider, lastErr)
		}
		stats.recordWait(wait)
		waitSecondsCounter.WithLabelValues(provider).Add(wait.Seconds())
		ex.log.WithFields(logrus.Fields{
			"provider": provider, "kind": kind, "class": errKind, "attempt": triesForKind, "wait_s": wait.Seconds(),
		}).Warn("retrying remote call")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, pipeline.NewError(pipeline.KindCancelled, "", provider, ctx.Err())
		case <-timer.C:
		}
	}
}

// newBackoffFor returns a fresh backoff sequence and attempt cap for a
// given error class, per §4.2.
func newBackoffFor(k pipeline.ErrorKind) (backoff.BackOff, int) {
	switch k {
	case pipeline.KindRateLimited:
		return newQuotaBackoff(), kQuota
	case pipeline.KindTransientNetwork:
		return netBackoff(), kNet
	default:
		return otherBackoff(), kOther
	}
}

func logSummary(ex *Executor, provider, kind string, stats *Stats) {
	snap := stats.Snapshot()
	ex.log.WithFields(logrus.Fields{
		"provider":         provider,
		"kind":             kind,
		"attempts_total":   snap.AttemptsTotal,
		"attempts_by_class": snap.AttemptsByClass,
		"retry_wait_total_s": snap.RetryWaitTotal.Seconds(),
	}).Info("remote call summary")
}
