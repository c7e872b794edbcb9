package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightloom/voicefuse/internal/pipeline"
)

func TestRun_SucceedsWithoutRetryOnFirstTry(t *testing.T) {
	ex := NewExecutor(nil)
	calls := 0
	result, err := Run(context.Background(), ex, "acme", "diarize", func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 1, calls)
}

func TestRun_RetriesTransientNetworkThenSucceeds(t *testing.T) {
	ex := NewExecutor(nil)
	calls := 0
	result, err := Run(context.Background(), ex, "acme", "transcribe", func(ctx context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", pipeline.NewError(pipeline.KindTransientNetwork, "", "acme", assertErr("reset"))
		}
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
	assert.Equal(t, 2, calls)
}

func TestRun_DoesNotRetryFatalErrorKinds(t *testing.T) {
	ex := NewExecutor(nil)
	calls := 0
	_, err := Run(context.Background(), ex, "acme", "diarize", func(ctx context.Context) (string, error) {
		calls++
		return "", pipeline.NewError(pipeline.KindAuth, "", "acme", assertErr("bad token"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "auth errors must not be retried")
}

func TestRun_ExhaustsRetryBudgetAndReturnsClassifiedError(t *testing.T) {
	ex := NewExecutor(nil)
	calls := 0
	_, err := Run(context.Background(), ex, "acme", "transcribe", func(ctx context.Context) (string, error) {
		calls++
		return "", pipeline.NewError(pipeline.KindTransientNetwork, "", "acme", assertErr("down"))
	})
	require.Error(t, err)
	assert.Equal(t, kNet, calls, "should attempt exactly kNet times before giving up")
	var pErr *pipeline.Error
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, pipeline.KindTransientNetwork, pErr.Kind)
}

func TestRun_CancelledContextStopsRetryLoop(t *testing.T) {
	ex := NewExecutor(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, ex, "acme", "transcribe", func(ctx context.Context) (string, error) {
		return "", pipeline.NewError(pipeline.KindTransientNetwork, "", "acme", assertErr("down"))
	})
	require.Error(t, err)
	var pErr *pipeline.Error
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, pipeline.KindCancelled, pErr.Kind)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestNewBackoffFor_RespectsPerClassAttemptCap(t *testing.T) {
	_, quotaMax := newBackoffFor(pipeline.KindRateLimited)
	_, netMax := newBackoffFor(pipeline.KindTransientNetwork)
	_, otherMax := newBackoffFor(pipeline.KindProviderError)

	assert.Equal(t, kQuota, quotaMax)
	assert.Equal(t, kNet, netMax)
	assert.Equal(t, kOther, otherMax)
}

func TestQuotaBackoff_NeverExceedsCapPlusJitter(t *testing.T) {
	b := newQuotaBackoff()
	var last time.Duration
	for i := 0; i < 10; i++ {
		d := b.NextBackOff()
		assert.LessOrEqual(t, d, b.cap+b.base)
		last = d
	}
	_ = last
}
