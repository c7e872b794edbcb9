package ratebudget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudget_TryAcquire_RespectsCapacity(t *testing.T) {
	b := New(map[string]int{"acme": 2}, nil)

	_, ok1 := b.TryAcquire("acme")
	_, ok2 := b.TryAcquire("acme")
	_, ok3 := b.TryAcquire("acme")

	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.False(t, ok3, "third acquire within the window should be denied")
}

func TestBudget_UnknownProvider_FallsBackToTranscriptionDefault(t *testing.T) {
	b := New(map[string]int{}, nil)
	for i := 0; i < DefaultTranscriptionPerMinute; i++ {
		_, ok := b.TryAcquire("mystery")
		require.True(t, ok, "acquire %d should succeed under the default capacity", i)
	}
	_, ok := b.TryAcquire("mystery")
	assert.False(t, ok)
}

func TestBudget_Acquire_BlocksUntilContextCancelled(t *testing.T) {
	b := New(map[string]int{"acme": 1}, nil)
	_, ok := b.TryAcquire("acme")
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.Acquire(ctx, "acme")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBudget_WindowSlides_FreesCapacityOverTime(t *testing.T) {
	b := New(map[string]int{"acme": 1}, nil)
	b.windows["acme"] = []time.Time{time.Now().Add(-Window - time.Second)}

	_, ok := b.TryAcquire("acme")
	assert.True(t, ok, "a timestamp older than the window should not count against capacity")
}

func TestDropOlderThan(t *testing.T) {
	now := time.Now()
	ts := []time.Time{now.Add(-3 * time.Second), now.Add(-1 * time.Second), now}
	cutoff := now.Add(-2 * time.Second)

	kept := dropOlderThan(ts, cutoff)
	assert.Len(t, kept, 2)
}
