package chunker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNearestMidpoint_PicksClosestQualifyingInterval(t *testing.T) {
	intervals := []silenceInterval{
		{start: 100, end: 102}, // midpoint 101
		{start: 200, end: 204}, // midpoint 202
	}
	iv, ok := nearestMidpoint(intervals, 0, 200, 300)
	assert.True(t, ok)
	assert.Equal(t, 200.0, iv.start)
}

func TestNearestMidpoint_ExcludesIntervalsOutsideBounds(t *testing.T) {
	intervals := []silenceInterval{{start: 10, end: 12}}
	_, ok := nearestMidpoint(intervals, 100, 200, 300)
	assert.False(t, ok)
}

func TestNearestMidpoint_NoIntervalsReturnsFalse(t *testing.T) {
	_, ok := nearestMidpoint(nil, 0, 100, 200)
	assert.False(t, ok)
}

func TestPlanBoundaries_NoSilenceHardSplitsAtWindow(t *testing.T) {
	// 20 minutes total, no silence at all: should hard-split at the
	// HardSplitWindowSeconds ceiling from the cursor.
	boundaries := planBoundaries(1200, nil)
	assert.Equal(t, 0.0, boundaries[0])
	assert.Equal(t, 1200.0, boundaries[len(boundaries)-1])
	for i := 1; i < len(boundaries)-1; i++ {
		assert.LessOrEqual(t, boundaries[i], float64(HardSplitWindowSeconds))
	}
}

func TestPlanBoundaries_ShortFileProducesSingleSpan(t *testing.T) {
	boundaries := planBoundaries(120, nil)
	assert.Equal(t, []float64{0, 120}, boundaries)
}

func TestPlanBoundaries_SnapsToSilenceMidpointNearTarget(t *testing.T) {
	// A silence gap sits right around the ~600s chunk target.
	intervals := []silenceInterval{{start: 598, end: 602}}
	boundaries := planBoundaries(1300, intervals)
	require := assert.New(t)
	require.GreaterOrEqual(len(boundaries), 3)
	// The first interior boundary should land inside the silence gap
	// (padded by silencePaddingSecs from its start).
	found := false
	for _, b := range boundaries[1 : len(boundaries)-1] {
		if b >= 598 && b <= 602 {
			found = true
		}
	}
	assert.True(t, found, "expected a cut snapped into the silence interval")
}

func TestPlanBoundaries_MonotonicallyIncreasing(t *testing.T) {
	intervals := []silenceInterval{{start: 590, end: 595}, {start: 1190, end: 1195}}
	boundaries := planBoundaries(1800, intervals)
	for i := 1; i < len(boundaries); i++ {
		assert.Greater(t, boundaries[i], boundaries[i-1])
	}
}
