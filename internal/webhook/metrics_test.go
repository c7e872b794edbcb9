package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetrics_Snapshot_DefaultsToFullSuccessRateWhenUntouched(t *testing.T) {
	m := NewMetrics()
	snap := m.Snapshot()
	assert.Equal(t, int64(0), snap.ProcessedWebhooks)
	assert.Equal(t, 1.0, snap.VerificationSuccessRate)
}

func TestMetrics_Snapshot_ComputesVerificationSuccessRate(t *testing.T) {
	m := NewMetrics()
	m.recordProcessed()
	m.recordProcessed()
	m.recordProcessed()
	m.recordFailedVerification()
	m.recordSuccessfulEvent()
	m.recordSuccessfulEvent()

	snap := m.Snapshot()
	assert.Equal(t, int64(3), snap.ProcessedWebhooks)
	assert.Equal(t, int64(1), snap.FailedVerifications)
	assert.Equal(t, int64(2), snap.SuccessfulEvents)
	assert.InDelta(t, 2.0/3.0, snap.VerificationSuccessRate, 1e-9)
}
