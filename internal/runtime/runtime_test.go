package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/brightloom/voicefuse/internal/config"
)

func TestFirstPositive_PrefersValueOverFallback(t *testing.T) {
	assert.Equal(t, 5, firstPositive(5, 10))
	assert.Equal(t, 10, firstPositive(0, 10))
	assert.Equal(t, 10, firstPositive(-1, 10))
}

func TestFirstPositiveDuration_PrefersValueOverFallback(t *testing.T) {
	assert.Equal(t, 2*time.Second, firstPositiveDuration(2*time.Second, 5*time.Second))
	assert.Equal(t, 5*time.Second, firstPositiveDuration(0, 5*time.Second))
}

func TestRuntime_Close_IsNoOpWithoutAuditStore(t *testing.T) {
	rt := &Runtime{}
	assert.NoError(t, rt.Close())
}

func TestRuntime_PipelineSecret_DerivesFromConfiguredMasterSecret(t *testing.T) {
	rt := &Runtime{Config: &config.Config{WebhookMasterSecret: "master"}}
	secret, err := rt.PipelineSecret("pipeline-1")
	assert.NoError(t, err)
	assert.NotEmpty(t, secret)

	other, err := rt.PipelineSecret("pipeline-2")
	assert.NoError(t, err)
	assert.NotEqual(t, secret, other)
}
