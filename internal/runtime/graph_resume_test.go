package runtime

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightloom/voicefuse/internal/checkpoint"
	"github.com/brightloom/voicefuse/internal/pipeline"
	"github.com/brightloom/voicefuse/internal/webhook"
)

func TestFailureFromPayload_TreatsFailedAndCanceledAsErrors(t *testing.T) {
	assert.Error(t, failureFromPayload(pipeline.StageDiarize, "diarization", &webhook.Payload{Status: string(pipeline.WebhookFailed)}))
	assert.Error(t, failureFromPayload(pipeline.StageDiarize, "diarization", &webhook.Payload{Status: string(pipeline.WebhookCanceled)}))
	assert.NoError(t, failureFromPayload(pipeline.StageDiarize, "diarization", &webhook.Payload{Status: string(pipeline.WebhookSucceeded)}))
}

func pendingDiarizeState(jobID string) *pipeline.PipelineState {
	return &pipeline.PipelineState{
		PipelineID:   "p1",
		CurrentStage: pipeline.StageDiarize,
		Checkpoints: []pipeline.Checkpoint{
			{Stage: pipeline.StageDiarize, PendingJob: &pipeline.JobHandle{JobID: jobID, Kind: pipeline.JobKindDiarize, SubmittedAt: time.Now()}},
		},
	}
}

func TestDiarizeStage_PendingJobWithNoPayloadYetStaysPending(t *testing.T) {
	dataRoot := t.TempDir()
	store, err := checkpoint.New(dataRoot, time.Hour)
	require.NoError(t, err)
	rt := &Runtime{Checkpoints: store}

	state := pendingDiarizeState("job-123")
	outcome, err := rt.diarizeStage(RunOptions{}, "p1")(context.Background(), state)
	require.NoError(t, err)
	require.NotNil(t, outcome.Pending)
	assert.Equal(t, "job-123", outcome.Pending.JobID)
}

func TestDiarizeStage_PendingJobWithDeliveredPayloadCompletes(t *testing.T) {
	dataRoot := t.TempDir()
	store, err := checkpoint.New(dataRoot, time.Hour)
	require.NoError(t, err)
	rt := &Runtime{Checkpoints: store}

	segs := []byte(`[{"start":0,"end":1,"speaker":"A"}]`)
	payload := webhook.Payload{JobID: "job-123", Status: "succeeded", Diarization: json.RawMessage(segs)}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	path := store.InterimPath(webhook.PayloadFilename("job-123", webhook.KindDiarization))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	state := pendingDiarizeState("job-123")
	outcome, err := rt.diarizeStage(RunOptions{}, "p1")(context.Background(), state)
	require.NoError(t, err)
	assert.Nil(t, outcome.Pending)
	require.NotEmpty(t, outcome.OutputRef)
	assert.Equal(t, 1, outcome.Metadata["segment_count"])
}

func TestDiarizeStage_PendingJobWithFailedPayloadReturnsError(t *testing.T) {
	dataRoot := t.TempDir()
	store, err := checkpoint.New(dataRoot, time.Hour)
	require.NoError(t, err)
	rt := &Runtime{Checkpoints: store}

	payload := webhook.Payload{JobID: "job-123", Status: string(pipeline.WebhookFailed)}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	path := store.InterimPath(webhook.PayloadFilename("job-123", webhook.KindDiarization))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	state := pendingDiarizeState("job-123")
	_, err = rt.diarizeStage(RunOptions{}, "p1")(context.Background(), state)
	assert.Error(t, err)
}
