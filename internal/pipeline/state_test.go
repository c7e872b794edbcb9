package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineState_Validate_RequiresIDAndFingerprint(t *testing.T) {
	s := PipelineState{}
	require.Error(t, s.Validate())

	s.PipelineID = "abc"
	require.Error(t, s.Validate())

	s.InputFingerprint = "def"
	require.NoError(t, s.Validate())
}

func TestPipelineState_Validate_RejectsDuplicateCompletedStage(t *testing.T) {
	s := PipelineState{
		PipelineID:       "abc",
		InputFingerprint: "def",
		CompletedStages:  []StageName{StageUpload, StageUpload},
	}
	assert.Error(t, s.Validate())
}

func TestPipelineState_MarkCompleted_IsIdempotentInStageList(t *testing.T) {
	s := &PipelineState{PipelineID: "p", InputFingerprint: "f"}
	s.MarkCompleted(StageUpload, "ref1", nil)
	s.MarkCompleted(StageUpload, "ref2", nil)

	assert.True(t, s.HasCompleted(StageUpload))
	assert.Len(t, s.CompletedStages, 1)
	// Both checkpoints are still appended; history is append-only.
	assert.Len(t, s.Checkpoints, 2)
}

func TestPipelineState_MarkFailed_ClearsCurrentStageAndRecordsError(t *testing.T) {
	s := &PipelineState{PipelineID: "p", InputFingerprint: "f", CurrentStage: StageDiarize}
	s.MarkFailed(StageDiarize, errors.New("boom"))

	assert.Equal(t, StageDiarize, s.FailedStage)
	assert.Empty(t, s.CurrentStage)
	require.Len(t, s.Checkpoints, 1)
	assert.False(t, s.Checkpoints[0].Success)
	assert.Equal(t, "boom", s.Checkpoints[0].Error)
}

func TestPipelineState_MarkPending_RecordsJobHandleWithoutCompleting(t *testing.T) {
	s := &PipelineState{PipelineID: "p", InputFingerprint: "f"}
	job := JobHandle{JobID: "job-1", Kind: JobKindDiarize}
	s.MarkPending(StageDiarize, job)

	assert.Equal(t, StageDiarize, s.CurrentStage)
	assert.False(t, s.HasCompleted(StageDiarize))
	require.Len(t, s.Checkpoints, 1)
	require.NotNil(t, s.Checkpoints[0].PendingJob)
	assert.Equal(t, "job-1", s.Checkpoints[0].PendingJob.JobID)
}

func TestPipelineState_LastUpdated_AdvancesOnMutation(t *testing.T) {
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	old := nowFunc
	nowFunc = func() time.Time { return frozen }
	defer func() { nowFunc = old }()

	s := &PipelineState{PipelineID: "p", InputFingerprint: "f"}
	s.MarkCompleted(StageUpload, "ref", nil)
	assert.Equal(t, frozen, s.LastUpdated)
}
