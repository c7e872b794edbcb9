package pipeline

import (
	"fmt"
	"sync"
	"time"
)

// StageName identifies one node of the pipeline DAG (§4.7).
type StageName string

const (
	StageUpload      StageName = "UPLOAD"
	StageDiarize     StageName = "DIARIZE"
	StageTranscribe  StageName = "TRANSCRIBE"
	StageFuse        StageName = "FUSE"
	StageExport      StageName = "EXPORT"
	StageIdentify    StageName = "IDENTIFY"
	StageCombined    StageName = "COMBINED"
)

// Checkpoint records that a stage completed (or failed), with pointers to
// its persisted input/output. Checkpoints are appended monotonically —
// never rewritten in place (§3).
type Checkpoint struct {
	Stage     StageName      `json:"stage"`
	Timestamp time.Time      `json:"timestamp"`
	InputRef  string         `json:"input_ref,omitempty"`
	OutputRef string         `json:"output_ref,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`

	// PendingJob is set while a stage is waiting on an asynchronous
	// provider callback (§4.7 "Async stage completion"). Success is false
	// and Error is empty for a checkpoint in this state.
	PendingJob *JobHandle `json:"pending_job,omitempty"`
}

// PipelineState is the durable record of one pipeline run, keyed by the
// input+config fingerprint (§3).
type PipelineState struct {
	PipelineID       string         `json:"pipeline_id"`
	InputFingerprint string         `json:"input_fingerprint"`
	ConfigFingerprint string        `json:"config_fingerprint"`
	CreatedAt        time.Time      `json:"created_at"`
	LastUpdated      time.Time      `json:"last_updated"`
	CompletedStages  []StageName    `json:"completed_stages"`
	CurrentStage     StageName      `json:"current_stage,omitempty"`
	FailedStage      StageName      `json:"failed_stage,omitempty"`
	Checkpoints      []Checkpoint   `json:"checkpoints"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Terminal         bool           `json:"terminal"`

	// mu serializes every mutation of this state plus the checkpoint save
	// that follows it. A Node with more than one Stage (DIARIZE ∥
	// TRANSCRIBE) runs its Run funcs concurrently and both call back into
	// the same *PipelineState; §5 requires checkpoint writes be totally
	// ordered per pipeline_id. Unexported: encoding/json skips it.
	mu sync.Mutex
}

// Lock and Unlock implement sync.Locker. A caller performing more than one
// mutation, or a mutation immediately followed by a checkpoint save, holds
// the lock across the whole sequence rather than relying on each exported
// method to serialize itself.
func (s *PipelineState) Lock()   { s.mu.Lock() }
func (s *PipelineState) Unlock() { s.mu.Unlock() }

// Validate checks the structural invariants of a loaded state file.
func (s *PipelineState) Validate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PipelineID == "" {
		return fmt.Errorf("pipeline state: pipeline_id is required")
	}
	if s.InputFingerprint == "" {
		return fmt.Errorf("pipeline state: input_fingerprint is required")
	}
	seen := make(map[StageName]bool, len(s.CompletedStages))
	for _, st := range s.CompletedStages {
		if seen[st] {
			return fmt.Errorf("pipeline state: stage %q listed twice in completed_stages", st)
		}
		seen[st] = true
	}
	return nil
}

// hasCompleted is the lock-free core of HasCompleted, for use by methods
// that already hold s.mu (MarkCompleted) so they don't deadlock on the
// non-reentrant mutex.
func (s *PipelineState) hasCompleted(stage StageName) bool {
	for _, st := range s.CompletedStages {
		if st == stage {
			return true
		}
	}
	return false
}

// HasCompleted reports whether the given stage is recorded as completed.
// Safe to call on its own; callers already holding s.mu (via Lock) must
// not call this — use the unexported hasCompleted instead.
func (s *PipelineState) HasCompleted(stage StageName) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasCompleted(stage)
}

// LastOutputRef returns the output ref of the most recent successful
// checkpoint for stage, or "" if none exists.
func (s *PipelineState) LastOutputRef(stage StageName) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.Checkpoints) - 1; i >= 0; i-- {
		cp := s.Checkpoints[i]
		if cp.Stage == stage && cp.Success {
			return cp.OutputRef
		}
	}
	return ""
}

// PendingJob returns the JobHandle recorded against stage's most recent
// checkpoint, if stage is still the pipeline's current (pending) stage.
// An async stage implementation calls this on entry to detect a resume
// driven by a delivered webhook, rather than submitting a duplicate job.
func (s *PipelineState) PendingJob(stage StageName) *JobHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CurrentStage != stage {
		return nil
	}
	for i := len(s.Checkpoints) - 1; i >= 0; i-- {
		cp := s.Checkpoints[i]
		if cp.Stage == stage && cp.PendingJob != nil {
			return cp.PendingJob
		}
	}
	return nil
}

// MarkCompleted appends stage to CompletedStages if not already present
// and appends a successful Checkpoint. Callers running concurrent stages
// against the same PipelineState must hold s.Lock() across this call and
// the checkpoint save that follows it.
func (s *PipelineState) MarkCompleted(stage StageName, outputRef string, metadata map[string]any) {
	if !s.hasCompleted(stage) {
		s.CompletedStages = append(s.CompletedStages, stage)
	}
	s.Checkpoints = append(s.Checkpoints, Checkpoint{
		Stage:     stage,
		Timestamp: nowFunc(),
		OutputRef: outputRef,
		Metadata:  metadata,
		Success:   true,
	})
	s.CurrentStage = ""
	s.FailedStage = ""
	s.LastUpdated = nowFunc()
}

// MarkFailed appends a failing Checkpoint and records the failed stage.
// No checkpoint advance occurs on cancellation or failure (§5, §7).
// Same locking contract as MarkCompleted.
func (s *PipelineState) MarkFailed(stage StageName, cause error) {
	s.FailedStage = stage
	s.CurrentStage = ""
	s.Checkpoints = append(s.Checkpoints, Checkpoint{
		Stage:     stage,
		Timestamp: nowFunc(),
		Success:   false,
		Error:     cause.Error(),
	})
	s.LastUpdated = nowFunc()
}

// MarkPending records that stage was dispatched asynchronously and is
// waiting on a webhook callback (§4.7 "Async stage completion"). Same
// locking contract as MarkCompleted.
func (s *PipelineState) MarkPending(stage StageName, job JobHandle) {
	s.CurrentStage = stage
	s.Checkpoints = append(s.Checkpoints, Checkpoint{
		Stage:      stage,
		Timestamp:  nowFunc(),
		Success:    false,
		PendingJob: &job,
	})
	s.LastUpdated = nowFunc()
}

// nowFunc is indirected so tests can freeze time.
var nowFunc = time.Now
