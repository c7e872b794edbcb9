// Package scheduler implements the Stage Scheduler (C7): it runs a
// pipeline as an ordered DAG of stages, skipping stages whose outputs
// already exist and validate, persisting a Checkpoint after each
// successful stage, and recording a JobHandle when a stage is dispatched
// asynchronously (§4.7).
//
// Go Pattern: per the Design Notes, each "agent" from the source becomes a
// function of (deps, inputs) -> output. Here that function is a Stage's
// Run field; the scheduler itself holds no stage-specific knowledge.
package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brightloom/voicefuse/internal/checkpoint"
	"github.com/brightloom/voicefuse/internal/pipeline"
)

// Outcome is the StageOutcome sum type from the Design Notes: a stage run
// produces either a completed result or a pending JobHandle, never both.
type Outcome struct {
	OutputRef string
	Metadata  map[string]any
	Pending   *pipeline.JobHandle
}

// StageFunc is a pure function of the prior state to one Outcome. It is
// responsible for writing its own output artifact and returning the path
// to it; the scheduler only records checkpoints, it never inspects stage
// payloads.
type StageFunc func(ctx context.Context, state *pipeline.PipelineState) (Outcome, error)

// Validator reports whether a previously-written output at outputRef is
// still usable (exists, parses, satisfies its schema).
type Validator func(outputRef string) error

// Stage is one node of the DAG (§4.7 "Stage record").
type Stage struct {
	Name      pipeline.StageName
	Run       StageFunc
	Validate  Validator
}

// Node is one step of the execution graph. A Node with more than one Stage
// runs its stages concurrently and joins before the scheduler continues
// (§4.7's "DIARIZE ∥ TRANSCRIBE").
type Node struct {
	Stages []Stage
}

// Graph is an ordered list of Nodes, e.g. UPLOAD -> [DIARIZE,TRANSCRIBE] ->
// FUSE -> EXPORT.
type Graph []Node

// Scheduler drives a Graph against a checkpoint.Store.
type Scheduler struct {
	Store *checkpoint.Store
}

// New builds a Scheduler backed by the given checkpoint store.
func New(store *checkpoint.Store) *Scheduler {
	return &Scheduler{Store: store}
}

// Run executes the §4.7 "Execution loop" for one pipeline_id against
// graph. forceRestart implements §4.7's "Force-restart": if true, any
// existing state is discarded before starting.
func (s *Scheduler) Run(ctx context.Context, pipelineID, inputFingerprint, configFingerprint string, graph Graph, forceRestart bool) (*pipeline.PipelineState, error) {
	lockPath := filepath.Join(s.Store.DataRoot, "checkpoints", pipelineID+".lock")
	lock, err := acquireLock(lockPath)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	if forceRestart {
		if err := s.Store.ForceRestart(pipelineID); err != nil {
			return nil, err
		}
	}

	state, err := s.Store.Load(pipelineID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		now := time.Now()
		state = &pipeline.PipelineState{
			PipelineID: pipelineID, InputFingerprint: inputFingerprint, ConfigFingerprint: configFingerprint,
			CreatedAt: now, LastUpdated: now,
		}
	}

	for _, node := range graph {
		if err := ctx.Err(); err != nil {
			state.Lock()
			state.MarkFailed(node.Stages[0].Name, pipeline.NewError(pipeline.KindCancelled, node.Stages[0].Name, "", err))
			_ = s.Store.Save(state)
			state.Unlock()
			return state, err
		}

		if len(node.Stages) == 1 {
			pending, err := s.runStage(ctx, state, node.Stages[0])
			if err != nil {
				return state, err
			}
			if pending {
				return state, nil
			}
			continue
		}

		pending, err := s.runConcurrent(ctx, state, node.Stages)
		if err != nil {
			return state, err
		}
		if pending {
			return state, nil
		}
	}

	state.Lock()
	state.Terminal = true
	state.LastUpdated = time.Now()
	err = s.Store.Save(state)
	state.Unlock()
	if err != nil {
		return state, err
	}
	return state, nil
}

// runStage implements one iteration of §4.7 step 3 for a single stage. The
// bool return reports whether the stage is now waiting on an asynchronous
// job callback, in which case the scheduler must not advance to any stage
// downstream of it.
//
// The resume-check read and the mutate-then-save sequence each run under
// state's own lock, so a sibling stage running concurrently in the same
// Node (runConcurrent) never races on PipelineState's slices or on the
// checkpoint write that follows a mutation (§5 "Checkpoint writes are
// totally ordered per pipeline_id"). stage.Run itself runs unlocked — it
// is the actual provider call, and DIARIZE ∥ TRANSCRIBE must proceed in
// parallel rather than being serialized by this lock.
func (s *Scheduler) runStage(ctx context.Context, state *pipeline.PipelineState, stage Stage) (bool, error) {
	if state.HasCompleted(stage.Name) {
		ref := state.LastOutputRef(stage.Name)
		if ref != "" && stage.Validate != nil {
			if err := stage.Validate(ref); err == nil {
				return false, nil
			}
			// validator rejected the stored output; fall through and
			// recompute as if the stage had never run.
		} else if ref != "" {
			return false, nil
		}
	}

	outcome, err := stage.Run(ctx, state)
	if err != nil {
		state.Lock()
		state.MarkFailed(stage.Name, err)
		_ = s.Store.Save(state)
		state.Unlock()
		return false, err
	}

	state.Lock()
	defer state.Unlock()
	if outcome.Pending != nil {
		state.MarkPending(stage.Name, *outcome.Pending)
		return true, s.Store.Save(state)
	}

	state.MarkCompleted(stage.Name, outcome.OutputRef, outcome.Metadata)
	return false, s.Store.Save(state)
}

// runConcurrent implements §4.7's "DIARIZE ∥ TRANSCRIBE" join: both stages
// run concurrently and must complete before the scheduler continues.
// golang.org/x/sync/errgroup is used for the fan-out/fan-in and
// first-error cancellation, per §5's cancellation propagation requirement.
// It reports pending=true if any stage in the node dispatched async work.
func (s *Scheduler) runConcurrent(ctx context.Context, state *pipeline.PipelineState, stages []Stage) (bool, error) {
	var pending atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	for _, stage := range stages {
		stage := stage
		g.Go(func() error {
			stagePending, err := s.runStage(gctx, state, stage)
			if stagePending {
				pending.Store(true)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	return pending.Load(), nil
}

// ErrStageFailed wraps a stage name into an error for callers that want to
// report which stage broke without unwrapping a *pipeline.Error.
func ErrStageFailed(name pipeline.StageName, cause error) error {
	return fmt.Errorf("stage %s failed: %w", name, cause)
}
