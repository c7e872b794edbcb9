// graph.go builds the two stage graphs the Design Notes' Open Question 1
// resolves: the default UPLOAD -> [DIARIZE, TRANSCRIBE] -> FUSE -> EXPORT
// graph, and the alternate UPLOAD -> IDENTIFY -> EXPORT graph used when the
// caller supplies voiceprints (§2 alt flow b). Neither graph performs
// export formatting itself — EXPORT only writes the canonical fused-segment
// JSON an external exporter collaborator consumes (§1 Non-goals).
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/brightloom/voicefuse/internal/checkpoint"
	"github.com/brightloom/voicefuse/internal/fuser"
	"github.com/brightloom/voicefuse/internal/pipeline"
	"github.com/brightloom/voicefuse/internal/providers"
	"github.com/brightloom/voicefuse/internal/scheduler"
	"github.com/brightloom/voicefuse/internal/webhook"
)

// RunOptions configures one pipeline invocation: the input media file and,
// for the identification alt-flow, the voiceprints to match against.
type RunOptions struct {
	InputPath      string
	Language       string
	Model          string // ModelCheap/ModelMid/ModelHigh, default ModelMid
	Prompt         string
	Voiceprints    []pipeline.Voiceprint
	MatchThreshold float64
	Exclusive      bool
	WebhookBaseURL string // non-empty enables async diarize/identify dispatch
	ForceRestart   bool
}

// Run executes the full pipeline for one input file end to end, selecting
// the identification graph when voiceprints are supplied and the default
// diarize+transcribe+fuse graph otherwise.
func (rt *Runtime) Run(ctx context.Context, opts RunOptions) (*pipeline.PipelineState, error) {
	inputFingerprint, err := rt.Checkpoints.HashFile(opts.InputPath)
	if err != nil {
		return nil, fmt.Errorf("runtime: hash input: %w", err)
	}
	configFingerprint := rt.configFingerprint(opts)
	pipelineID := checkpoint.PipelineID(inputFingerprint, configFingerprint)

	graph := rt.defaultGraph(opts, pipelineID)
	if len(opts.Voiceprints) > 0 {
		graph = rt.identifyGraph(opts, pipelineID)
	}

	// Persist opts so a webhook-driven resume (runtime.WebhookResumer) can
	// rebuild the same graph later without the caller re-supplying them;
	// pipelineID is content-addressed over the input+config fingerprint, so
	// this never goes stale across resumes of the same run.
	if err := writeJSON(rt.Checkpoints.InterimPath(pipelineID+"_resume_opts.json"), opts); err != nil {
		return nil, fmt.Errorf("runtime: persist resume options: %w", err)
	}

	return rt.Scheduler.Run(ctx, pipelineID, inputFingerprint, configFingerprint, graph, opts.ForceRestart)
}

// LoadResumeOptions reads back the RunOptions a prior Run call persisted
// for pipelineID, so a webhook callback can resume the same run without
// the original caller still being alive.
func (rt *Runtime) LoadResumeOptions(pipelineID string) (RunOptions, error) {
	var opts RunOptions
	err := readJSON(rt.Checkpoints.InterimPath(pipelineID+"_resume_opts.json"), &opts)
	return opts, err
}

func (rt *Runtime) configFingerprint(opts RunOptions) string {
	canon, _ := json.Marshal(struct {
		Language       string
		Model          string
		MatchThreshold float64
		Exclusive      bool
		VoiceprintIDs  []string
	}{
		Language:       opts.Language,
		Model:          opts.Model,
		MatchThreshold: opts.MatchThreshold,
		Exclusive:      opts.Exclusive,
		VoiceprintIDs:  voiceprintIDs(opts.Voiceprints),
	})
	return string(canon)
}

func voiceprintIDs(vs []pipeline.Voiceprint) []string {
	ids := make([]string, len(vs))
	for i, v := range vs {
		ids[i] = v.ID
	}
	return ids
}

// defaultGraph wires UPLOAD -> [DIARIZE, TRANSCRIBE] -> FUSE -> EXPORT.
func (rt *Runtime) defaultGraph(opts RunOptions, pipelineID string) scheduler.Graph {
	model := opts.Model
	if model == "" {
		model = "M_mid"
	}

	return scheduler.Graph{
		{Stages: []scheduler.Stage{{
			Name: pipeline.StageUpload,
			Run:   rt.uploadStage(opts, pipelineID),
			Validate: fileExistsValidator,
		}}},
		{Stages: []scheduler.Stage{
			{Name: pipeline.StageDiarize, Run: rt.diarizeStage(opts, pipelineID), Validate: fileExistsValidator},
			{Name: pipeline.StageTranscribe, Run: rt.transcribeStage(opts, model, pipelineID), Validate: fileExistsValidator},
		}},
		{Stages: []scheduler.Stage{{
			Name: pipeline.StageFuse,
			Run:   rt.fuseStage(pipelineID),
			Validate: fileExistsValidator,
		}}},
		{Stages: []scheduler.Stage{{
			Name: pipeline.StageExport,
			Run:   rt.exportStage(pipelineID),
			Validate: fileExistsValidator,
		}}},
	}
}

// identifyGraph wires UPLOAD -> IDENTIFY -> EXPORT, bypassing diarize,
// transcribe, and fuse entirely (§2 alt flow b, Open Question 1).
func (rt *Runtime) identifyGraph(opts RunOptions, pipelineID string) scheduler.Graph {
	return scheduler.Graph{
		{Stages: []scheduler.Stage{{
			Name: pipeline.StageUpload,
			Run:   rt.uploadStage(opts, pipelineID),
			Validate: fileExistsValidator,
		}}},
		{Stages: []scheduler.Stage{{
			Name: pipeline.StageIdentify,
			Run:   rt.identifyStage(opts, pipelineID),
			Validate: fileExistsValidator,
		}}},
		{Stages: []scheduler.Stage{{
			Name: pipeline.StageExport,
			Run:   rt.exportStage(pipelineID),
			Validate: fileExistsValidator,
		}}},
	}
}

// failureFromPayload turns a delivered webhook reporting a terminal
// non-success status into the pipeline error the stage should surface,
// rather than attempting to decode a result body that was never produced.
func failureFromPayload(stage pipeline.StageName, provider string, payload *webhook.Payload) error {
	switch pipeline.WebhookStatus(payload.Status) {
	case pipeline.WebhookFailed, pipeline.WebhookCanceled:
		return pipeline.NewError(pipeline.KindProviderError, stage, provider, fmt.Errorf("provider job %s reported status %q", payload.JobID, payload.Status))
	default:
		return nil
	}
}

func fileExistsValidator(outputRef string) error {
	if outputRef == "" {
		return fmt.Errorf("empty output ref")
	}
	if _, err := os.Stat(outputRef); err != nil {
		return err
	}
	return nil
}

func (rt *Runtime) webhookURLFor(opts RunOptions, pipelineID, stage string) string {
	if opts.WebhookBaseURL == "" {
		return ""
	}
	token, err := rt.TokenSigner.Mint(pipelineID, stage)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s?correlation=%s", opts.WebhookBaseURL, token)
}

func (rt *Runtime) uploadStage(opts RunOptions, pipelineID string) scheduler.StageFunc {
	return func(ctx context.Context, state *pipeline.PipelineState) (scheduler.Outcome, error) {
		handle, _, err := rt.Uploader.Upload(ctx, opts.InputPath)
		if err != nil {
			return scheduler.Outcome{}, err
		}
		outputRef := rt.Checkpoints.InterimPath(pipelineID + "_media_handle.json")
		if err := writeJSON(outputRef, handle); err != nil {
			return scheduler.Outcome{}, pipeline.NewError(pipeline.KindInternal, pipeline.StageUpload, "uploader", err)
		}
		return scheduler.Outcome{OutputRef: outputRef}, nil
	}
}

func (rt *Runtime) diarizeStage(opts RunOptions, pipelineID string) scheduler.StageFunc {
	return func(ctx context.Context, state *pipeline.PipelineState) (scheduler.Outcome, error) {
		// A webhook already delivered for this job takes priority over
		// submitting a fresh one — otherwise every resume after a delivered
		// callback would double-submit to the provider (§4.7 "Async stage
		// completion").
		if pending := state.PendingJob(pipeline.StageDiarize); pending != nil {
			payloadPath := rt.Checkpoints.InterimPath(webhook.PayloadFilename(pending.JobID, webhook.KindDiarization))
			payload, err := webhook.LoadPayload(payloadPath)
			if err != nil {
				if os.IsNotExist(err) {
					return scheduler.Outcome{Pending: pending}, nil
				}
				return scheduler.Outcome{}, pipeline.NewError(pipeline.KindInternal, pipeline.StageDiarize, "diarization", err)
			}
			if err := failureFromPayload(pipeline.StageDiarize, "diarization", payload); err != nil {
				return scheduler.Outcome{}, err
			}
			segs, err := providers.DecodeDiarizationSegments(payload.Diarization)
			if err != nil {
				return scheduler.Outcome{}, pipeline.NewError(pipeline.KindSchema, pipeline.StageDiarize, "diarization", err)
			}
			outputRef := rt.Checkpoints.InterimPath(pipelineID + "_diarization.json")
			if err := writeJSON(outputRef, segs); err != nil {
				return scheduler.Outcome{}, pipeline.NewError(pipeline.KindInternal, pipeline.StageDiarize, "diarization", err)
			}
			return scheduler.Outcome{OutputRef: outputRef, Metadata: map[string]any{"segment_count": len(segs)}}, nil
		}

		var handle pipeline.MediaHandle
		if err := readJSON(rt.Checkpoints.InterimPath(pipelineID+"_media_handle.json"), &handle); err != nil {
			return scheduler.Outcome{}, pipeline.NewError(pipeline.KindInternal, pipeline.StageDiarize, "diarization", err)
		}

		webhookURL := rt.webhookURLFor(opts, pipelineID, "diarize")
		segs, job, err := rt.Diarizer.Diarize(ctx, handle, webhookURL)
		if err != nil {
			return scheduler.Outcome{}, err
		}
		if job != nil {
			return scheduler.Outcome{Pending: job}, nil
		}

		outputRef := rt.Checkpoints.InterimPath(pipelineID + "_diarization.json")
		if err := writeJSON(outputRef, segs); err != nil {
			return scheduler.Outcome{}, pipeline.NewError(pipeline.KindInternal, pipeline.StageDiarize, "diarization", err)
		}
		return scheduler.Outcome{OutputRef: outputRef, Metadata: map[string]any{"segment_count": len(segs)}}, nil
	}
}

func (rt *Runtime) transcribeStage(opts RunOptions, model, pipelineID string) scheduler.StageFunc {
	return func(ctx context.Context, state *pipeline.PipelineState) (scheduler.Outcome, error) {
		segs, err := rt.Chunker.Transcribe(ctx, opts.InputPath, model, opts.Language, opts.Prompt)
		if err != nil {
			return scheduler.Outcome{}, err
		}
		outputRef := rt.Checkpoints.InterimPath(pipelineID + "_transcription.json")
		if err := writeJSON(outputRef, segs); err != nil {
			return scheduler.Outcome{}, pipeline.NewError(pipeline.KindInternal, pipeline.StageTranscribe, "transcription", err)
		}
		return scheduler.Outcome{OutputRef: outputRef, Metadata: map[string]any{"segment_count": len(segs)}}, nil
	}
}

func (rt *Runtime) fuseStage(pipelineID string) scheduler.StageFunc {
	return func(ctx context.Context, state *pipeline.PipelineState) (scheduler.Outcome, error) {
		var diarization []pipeline.DiarizationSegment
		var transcription []pipeline.TranscriptionSegment
		if err := readJSON(rt.Checkpoints.InterimPath(pipelineID+"_diarization.json"), &diarization); err != nil {
			return scheduler.Outcome{}, pipeline.NewError(pipeline.KindInternal, pipeline.StageFuse, "fuser", err)
		}
		if err := readJSON(rt.Checkpoints.InterimPath(pipelineID+"_transcription.json"), &transcription); err != nil {
			return scheduler.Outcome{}, pipeline.NewError(pipeline.KindInternal, pipeline.StageFuse, "fuser", err)
		}

		fused, err := fuser.Fuse(diarization, transcription)
		if err != nil {
			return scheduler.Outcome{}, pipeline.NewError(pipeline.KindInternal, pipeline.StageFuse, "fuser", err)
		}

		outputRef := rt.Checkpoints.InterimPath(pipelineID + "_fused.json")
		if err := writeJSON(outputRef, fused); err != nil {
			return scheduler.Outcome{}, pipeline.NewError(pipeline.KindInternal, pipeline.StageFuse, "fuser", err)
		}
		return scheduler.Outcome{OutputRef: outputRef, Metadata: map[string]any{"segment_count": len(fused)}}, nil
	}
}

func (rt *Runtime) identifyStage(opts RunOptions, pipelineID string) scheduler.StageFunc {
	return func(ctx context.Context, state *pipeline.PipelineState) (scheduler.Outcome, error) {
		if pending := state.PendingJob(pipeline.StageIdentify); pending != nil {
			payloadPath := rt.Checkpoints.InterimPath(webhook.PayloadFilename(pending.JobID, webhook.KindIdentification))
			payload, err := webhook.LoadPayload(payloadPath)
			if err != nil {
				if os.IsNotExist(err) {
					return scheduler.Outcome{Pending: pending}, nil
				}
				return scheduler.Outcome{}, pipeline.NewError(pipeline.KindInternal, pipeline.StageIdentify, "diarization", err)
			}
			if err := failureFromPayload(pipeline.StageIdentify, "diarization", payload); err != nil {
				return scheduler.Outcome{}, err
			}
			fused, err := providers.DecodeIdentificationSegments(payload.Identification)
			if err != nil {
				return scheduler.Outcome{}, pipeline.NewError(pipeline.KindSchema, pipeline.StageIdentify, "diarization", err)
			}
			outputRef := rt.Checkpoints.InterimPath(pipelineID + "_fused.json")
			if err := writeJSON(outputRef, fused); err != nil {
				return scheduler.Outcome{}, pipeline.NewError(pipeline.KindInternal, pipeline.StageIdentify, "diarization", err)
			}
			return scheduler.Outcome{OutputRef: outputRef, Metadata: map[string]any{"segment_count": len(fused)}}, nil
		}

		var handle pipeline.MediaHandle
		if err := readJSON(rt.Checkpoints.InterimPath(pipelineID+"_media_handle.json"), &handle); err != nil {
			return scheduler.Outcome{}, pipeline.NewError(pipeline.KindInternal, pipeline.StageIdentify, "diarization", err)
		}

		threshold := opts.MatchThreshold
		if threshold <= 0 {
			threshold = 0.5
		}
		webhookURL := rt.webhookURLFor(opts, pipelineID, "identify")
		fused, job, err := rt.Diarizer.Identify(ctx, handle, opts.Voiceprints, threshold, opts.Exclusive, webhookURL)
		if err != nil {
			return scheduler.Outcome{}, err
		}
		if job != nil {
			return scheduler.Outcome{Pending: job}, nil
		}

		outputRef := rt.Checkpoints.InterimPath(pipelineID + "_fused.json")
		if err := writeJSON(outputRef, fused); err != nil {
			return scheduler.Outcome{}, pipeline.NewError(pipeline.KindInternal, pipeline.StageIdentify, "diarization", err)
		}
		return scheduler.Outcome{OutputRef: outputRef, Metadata: map[string]any{"segment_count": len(fused)}}, nil
	}
}

func (rt *Runtime) exportStage(pipelineID string) scheduler.StageFunc {
	return func(ctx context.Context, state *pipeline.PipelineState) (scheduler.Outcome, error) {
		src := rt.Checkpoints.InterimPath(pipelineID + "_fused.json")
		var fused []pipeline.FusedSegment
		if err := readJSON(src, &fused); err != nil {
			return scheduler.Outcome{}, pipeline.NewError(pipeline.KindInternal, pipeline.StageExport, "export", err)
		}
		if err := pipeline.ValidateFusedSegments(fused); err != nil {
			return scheduler.Outcome{}, pipeline.NewError(pipeline.KindSchema, pipeline.StageExport, "export", err)
		}
		// The core's responsibility ends at a validated, canonical JSON
		// artifact; format conversion (SRT/VTT/ASS/DOCX/...) is the
		// external exporter collaborator's job (§1 Non-goals).
		outputRef := rt.Checkpoints.InterimPath(pipelineID + "_export.json")
		if err := writeJSON(outputRef, fused); err != nil {
			return scheduler.Outcome{}, pipeline.NewError(pipeline.KindInternal, pipeline.StageExport, "export", err)
		}
		return scheduler.Outcome{OutputRef: outputRef, Metadata: map[string]any{"segment_count": len(fused)}}, nil
	}
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
