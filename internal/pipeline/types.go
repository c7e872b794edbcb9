// Package pipeline defines the data types shared by every stage of the
// diarized transcription pipeline: diarization and transcription segments,
// the fused transcript, voiceprints, chunks, and the persisted pipeline
// state. These are plain structs with JSON tags — no ORM, no dict-typed
// payloads passed between stages. Every type that crosses a persistence
// boundary (file or audit log) implements Validate, and callers are
// expected to call it on read, per the schema-validated boundary rule.
package pipeline

import (
	"fmt"
	"time"
)

// MediaHandle is an opaque reference to a file uploaded to the diarization
// provider's temporary storage (§3). The core only ever holds the string;
// the remote service owns the lifecycle and expiry.
type MediaHandle string

// DiarizationSegment is one speaker-attributed time interval from the
// diarization provider. Segments may overlap when the provider detects
// cross-talk — downstream components must tolerate that.
type DiarizationSegment struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Speaker    string   `json:"speaker"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Validate checks the invariants in §3: start < end, non-empty speaker.
func (d DiarizationSegment) Validate() error {
	if d.End <= d.Start {
		return fmt.Errorf("diarization segment: end (%v) must be > start (%v)", d.End, d.Start)
	}
	if d.Start < 0 {
		return fmt.Errorf("diarization segment: start must be >= 0, got %v", d.Start)
	}
	if d.Speaker == "" {
		return fmt.Errorf("diarization segment: speaker label is required")
	}
	if d.Confidence != nil && (*d.Confidence < 0 || *d.Confidence > 1) {
		return fmt.Errorf("diarization segment: confidence must be in [0,1], got %v", *d.Confidence)
	}
	return nil
}

// TranscriptionSegment is one span of recognized text from a transcription
// provider, in whatever time frame it was produced (chunk-local until
// stitched, then absolute). Whitespace and casing are preserved verbatim
// from the provider.
type TranscriptionSegment struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
	Language   string   `json:"language,omitempty"`
}

// Validate checks the invariants in §3.
func (t TranscriptionSegment) Validate() error {
	if t.End <= t.Start {
		return fmt.Errorf("transcription segment: end (%v) must be > start (%v)", t.End, t.Start)
	}
	if t.Start < 0 {
		return fmt.Errorf("transcription segment: start must be >= 0, got %v", t.Start)
	}
	return nil
}

// FusedSegment is the canonical output of C6: one entry per transcription
// segment after speaker attribution.
type FusedSegment struct {
	Start              float64  `json:"start"`
	End                float64  `json:"end"`
	Speaker            string   `json:"speaker"`
	Text               string   `json:"text"`
	Confidence         *float64 `json:"confidence,omitempty"`
	DiarizationSpeaker string   `json:"diarization_speaker,omitempty"`
	IdentifiedAs       string   `json:"identified_as,omitempty"`
	MatchScore         *float64 `json:"match_score,omitempty"`
}

// Validate checks the per-segment invariant (start < end); the cross-segment
// monotonic-start invariant is checked once over the whole list by
// ValidateFusedSegments, since it isn't a property of a single segment.
func (f FusedSegment) Validate() error {
	if f.End <= f.Start {
		return fmt.Errorf("fused segment: end (%v) must be > start (%v)", f.End, f.Start)
	}
	if f.Speaker == "" {
		return fmt.Errorf("fused segment: speaker is required (use %q)", SpeakerUnknown)
	}
	return nil
}

// ValidateFusedSegments checks invariant 1 from §8: every segment has
// start < end, and starts are non-decreasing across the list.
func ValidateFusedSegments(segs []FusedSegment) error {
	for i, s := range segs {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}
		if i > 0 && s.Start < segs[i-1].Start {
			return fmt.Errorf("segment %d: start %v precedes previous start %v", i, s.Start, segs[i-1].Start)
		}
	}
	return nil
}

// SpeakerUnknown is the label assigned when a transcription segment's
// maximum diarization overlap falls below the 10% threshold (§4.6 step 3).
const SpeakerUnknown = "UNKNOWN"

// Voiceprint is an opaque, compact representation of a speaker's voice
// derived from a 5-30s sample. The core treats these as read-only input;
// they are created and stored by an external collaborator.
type Voiceprint struct {
	ID              string    `json:"id"`
	Label           string    `json:"label"`
	Payload         []byte    `json:"payload"`
	CreatedAt       time.Time `json:"created_at"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// Validate enforces the 5-30s duration bound from §3.
func (v Voiceprint) Validate() error {
	if v.DurationSeconds < 5 || v.DurationSeconds > 30 {
		return fmt.Errorf("voiceprint %q: duration_seconds must be in [5,30], got %v", v.ID, v.DurationSeconds)
	}
	if v.Label == "" {
		return fmt.Errorf("voiceprint %q: label is required", v.ID)
	}
	return nil
}

// Chunk is a slice of the normalized audio produced by C5 while splitting
// oversized input on silence boundaries. It is internal to the chunker and
// never persisted.
type Chunk struct {
	Index          int     `json:"index"`
	OffsetSeconds  float64 `json:"offset_seconds"`
	Path           string  `json:"path"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// JobKind identifies what kind of asynchronous provider job a JobHandle
// refers to.
type JobKind string

const (
	JobKindDiarize    JobKind = "diarize"
	JobKindIdentify   JobKind = "identify"
	JobKindVoiceprint JobKind = "voiceprint"
)

// JobHandle is returned by an asynchronous C4 call; it is what the
// scheduler stores in an in-progress checkpoint and what the webhook
// endpoint correlates an inbound event against.
type JobHandle struct {
	JobID       string    `json:"job_id"`
	Kind        JobKind   `json:"kind"`
	SubmittedAt time.Time `json:"submitted_at"`
	WebhookURL  string    `json:"webhook_url,omitempty"`
}

// WebhookStatus is the terminal or non-terminal status reported in a
// WebhookEvent payload.
type WebhookStatus string

const (
	WebhookSucceeded WebhookStatus = "succeeded"
	WebhookCanceled  WebhookStatus = "canceled"
	WebhookFailed    WebhookStatus = "failed"
)

// WebhookEvent is the body of an inbound provider callback (§3, §4.8).
type WebhookEvent struct {
	JobID       string          `json:"job_id"`
	Status      WebhookStatus   `json:"status"`
	Output      map[string]any  `json:"output,omitempty"`
	RetryNum    int             `json:"retry_num,omitempty"`
	RetryReason string          `json:"retry_reason,omitempty"`
}

// Validate checks the event has a job id and a recognized status.
func (e WebhookEvent) Validate() error {
	if e.JobID == "" {
		return fmt.Errorf("webhook event: job_id is required")
	}
	switch e.Status {
	case WebhookSucceeded, WebhookCanceled, WebhookFailed:
	default:
		return fmt.Errorf("webhook event: unrecognized status %q", e.Status)
	}
	return nil
}
