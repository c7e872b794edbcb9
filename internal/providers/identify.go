package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/brightloom/voicefuse/internal/pipeline"
	"github.com/brightloom/voicefuse/internal/retry"
)

type identifyVoiceprintRef struct {
	Label      string `json:"label"`
	Voiceprint string `json:"voiceprint"` // base64
}

type identifyRequest struct {
	URL               string                  `json:"url"`
	Voiceprints       []identifyVoiceprintRef `json:"voiceprints"`
	MatchingThreshold float64                 `json:"matching_threshold"`
	Exclusive         bool                    `json:"exclusive"`
	Webhook           string                  `json:"webhook,omitempty"`
}

type rawIdentificationSegment struct {
	Start        float64  `json:"start"`
	End          float64  `json:"end"`
	Speaker      string   `json:"speaker"`
	Confidence   *float64 `json:"confidence,omitempty"`
	IdentifiedAs string   `json:"identified_as,omitempty"`
	MatchScore   *float64 `json:"match_score,omitempty"`
}

// DefaultMatchingThreshold is §4.4.2's default.
const DefaultMatchingThreshold = 0.5

// Identify implements §4.4.2: identical to Diarize but scoped against a
// set of known voiceprints.
func (p *DiarizationProvider) Identify(ctx context.Context, handle pipeline.MediaHandle, voiceprints []pipeline.Voiceprint, threshold float64, exclusive bool, webhookURL string) ([]pipeline.FusedSegment, *pipeline.JobHandle, error) {
	if threshold == 0 {
		threshold = DefaultMatchingThreshold
	}
	if threshold < 0 || threshold > 1 {
		return nil, nil, pipeline.NewError(pipeline.KindValidation, pipeline.StageIdentify, diarizationProviderName, fmt.Errorf("matching_threshold %v out of [0,1]", threshold))
	}

	if _, err := p.Budget.Acquire(ctx, diarizationProviderName); err != nil {
		return nil, nil, pipeline.NewError(pipeline.KindCancelled, pipeline.StageIdentify, diarizationProviderName, err)
	}

	refs := make([]identifyVoiceprintRef, 0, len(voiceprints))
	for _, vp := range voiceprints {
		refs = append(refs, identifyVoiceprintRef{Label: vp.Label, Voiceprint: base64.StdEncoding.EncodeToString(vp.Payload)})
	}

	jobID, err := retry.Run(ctx, p.Exec, diarizationProviderName, "identify_submit", func(ctx context.Context) (string, error) {
		var out diarizeJobResponse
		req := identifyRequest{URL: string(handle), Voiceprints: refs, MatchingThreshold: threshold, Exclusive: exclusive, Webhook: webhookURL}
		if _, err := doJSON(ctx, p.Client, http.MethodPost, p.BaseURL+"/identify", p.Token, req, &out); err != nil {
			return "", err
		}
		return out.JobID, nil
	})
	if err != nil {
		return nil, nil, err
	}

	if webhookURL != "" {
		return nil, &pipeline.JobHandle{JobID: jobID, Kind: pipeline.JobKindIdentify, SubmittedAt: time.Now(), WebhookURL: webhookURL}, nil
	}

	raw, err := pollJob(ctx, p.Client, p.BaseURL, p.Token, diarizationProviderName, p.Budget, p.Exec, jobID)
	if err != nil {
		return nil, nil, err
	}
	segs, err := DecodeIdentificationSegments(raw)
	if err != nil {
		return nil, nil, pipeline.NewError(pipeline.KindSchema, pipeline.StageIdentify, diarizationProviderName, err)
	}
	return segs, nil, nil
}

// DecodeIdentificationSegments parses raw identification output. Exported
// for the same resume-from-webhook reason as DecodeDiarizationSegments.
func DecodeIdentificationSegments(raw json.RawMessage) ([]pipeline.FusedSegment, error) {
	var rawSegs []rawIdentificationSegment
	if err := json.Unmarshal(raw, &rawSegs); err != nil {
		return nil, fmt.Errorf("decode identification output: %w", err)
	}
	segs := make([]pipeline.FusedSegment, 0, len(rawSegs))
	for _, r := range rawSegs {
		seg := pipeline.FusedSegment{
			Start: r.Start, End: r.End, Speaker: r.Speaker, Confidence: r.Confidence,
			IdentifiedAs: r.IdentifiedAs, MatchScore: r.MatchScore,
		}
		segs = append(segs, seg)
	}
	return segs, nil
}
