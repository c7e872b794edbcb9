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

type voiceprintRequest struct {
	URL string `json:"url"`
}

type voiceprintSubmitResponse struct {
	JobID string `json:"jobId"`
}

type voiceprintOutput struct {
	Voiceprint string `json:"voiceprint"` // base64
}

// CreateVoiceprint implements §4.4.5. durationSeconds is the caller's
// measured duration of the sample (via audioconv.Converter.Duration) and
// gates the <5s/5-10s/10-30s bands before any call is made.
func (p *DiarizationProvider) CreateVoiceprint(ctx context.Context, handle pipeline.MediaHandle, label string, durationSeconds float64) (*pipeline.Voiceprint, error) {
	if durationSeconds < 5 {
		return nil, pipeline.NewError(pipeline.KindValidation, pipeline.StageIdentify, diarizationProviderName,
			fmt.Errorf("voiceprint sample too short: %.1fs (minimum 5s)", durationSeconds))
	}
	// 5-10s is accepted but suboptimal (§4.4.5); 10-30s is optimal. Neither
	// band is rejected — only surfaced by the caller's logger.

	if _, err := p.Budget.Acquire(ctx, diarizationProviderName); err != nil {
		return nil, pipeline.NewError(pipeline.KindCancelled, pipeline.StageIdentify, diarizationProviderName, err)
	}

	jobID, err := retry.Run(ctx, p.Exec, diarizationProviderName, "voiceprint_submit", func(ctx context.Context) (string, error) {
		var out voiceprintSubmitResponse
		req := voiceprintRequest{URL: string(handle)}
		if _, err := doJSON(ctx, p.Client, http.MethodPost, p.BaseURL+"/voiceprint", p.Token, req, &out); err != nil {
			return "", err
		}
		return out.JobID, nil
	})
	if err != nil {
		return nil, err
	}

	raw, err := pollJob(ctx, p.Client, p.BaseURL, p.Token, diarizationProviderName, p.Budget, p.Exec, jobID)
	if err != nil {
		return nil, err
	}

	var out voiceprintOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, pipeline.NewError(pipeline.KindSchema, pipeline.StageIdentify, diarizationProviderName, fmt.Errorf("decode voiceprint output: %w", err))
	}
	payload, err := base64.StdEncoding.DecodeString(out.Voiceprint)
	if err != nil {
		return nil, pipeline.NewError(pipeline.KindSchema, pipeline.StageIdentify, diarizationProviderName, fmt.Errorf("decode voiceprint payload: %w", err))
	}

	vp := &pipeline.Voiceprint{Label: label, Payload: payload, CreatedAt: time.Now(), DurationSeconds: durationSeconds}
	if err := vp.Validate(); err != nil {
		return nil, pipeline.NewError(pipeline.KindSchema, pipeline.StageIdentify, diarizationProviderName, err)
	}
	return vp, nil
}
