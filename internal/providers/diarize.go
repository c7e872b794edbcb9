package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/brightloom/voicefuse/internal/pipeline"
	"github.com/brightloom/voicefuse/internal/ratebudget"
	"github.com/brightloom/voicefuse/internal/retry"
)

// DiarizationProvider implements §4.4.1 Diarize and the §6.1 upload-URL
// and voiceprint endpoints, all of which live on the same base service.
type DiarizationProvider struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Budget  *ratebudget.Budget
	Exec    *retry.Executor
}

const diarizationProviderName = "diarization"

// NewDiarizationProvider builds a DiarizationProvider with §4.2's fixed
// 300s timeout for non-transcription calls.
func NewDiarizationProvider(baseURL, token string, budget *ratebudget.Budget, ex *retry.Executor) *DiarizationProvider {
	return &DiarizationProvider{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: fixedCallTimeout},
		Budget:  budget,
		Exec:    ex,
	}
}

// RequestUploadURL implements uploader.UploadURLProvider, §6.1
// "POST /media/input -> {url, media_url}".
func (p *DiarizationProvider) RequestUploadURL(ctx context.Context) (uploadURL, mediaURL string, err error) {
	if _, err := p.Budget.Acquire(ctx, diarizationProviderName); err != nil {
		return "", "", pipeline.NewError(pipeline.KindCancelled, pipeline.StageUpload, diarizationProviderName, err)
	}

	type resp struct {
		URL      string `json:"url"`
		MediaURL string `json:"media_url"`
	}
	out, err := retry.Run(ctx, p.Exec, diarizationProviderName, "media_input", func(ctx context.Context) (resp, error) {
		var r resp
		if _, err := doJSON(ctx, p.Client, http.MethodPost, p.BaseURL+"/media/input", p.Token, nil, &r); err != nil {
			return resp{}, err
		}
		return r, nil
	})
	if err != nil {
		return "", "", err
	}
	return out.URL, out.MediaURL, nil
}

type diarizeRequest struct {
	URL     string `json:"url"`
	Webhook string `json:"webhook,omitempty"`
}

type diarizeJobResponse struct {
	JobID string `json:"jobId"`
}

type rawDiarizationSegment struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Speaker    string   `json:"speaker"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Diarize implements §4.4.1. If webhookURL is non-empty, the provider is
// expected to dispatch asynchronously and this returns a JobHandle
// immediately without polling. Otherwise it submits and polls to
// completion per the §4.4.1 "Polling (sync path)" rule.
func (p *DiarizationProvider) Diarize(ctx context.Context, handle pipeline.MediaHandle, webhookURL string) ([]pipeline.DiarizationSegment, *pipeline.JobHandle, error) {
	if _, err := p.Budget.Acquire(ctx, diarizationProviderName); err != nil {
		return nil, nil, pipeline.NewError(pipeline.KindCancelled, pipeline.StageDiarize, diarizationProviderName, err)
	}

	jobID, err := retry.Run(ctx, p.Exec, diarizationProviderName, "diarize_submit", func(ctx context.Context) (string, error) {
		var out diarizeJobResponse
		req := diarizeRequest{URL: string(handle), Webhook: webhookURL}
		if _, err := doJSON(ctx, p.Client, http.MethodPost, p.BaseURL+"/diarize", p.Token, req, &out); err != nil {
			return "", err
		}
		return out.JobID, nil
	})
	if err != nil {
		return nil, nil, err
	}

	if webhookURL != "" {
		return nil, &pipeline.JobHandle{JobID: jobID, Kind: pipeline.JobKindDiarize, SubmittedAt: time.Now(), WebhookURL: webhookURL}, nil
	}

	raw, err := pollJob(ctx, p.Client, p.BaseURL, p.Token, diarizationProviderName, p.Budget, p.Exec, jobID)
	if err != nil {
		return nil, nil, err
	}
	segs, err := DecodeDiarizationSegments(raw)
	if err != nil {
		return nil, nil, pipeline.NewError(pipeline.KindSchema, pipeline.StageDiarize, diarizationProviderName, err)
	}
	return segs, nil, nil
}

// DecodeDiarizationSegments parses raw diarization output, validating each
// segment. Exported so a stage resuming from a delivered webhook payload
// can decode it the same way the synchronous polling path does.
func DecodeDiarizationSegments(raw json.RawMessage) ([]pipeline.DiarizationSegment, error) {
	var rawSegs []rawDiarizationSegment
	if err := json.Unmarshal(raw, &rawSegs); err != nil {
		return nil, fmt.Errorf("decode diarization output: %w", err)
	}
	segs := make([]pipeline.DiarizationSegment, 0, len(rawSegs))
	for _, r := range rawSegs {
		seg := pipeline.DiarizationSegment{Start: r.Start, End: r.End, Speaker: r.Speaker, Confidence: r.Confidence}
		if err := seg.Validate(); err != nil {
			return nil, err
		}
		segs = append(segs, seg)
	}
	return segs, nil
}
