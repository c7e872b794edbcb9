package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/brightloom/voicefuse/internal/pipeline"
	"github.com/brightloom/voicefuse/internal/ratebudget"
	"github.com/brightloom/voicefuse/internal/retry"
)

const combinedProviderName = "combined"

// CombinedProvider implements §4.4.4: a single call returning both
// speakers and text, Replicate-prediction shaped (submit, poll, terminal
// output) per §6.1.
type CombinedProvider struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Budget  *ratebudget.Budget
	Exec    *retry.Executor
}

// NewCombinedProvider builds a combined-pipeline provider client.
func NewCombinedProvider(baseURL, token string, budget *ratebudget.Budget, ex *retry.Executor) *CombinedProvider {
	return &CombinedProvider{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: fixedCallTimeout},
		Budget:  budget,
		Exec:    ex,
	}
}

type predictionRequest struct {
	Input struct {
		FileURL     string `json:"file_url"`
		Language    string `json:"language,omitempty"`
		NumSpeakers *int   `json:"num_speakers,omitempty"`
	} `json:"input"`
}

type predictionSubmitResponse struct {
	ID string `json:"id"`
}

type rawCombinedSegment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
	Text    string  `json:"text"`
}

// Run submits a combined diarize+transcribe prediction and polls it to
// completion. numSpeakers is an optional hint; pass nil to let the
// provider infer the speaker count.
func (p *CombinedProvider) Run(ctx context.Context, fileURL, language string, numSpeakers *int) ([]pipeline.FusedSegment, error) {
	if _, err := p.Budget.Acquire(ctx, combinedProviderName); err != nil {
		return nil, pipeline.NewError(pipeline.KindCancelled, pipeline.StageCombined, combinedProviderName, err)
	}

	predictionID, err := retry.Run(ctx, p.Exec, combinedProviderName, "predict_submit", func(ctx context.Context) (string, error) {
		var req predictionRequest
		req.Input.FileURL = fileURL
		req.Input.Language = language
		req.Input.NumSpeakers = numSpeakers

		var out predictionSubmitResponse
		if _, err := doJSON(ctx, p.Client, http.MethodPost, p.BaseURL+"/predictions", p.Token, req, &out); err != nil {
			return "", err
		}
		return out.ID, nil
	})
	if err != nil {
		return nil, err
	}

	raw, err := pollJob(ctx, p.Client, p.BaseURL, p.Token, combinedProviderName, p.Budget, p.Exec, predictionID)
	if err != nil {
		return nil, err
	}

	var rawSegs []rawCombinedSegment
	if err := json.Unmarshal(raw, &rawSegs); err != nil {
		return nil, pipeline.NewError(pipeline.KindSchema, pipeline.StageCombined, combinedProviderName, fmt.Errorf("decode combined output: %w", err))
	}
	segs := make([]pipeline.FusedSegment, 0, len(rawSegs))
	for _, r := range rawSegs {
		segs = append(segs, pipeline.FusedSegment{
			Start: r.Start, End: r.End, Speaker: r.Speaker, Text: r.Text, DiarizationSpeaker: r.Speaker,
		})
	}
	if err := pipeline.ValidateFusedSegments(segs); err != nil {
		return nil, pipeline.NewError(pipeline.KindSchema, pipeline.StageCombined, combinedProviderName, err)
	}
	return segs, nil
}
