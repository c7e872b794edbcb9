package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"

	"github.com/brightloom/voicefuse/internal/pipeline"
	"github.com/brightloom/voicefuse/internal/ratebudget"
	"github.com/brightloom/voicefuse/internal/retry"
)

// Model names recognized by §4.4.3's response-format policy.
const (
	ModelCheap = "M_cheap"
	ModelMid   = "M_mid"
	ModelHigh  = "M_high"
)

const transcriptionProviderName = "transcription"

// TranscriptionProvider implements §4.4.3, grounded on the teacher's
// audio.Transcriber: build a multipart form, POST it, parse the response.
// Unlike the teacher (hardcoded to whisper-1 + verbose_json), the response
// format here depends on the model, per the §4.4.3 asymmetry.
type TranscriptionProvider struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Budget  *ratebudget.Budget
	Exec    *retry.Executor
}

// NewTranscriptionProvider builds a provider client. The HTTP client
// timeout is set per-call by Transcribe (adaptive, §4.2), so the base
// client here carries no timeout of its own.
func NewTranscriptionProvider(baseURL, token string, budget *ratebudget.Budget, ex *retry.Executor) *TranscriptionProvider {
	return &TranscriptionProvider{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{},
		Budget:  budget,
		Exec:    ex,
	}
}

type verboseJSONResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

type plainTextResponse struct {
	Text string `json:"text"`
}

// Transcribe implements §4.4.3 for one chunk (a local audio file ≤ 25MB).
// chunkDuration is the chunk's own duration, used to synthesize a
// whole-chunk segment when the model's response format doesn't include
// per-segment timing (M_mid/M_high).
func (p *TranscriptionProvider) Transcribe(ctx context.Context, audioPath, model, language, prompt string, chunkDuration float64) ([]pipeline.TranscriptionSegment, error) {
	info, err := os.Stat(audioPath)
	if err != nil {
		return nil, pipeline.NewError(pipeline.KindValidation, pipeline.StageTranscribe, transcriptionProviderName, err)
	}

	if _, err := p.Budget.Acquire(ctx, transcriptionProviderName); err != nil {
		return nil, pipeline.NewError(pipeline.KindCancelled, pipeline.StageTranscribe, transcriptionProviderName, err)
	}

	timeout := adaptiveTranscribeTimeout(info.Size())
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	responseFormat := "verbose_json"
	if model != ModelCheap {
		responseFormat = "json"
	}

	return retry.Run(callCtx, p.Exec, transcriptionProviderName, "transcribe", func(ctx context.Context) ([]pipeline.TranscriptionSegment, error) {
		return p.transcribeOnce(ctx, audioPath, model, language, prompt, responseFormat, chunkDuration)
	})
}

func (p *TranscriptionProvider) transcribeOnce(ctx context.Context, audioPath, model, language, prompt, responseFormat string, chunkDuration float64) ([]pipeline.TranscriptionSegment, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, pipeline.NewError(pipeline.KindValidation, pipeline.StageTranscribe, transcriptionProviderName, err)
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", audioPath)
	if err != nil {
		return nil, pipeline.NewError(pipeline.KindInternal, pipeline.StageTranscribe, transcriptionProviderName, err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, pipeline.NewError(pipeline.KindInternal, pipeline.StageTranscribe, transcriptionProviderName, err)
	}
	_ = writer.WriteField("model", model)
	_ = writer.WriteField("response_format", responseFormat)
	if language != "" {
		_ = writer.WriteField("language", language)
	}
	if prompt != "" {
		_ = writer.WriteField("prompt", prompt)
	}
	if err := writer.Close(); err != nil {
		return nil, pipeline.NewError(pipeline.KindInternal, pipeline.StageTranscribe, transcriptionProviderName, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/audio/transcriptions", &body)
	if err != nil {
		return nil, pipeline.NewError(pipeline.KindInternal, pipeline.StageTranscribe, transcriptionProviderName, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.Token)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, pipeline.NewError(retry.ClassifyHTTP(0, err), pipeline.StageTranscribe, transcriptionProviderName, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, pipeline.NewError(pipeline.KindInternal, pipeline.StageTranscribe, transcriptionProviderName, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := retry.ClassifyHTTP(resp.StatusCode, nil)
		return nil, pipeline.NewError(kind, pipeline.StageTranscribe, transcriptionProviderName, fmt.Errorf("status %d: %s", resp.StatusCode, string(raw)))
	}

	// §4.4.3: M_cheap returns detailed segments; M_mid/M_high return a
	// single text blob that must be synthesized into one whole-chunk
	// segment. This asymmetry is behavioral and preserved here rather than
	// normalized away.
	if responseFormat == "verbose_json" {
		var vr verboseJSONResponse
		if err := json.Unmarshal(raw, &vr); err != nil {
			return nil, pipeline.NewError(pipeline.KindSchema, pipeline.StageTranscribe, transcriptionProviderName, err)
		}
		segs := make([]pipeline.TranscriptionSegment, 0, len(vr.Segments))
		for _, s := range vr.Segments {
			segs = append(segs, pipeline.TranscriptionSegment{Start: s.Start, End: s.End, Text: s.Text, Language: vr.Language})
		}
		if len(segs) == 0 && vr.Text != "" {
			segs = append(segs, pipeline.TranscriptionSegment{Start: 0, End: chunkDuration, Text: vr.Text, Language: vr.Language})
		}
		return segs, nil
	}

	var pr plainTextResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return nil, pipeline.NewError(pipeline.KindSchema, pipeline.StageTranscribe, transcriptionProviderName, err)
	}
	return []pipeline.TranscriptionSegment{{Start: 0, End: chunkDuration, Text: pr.Text, Language: language}}, nil
}
