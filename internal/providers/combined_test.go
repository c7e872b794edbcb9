package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightloom/voicefuse/internal/ratebudget"
	"github.com/brightloom/voicefuse/internal/retry"
)

func newCombinedProvider(baseURL string) *CombinedProvider {
	budget := ratebudget.New(map[string]int{combinedProviderName: 1000}, logrus.StandardLogger())
	return NewCombinedProvider(baseURL, "tok", budget, retry.NewExecutor(nil))
}

func TestCombinedProvider_Run_DecodesFlatSegmentsAndValidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/predictions":
			json.NewEncoder(w).Encode(map[string]string{"id": "pred-1"})
		case r.URL.Path == "/jobs/pred-1":
			json.NewEncoder(w).Encode(map[string]any{
				"status": "succeeded",
				"output": []map[string]any{
					{"start": 0, "end": 1.5, "speaker": "SPEAKER_00", "text": "hello"},
					{"start": 1.5, "end": 3, "speaker": "SPEAKER_01", "text": "world"},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := newCombinedProvider(srv.URL)
	segs, err := p.Run(context.Background(), "https://media/file.wav", "en", nil)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, "SPEAKER_00", segs[0].DiarizationSpeaker)
	assert.Equal(t, "hello", segs[0].Text)
	assert.Equal(t, 1.5, segs[1].Start)
}

func TestCombinedProvider_Run_RejectsOutOfOrderOutputViaValidation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/predictions":
			json.NewEncoder(w).Encode(map[string]string{"id": "pred-1"})
		case r.URL.Path == "/jobs/pred-1":
			json.NewEncoder(w).Encode(map[string]any{
				"status": "succeeded",
				"output": []map[string]any{
					{"start": 5, "end": 6, "speaker": "SPEAKER_00", "text": "late"},
					{"start": 0, "end": 1, "speaker": "SPEAKER_01", "text": "early"},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := newCombinedProvider(srv.URL)
	_, err := p.Run(context.Background(), "https://media/file.wav", "en", nil)
	require.Error(t, err)
}

func TestCombinedProvider_Run_PropagatesPredictionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/predictions" {
			json.NewEncoder(w).Encode(map[string]string{"id": "pred-1"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "failed"})
	}))
	defer srv.Close()

	p := newCombinedProvider(srv.URL)
	_, err := p.Run(context.Background(), "https://media/file.wav", "en", nil)
	require.Error(t, err)
}
