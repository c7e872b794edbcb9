package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightloom/voicefuse/internal/pipeline"
)

func TestDiarizationProvider_CreateVoiceprint_RejectsShortDurationWithoutNetworkCall(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	p := newDiarizationProvider(srv.URL)
	_, err := p.CreateVoiceprint(context.Background(), "media://1", "alice", 4.9)
	require.Error(t, err)
	var pErr *pipeline.Error
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, pipeline.KindValidation, pErr.Kind)
	assert.False(t, called, "must reject before making any request")
}

func TestDiarizationProvider_CreateVoiceprint_DecodesAndValidatesOutput(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("embedding-bytes"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/voiceprint":
			json.NewEncoder(w).Encode(map[string]string{"jobId": "job-1"})
		case "/jobs/job-1":
			json.NewEncoder(w).Encode(map[string]any{
				"status": "succeeded",
				"output": map[string]any{"voiceprint": payload},
			})
		}
	}))
	defer srv.Close()

	p := newDiarizationProvider(srv.URL)
	vp, err := p.CreateVoiceprint(context.Background(), "media://1", "alice", 12)
	require.NoError(t, err)
	require.NotNil(t, vp)
	assert.Equal(t, "alice", vp.Label)
	assert.Equal(t, 12.0, vp.DurationSeconds)
}

func TestDiarizationProvider_CreateVoiceprint_PropagatesJobFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/voiceprint" {
			json.NewEncoder(w).Encode(map[string]string{"jobId": "job-1"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "failed"})
	}))
	defer srv.Close()

	p := newDiarizationProvider(srv.URL)
	_, err := p.CreateVoiceprint(context.Background(), "media://1", "alice", 12)
	require.Error(t, err)
}
