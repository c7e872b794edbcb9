package chunker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightloom/voicefuse/internal/pipeline"
	"github.com/brightloom/voicefuse/internal/providers"
	"github.com/brightloom/voicefuse/internal/ratebudget"
	"github.com/brightloom/voicefuse/internal/retry"
)

func newTestProvider(baseURL string) *providers.TranscriptionProvider {
	budget := ratebudget.New(map[string]int{"transcription": 1000}, logrus.StandardLogger())
	return providers.NewTranscriptionProvider(baseURL, "tok", budget, retry.NewExecutor(nil))
}

type fakeConverter struct{ duration float64 }

func (f *fakeConverter) Normalize(ctx context.Context, src, dst string) error { return nil }
func (f *fakeConverter) Duration(ctx context.Context, path string) (float64, error) {
	return f.duration, nil
}

type fakeSplitter struct {
	chunks []pipeline.Chunk
	err    error
}

func (f *fakeSplitter) Split(ctx context.Context, path, destDir string) ([]pipeline.Chunk, error) {
	return f.chunks, f.err
}

func smallFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "small.wav")
	require.NoError(t, os.WriteFile(path, []byte("small audio"), 0o644))
	return path
}

func TestChunker_Transcribe_SkipsChunkingForSmallFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"text": "hello"})
	}))
	defer srv.Close()

	c := New(&fakeSplitter{}, &fakeConverter{duration: 5}, newTestProvider(srv.URL), t.TempDir())
	segs, err := c.Transcribe(context.Background(), smallFile(t), "M_cheap", "en", "")
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, "hello", segs[0].Text)
}

func chunkFile(t *testing.T, dir string, index int) pipeline.Chunk {
	t.Helper()
	path := filepath.Join(dir, fmt.Sprintf("chunk-%d.wav", index))
	require.NoError(t, os.WriteFile(path, []byte("chunk"), 0o644))
	return pipeline.Chunk{Index: index, Path: path, OffsetSeconds: float64(index) * 100, DurationSeconds: 90}
}

func bigFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "big.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(MaxSingleCallBytes+1))
	require.NoError(t, f.Close())
	return path
}

func TestChunker_Transcribe_SplitsAndOffsetsChunkedSegments(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(map[string]any{
			"segments": []map[string]any{{"start": 0, "end": 10, "text": "part"}},
			"text":     "part",
			"language": "en",
		})
	}))
	defer srv.Close()

	dir := t.TempDir()
	chunks := []pipeline.Chunk{chunkFile(t, dir, 0), chunkFile(t, dir, 1)}
	splitter := &fakeSplitter{chunks: chunks}
	c := New(splitter, &fakeConverter{duration: 200}, newTestProvider(srv.URL), dir)

	segs, err := c.Transcribe(context.Background(), bigFile(t), "M_cheap", "en", "")
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	require.Len(t, segs, 2)

	offsets := map[float64]bool{}
	for _, s := range segs {
		offsets[s.Start] = true
	}
	assert.True(t, offsets[0])
	assert.True(t, offsets[100])

	for _, chunk := range chunks {
		_, err := os.Stat(chunk.Path)
		assert.True(t, os.IsNotExist(err), "chunk files should be cleaned up after transcription")
	}
}

func TestChunker_Transcribe_PropagatesSplitterError(t *testing.T) {
	c := New(&fakeSplitter{err: fmt.Errorf("split boom")}, &fakeConverter{duration: 1}, newTestProvider("http://unused"), t.TempDir())
	_, err := c.Transcribe(context.Background(), bigFile(t), "M_cheap", "en", "")
	require.Error(t, err)
}

func TestChunker_Transcribe_CancelsRemainingChunksOnOneFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"text": "ok"})
	}))
	defer srv.Close()

	dir := t.TempDir()
	chunks := []pipeline.Chunk{chunkFile(t, dir, 0), chunkFile(t, dir, 1)}
	c := New(&fakeSplitter{chunks: chunks}, &fakeConverter{duration: 200}, newTestProvider(srv.URL), dir)

	_, err := c.Transcribe(context.Background(), bigFile(t), "M_cheap", "en", "")
	require.Error(t, err)
}
