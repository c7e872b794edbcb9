package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightloom/voicefuse/internal/pipeline"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir, time.Hour)
	require.NoError(t, err)
	return s
}

func TestStore_Load_MissingFileIsNotAnError(t *testing.T) {
	s := newTestStore(t)
	state, err := s.Load("does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestStore_SaveThenLoad_RoundTrips(t *testing.T) {
	s := newTestStore(t)
	state := &pipeline.PipelineState{
		PipelineID:       "abc123",
		InputFingerprint: "deadbeef",
		LastUpdated:      time.Now(),
	}
	state.MarkCompleted(pipeline.StageUpload, "/tmp/out.json", nil)

	require.NoError(t, s.Save(state))

	loaded, err := s.Load("abc123")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, state.PipelineID, loaded.PipelineID)
	assert.True(t, loaded.HasCompleted(pipeline.StageUpload))
}

func TestStore_Save_WritesAtomicallyNoTempFileLeftBehind(t *testing.T) {
	s := newTestStore(t)
	state := &pipeline.PipelineState{PipelineID: "p1", InputFingerprint: "f1", LastUpdated: time.Now()}
	require.NoError(t, s.Save(state))

	entries, err := os.ReadDir(filepath.Join(s.DataRoot, "checkpoints"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "p1_state.json", entries[0].Name())
}

func TestStore_ForceRestart_RemovesStateFile(t *testing.T) {
	s := newTestStore(t)
	state := &pipeline.PipelineState{PipelineID: "p1", InputFingerprint: "f1", LastUpdated: time.Now()}
	require.NoError(t, s.Save(state))

	require.NoError(t, s.ForceRestart("p1"))

	loaded, err := s.Load("p1")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestStore_ForceRestart_MissingFileIsNotAnError(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.ForceRestart("never-existed"))
}

func TestStore_HashFile_IsStableAndMemoized(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(t.TempDir(), "input.wav")
	require.NoError(t, os.WriteFile(path, []byte("hello audio"), 0o644))

	h1, err := s.HashFile(path)
	require.NoError(t, err)
	h2, err := s.HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.NotEmpty(t, h1)
}

func TestPipelineID_IsDeterministicAndDependsOnBothInputs(t *testing.T) {
	id1 := PipelineID("fp1", "cfg1")
	id2 := PipelineID("fp1", "cfg1")
	id3 := PipelineID("fp1", "cfg2")
	id4 := PipelineID("fp2", "cfg1")

	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, id3)
	assert.NotEqual(t, id1, id4)
	assert.Len(t, id1, 32)
}

func TestStore_ValidForResume_RejectsWhenInputHashChanged(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(t.TempDir(), "input.wav")
	require.NoError(t, os.WriteFile(path, []byte("version one"), 0o644))

	fp, err := s.HashFile(path)
	require.NoError(t, err)

	state := &pipeline.PipelineState{PipelineID: "p1", InputFingerprint: fp, LastUpdated: time.Now()}
	ok, reason := s.ValidForResume(state, path)
	assert.True(t, ok)
	assert.Empty(t, reason)

	require.NoError(t, os.WriteFile(path, []byte("version two, totally different content"), 0o644))
	ok, reason = s.ValidForResume(state, path)
	assert.False(t, ok)
	assert.NotEmpty(t, reason)
}

func TestStore_ValidForResume_RejectsWhenOlderThanMaxAge(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(t.TempDir(), "input.wav")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
	fp, err := s.HashFile(path)
	require.NoError(t, err)

	state := &pipeline.PipelineState{
		PipelineID:       "p1",
		InputFingerprint: fp,
		LastUpdated:      time.Now().Add(-2 * time.Hour),
	}
	ok, reason := s.ValidForResume(state, path)
	assert.False(t, ok)
	assert.Contains(t, reason, "auto-resume max age")
}

func TestStore_ValidForResume_RejectsWhenCompletedStageOutputMissing(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(t.TempDir(), "input.wav")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
	fp, err := s.HashFile(path)
	require.NoError(t, err)

	state := &pipeline.PipelineState{PipelineID: "p1", InputFingerprint: fp, LastUpdated: time.Now()}
	state.MarkCompleted(pipeline.StageUpload, filepath.Join(t.TempDir(), "missing_output.json"), nil)

	ok, reason := s.ValidForResume(state, path)
	assert.False(t, ok)
	assert.Contains(t, reason, "missing")
}

func TestStore_PurgeOlderThan_RemovesStaleStatesOnly(t *testing.T) {
	s := newTestStore(t)
	fresh := &pipeline.PipelineState{PipelineID: "fresh", InputFingerprint: "f", LastUpdated: time.Now()}
	stale := &pipeline.PipelineState{PipelineID: "stale", InputFingerprint: "f", LastUpdated: time.Now().Add(-72 * time.Hour)}
	require.NoError(t, s.Save(fresh))
	require.NoError(t, s.Save(stale))

	n, err := s.PurgeOlderThan(48 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	loadedFresh, err := s.Load("fresh")
	require.NoError(t, err)
	assert.NotNil(t, loadedFresh)

	loadedStale, err := s.Load("stale")
	require.NoError(t, err)
	assert.Nil(t, loadedStale)
}
