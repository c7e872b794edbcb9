// Package checkpoint implements the Checkpoint Store: file-based
// persistence of PipelineState under a configurable data root, atomic
// writes (write-to-temp, fsync, rename), and the validation rules that
// decide whether a stored checkpoint may be reused or must be recomputed
// (§4.7, §6.3).
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/brightloom/voicefuse/internal/pipeline"
)

// AutoResumeMaxAge is §4.7's default automatic-resume cutoff.
const AutoResumeMaxAge = 24 * time.Hour

// Store persists PipelineState under dataRoot/checkpoints/{pipeline_id}_state.json
// and memoizes input-file content hashes (§6.3, §9 "Dict-typed payloads...
// validate on every persistence boundary").
type Store struct {
	DataRoot         string
	AutoResumeMaxAge time.Duration

	hashCache *lru.Cache[string, cachedHash]
}

type cachedHash struct {
	modTime time.Time
	size    int64
	hash    string
}

// New builds a Store rooted at dataRoot, memoizing up to 256 input-file
// hashes — the teacher's estuary-flow sibling uses the same LRU package to
// avoid rehashing unchanged inputs on every poll.
func New(dataRoot string, autoResumeMaxAge time.Duration) (*Store, error) {
	cache, err := lru.New[string, cachedHash](256)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: build hash cache: %w", err)
	}
	if autoResumeMaxAge <= 0 {
		autoResumeMaxAge = AutoResumeMaxAge
	}
	return &Store{DataRoot: dataRoot, AutoResumeMaxAge: autoResumeMaxAge, hashCache: cache}, nil
}

func (s *Store) checkpointsDir() string { return filepath.Join(s.DataRoot, "checkpoints") }
func (s *Store) interimDir() string     { return filepath.Join(s.DataRoot, "interim") }

// StatePath returns the canonical path for a pipeline's state file (§6.3).
func (s *Store) StatePath(pipelineID string) string {
	return filepath.Join(s.checkpointsDir(), pipelineID+"_state.json")
}

// InterimPath returns the canonical path for a named interim artifact
// (§6.3, e.g. "{stem}_diarization.json").
func (s *Store) InterimPath(name string) string {
	return filepath.Join(s.interimDir(), name)
}

// Load reads a pipeline's state file if present. A missing file is not an
// error — it signals a fresh run — and returns (nil, nil).
func (s *Store) Load(pipelineID string) (*pipeline.PipelineState, error) {
	raw, err := os.ReadFile(s.StatePath(pipelineID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read state: %w", err)
	}
	var state pipeline.PipelineState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, pipeline.NewError(pipeline.KindSchema, "", "checkpoint", fmt.Errorf("parse state: %w", err))
	}
	if err := state.Validate(); err != nil {
		return nil, pipeline.NewError(pipeline.KindSchema, "", "checkpoint", err)
	}
	return &state, nil
}

// Save writes state atomically: write-to-temp in the same directory,
// fsync, rename over the destination (§4.7, §5 "the file write is
// atomic").
func (s *Store) Save(state *pipeline.PipelineState) error {
	dir := s.checkpointsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: mkdir: %w", err)
	}

	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal state: %w", err)
	}

	dest := s.StatePath(state.PipelineID)
	tmp, err := os.CreateTemp(dir, filepath.Base(dest)+".tmp-*")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("checkpoint: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("checkpoint: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("checkpoint: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("checkpoint: rename: %w", err)
	}
	return nil
}

// ForceRestart deletes a pipeline's state file so the scheduler begins
// from the first stage (§4.7 "Force-restart").
func (s *Store) ForceRestart(pipelineID string) error {
	err := os.Remove(s.StatePath(pipelineID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("checkpoint: force restart: %w", err)
	}
	return nil
}

// ValidForResume implements §4.7's checkpoint validation: (a) the input
// file still exists and its content hash matches inputFingerprint, (b)
// every completed stage's output file exists, (c) age <= AutoResumeMaxAge,
// (d) the JSON state parsed and validated cleanly (already true by the
// time Load returns a non-nil state).
func (s *Store) ValidForResume(state *pipeline.PipelineState, inputPath string) (bool, string) {
	if time.Since(state.LastUpdated) > s.AutoResumeMaxAge {
		return false, "checkpoint older than auto-resume max age"
	}

	fingerprint, err := s.HashFile(inputPath)
	if err != nil {
		return false, fmt.Sprintf("input file unreadable: %v", err)
	}
	if fingerprint != state.InputFingerprint {
		return false, "input file content hash no longer matches recorded fingerprint"
	}

	for _, cp := range state.Checkpoints {
		if !cp.Success || cp.OutputRef == "" {
			continue
		}
		if _, err := os.Stat(cp.OutputRef); err != nil {
			return false, fmt.Sprintf("output for stage %s missing: %v", cp.Stage, err)
		}
	}
	return true, ""
}

// HashFile computes (and memoizes, keyed by path+size+modtime) the sha256
// content hash used for input fingerprints and pipeline_id derivation.
func (s *Store) HashFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if cached, ok := s.hashCache.Get(path); ok && cached.modTime.Equal(info.ModTime()) && cached.size == info.Size() {
		return cached.hash, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	sum := hex.EncodeToString(h.Sum(nil))
	s.hashCache.Add(path, cachedHash{modTime: info.ModTime(), size: info.Size(), hash: sum})
	return sum, nil
}

// FindByPendingJobID scans persisted states for the one whose current
// stage's most recent checkpoint carries a pending job matching jobID.
// job_id is the only correlation key an inbound webhook carries in its
// body (§4.7 "Async stage completion"); a Listener uses this to recover
// which pipeline and stage to resume. Returns (nil, nil) if no state is
// waiting on this job.
func (s *Store) FindByPendingJobID(jobID string) (*pipeline.PipelineState, error) {
	dir := s.checkpointsDir()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list states: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), "_state.json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var state pipeline.PipelineState
		if err := json.Unmarshal(raw, &state); err != nil {
			continue
		}
		if job := state.PendingJob(state.CurrentStage); job != nil && job.JobID == jobID {
			return &state, nil
		}
	}
	return nil, nil
}

// PipelineID derives the content-addressable id by hashing the input
// file's content fingerprint together with the config fingerprint. The
// input path is not part of the hash: the same content under two paths
// with the same config yields the same id.
func PipelineID(inputFingerprint, configFingerprint string) string {
	h := sha256.Sum256([]byte(inputFingerprint + "|" + configFingerprint))
	return hex.EncodeToString(h[:])[:32]
}

// PurgeOlderThan implements §4.7's retention task: delete state files
// whose last_updated exceeds maxAge (default 48h, configurable).
func (s *Store) PurgeOlderThan(maxAge time.Duration) (int, error) {
	dir := s.checkpointsDir()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("checkpoint: list states: %w", err)
	}

	purged := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var state pipeline.PipelineState
		if err := json.Unmarshal(raw, &state); err != nil {
			continue
		}
		if time.Since(state.LastUpdated) > maxAge {
			if err := os.Remove(path); err == nil {
				purged++
			}
		}
	}
	return purged, nil
}
