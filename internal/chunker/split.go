package chunker

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/brightloom/voicefuse/internal/audioconv"
	"github.com/brightloom/voicefuse/internal/pipeline"
)

// ChunkTargetSeconds is ~10 min at 16kHz mono 16-bit PCM, which is §4.5's
// "~20MB" target chunk size expressed as a duration (16000 samples/s * 2
// bytes/sample = 32000 B/s; 600s * 32000 B/s ≈ 19.2MB).
const ChunkTargetSeconds = 600

// HardSplitWindowSeconds is §4.5's fallback: if no usable silence gap is
// found within this window, cut anyway.
const HardSplitWindowSeconds = 15 * 60

const (
	silenceThresholdDB  = -16.0
	minSilenceSeconds   = 2.0
	silencePaddingSecs  = 0.5
)

// Splitter slices a normalized WAV file into chunks on silence boundaries.
type Splitter interface {
	Split(ctx context.Context, path string, destDir string) ([]pipeline.Chunk, error)
}

// FFmpegSplitter detects silence via ffmpeg's silencedetect filter and cuts
// chunks with ffmpeg's stream copy, mirroring audioconv's exec.Command
// wrapping style.
type FFmpegSplitter struct {
	FFmpegPath string
	Converter  audioconv.Converter
}

// NewFFmpegSplitter builds a splitter using ffmpeg on $PATH.
func NewFFmpegSplitter(conv audioconv.Converter) *FFmpegSplitter {
	return &FFmpegSplitter{FFmpegPath: "ffmpeg", Converter: conv}
}

type silenceInterval struct {
	start, end float64
}

func (s silenceInterval) midpoint() float64 { return (s.start + s.end) / 2 }

var (
	silenceStartRe = regexp.MustCompile(`silence_start:\s*(-?[0-9.]+)`)
	silenceEndRe   = regexp.MustCompile(`silence_end:\s*(-?[0-9.]+)`)
)

// detectSilences shells out to ffmpeg's silencedetect audio filter and
// parses the stderr log lines it emits.
func (s *FFmpegSplitter) detectSilences(ctx context.Context, path string) ([]silenceInterval, error) {
	filter := fmt.Sprintf("silencedetect=noise=%.1fdB:d=%.1f", silenceThresholdDB, minSilenceSeconds)
	cmd := exec.CommandContext(ctx, s.FFmpegPath, "-i", path, "-af", filter, "-f", "null", "-")

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("silencedetect stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("silencedetect start: %w", err)
	}

	var intervals []silenceInterval
	var pendingStart float64
	haveStart := false

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if m := silenceStartRe.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				pendingStart = v
				haveStart = true
			}
			continue
		}
		if m := silenceEndRe.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil && haveStart {
				intervals = append(intervals, silenceInterval{start: pendingStart, end: v})
				haveStart = false
			}
		}
	}
	// ffmpeg -f null - exits non-zero on some builds even on success; the
	// parsed intervals are what matters, not the exit code.
	_ = cmd.Wait()

	return intervals, nil
}

// nearestMidpoint returns the silence interval whose midpoint is closest to
// target while not exceeding maxCut, or false if none qualifies.
func nearestMidpoint(intervals []silenceInterval, minCut, target, maxCut float64) (silenceInterval, bool) {
	best := silenceInterval{}
	bestDist := math.Inf(1)
	found := false
	for _, iv := range intervals {
		mid := iv.midpoint()
		if mid < minCut || mid > maxCut {
			continue
		}
		dist := math.Abs(mid - target)
		if dist < bestDist {
			bestDist = dist
			best = iv
			found = true
		}
	}
	return best, found
}

// planBoundaries implements §4.5's splitting algorithm: walk the timeline
// in ~ChunkTargetSeconds strides, snapping each cut to the nearest silence
// midpoint (with padding) within HardSplitWindowSeconds, or hard-splitting
// if no silence gap qualifies.
func planBoundaries(totalDuration float64, intervals []silenceInterval) []float64 {
	boundaries := []float64{0}
	cursor := 0.0

	for cursor < totalDuration {
		target := cursor + ChunkTargetSeconds
		if target >= totalDuration {
			break
		}
		maxCut := math.Min(cursor+HardSplitWindowSeconds, totalDuration)

		var cut float64
		if iv, ok := nearestMidpoint(intervals, cursor, target, maxCut); ok {
			cut = iv.start + silencePaddingSecs
			if cut > iv.end-silencePaddingSecs && iv.end-silencePaddingSecs > iv.start {
				cut = iv.end - silencePaddingSecs
			}
		} else {
			cut = maxCut
		}
		if cut <= cursor {
			cut = maxCut
		}
		boundaries = append(boundaries, cut)
		cursor = cut
	}
	if boundaries[len(boundaries)-1] < totalDuration {
		boundaries = append(boundaries, totalDuration)
	}
	return boundaries
}

// Split produces one Chunk per boundary segment, each written to its own
// temp file under destDir via ffmpeg stream-copy extraction.
func (s *FFmpegSplitter) Split(ctx context.Context, path string, destDir string) ([]pipeline.Chunk, error) {
	totalDuration, err := s.Converter.Duration(ctx, path)
	if err != nil {
		return nil, pipeline.NewError(pipeline.KindInternal, pipeline.StageTranscribe, "chunker", fmt.Errorf("probe duration: %w", err))
	}

	intervals, err := s.detectSilences(ctx, path)
	if err != nil {
		return nil, pipeline.NewError(pipeline.KindInternal, pipeline.StageTranscribe, "chunker", err)
	}

	boundaries := planBoundaries(totalDuration, intervals)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, pipeline.NewError(pipeline.KindInternal, pipeline.StageTranscribe, "chunker", err)
	}

	chunks := make([]pipeline.Chunk, 0, len(boundaries)-1)
	for i := 0; i < len(boundaries)-1; i++ {
		start := boundaries[i]
		dur := boundaries[i+1] - start
		if dur <= 0 {
			continue
		}
		chunkPath := filepath.Join(destDir, fmt.Sprintf("chunk_%03d_%s.wav", i, uuid.NewString()[:8]))
		if err := s.extract(ctx, path, chunkPath, start, dur); err != nil {
			cleanupChunks(chunks)
			return nil, err
		}
		chunks = append(chunks, pipeline.Chunk{Index: i, OffsetSeconds: start, Path: chunkPath, DurationSeconds: dur})
	}
	return chunks, nil
}

func (s *FFmpegSplitter) extract(ctx context.Context, srcPath, dstPath string, start, duration float64) error {
	cmd := exec.CommandContext(ctx, s.FFmpegPath,
		"-y",
		"-i", srcPath,
		"-ss", strconv.FormatFloat(start, 'f', 3, 64),
		"-t", strconv.FormatFloat(duration, 'f', 3, 64),
		"-c", "copy",
		dstPath,
	)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return pipeline.NewError(pipeline.KindInternal, pipeline.StageTranscribe, "chunker",
			fmt.Errorf("extract chunk [%.3f,+%.3f): %w: %s", start, duration, err, stderr.String()))
	}
	return nil
}

// cleanupChunks removes every chunk file, ignoring missing-file errors,
// satisfying §4.5's "deleted on all exit paths" and §5's "deletion is the
// responsibility of the component that created them".
func cleanupChunks(chunks []pipeline.Chunk) {
	for _, c := range chunks {
		_ = os.Remove(c.Path)
	}
}
