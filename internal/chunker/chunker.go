// Package chunker implements the Chunked Transcriber (C5): it splits
// oversized audio on silence boundaries, transcribes chunks concurrently
// under a bounded worker pool, and stitches the results back onto the
// original timeline (§4.5).
//
// Go Pattern: bounded concurrency via golang.org/x/sync/semaphore.Weighted
// plus golang.org/x/sync/errgroup for the fan-out/fan-in and first-error
// cancellation — the spec calls for a counting semaphore explicitly, so
// this generalizes the teacher's channel-based worker.Pool into the
// x/sync primitives rather than reusing its Job/Pool shape verbatim.
package chunker

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/brightloom/voicefuse/internal/audioconv"
	"github.com/brightloom/voicefuse/internal/pipeline"
	"github.com/brightloom/voicefuse/internal/providers"
)

// MaxSingleCallBytes is §4.5's "If file_size ≤ 25MB, transcribe in one
// call" threshold.
const MaxSingleCallBytes = 25 << 20

// DefaultConcurrency is §4.5/§5's P = 3.
const DefaultConcurrency = 3

// PerChunkTimeout is §4.5/§5's 30 min per-chunk bound.
const PerChunkTimeout = 30 * time.Minute

// Chunker runs C5 over a normalized WAV file.
type Chunker struct {
	Splitter    Splitter
	Converter   audioconv.Converter
	Provider    *providers.TranscriptionProvider
	Concurrency int
	TempDir     string // per-pipeline subdirectory for chunk files, §5
}

// New builds a Chunker with the §4.5 defaults.
func New(splitter Splitter, conv audioconv.Converter, provider *providers.TranscriptionProvider, tempDir string) *Chunker {
	return &Chunker{Splitter: splitter, Converter: conv, Provider: provider, Concurrency: DefaultConcurrency, TempDir: tempDir}
}

// Transcribe returns one time-ordered list of TranscriptionSegment in
// absolute file time (§4.5 responsibility statement). Files at or under
// MaxSingleCallBytes skip chunking entirely.
func (c *Chunker) Transcribe(ctx context.Context, path, model, language, prompt string) ([]pipeline.TranscriptionSegment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, pipeline.NewError(pipeline.KindValidation, pipeline.StageTranscribe, "chunker", err)
	}

	if info.Size() <= MaxSingleCallBytes {
		duration, err := c.Converter.Duration(ctx, path)
		if err != nil {
			return nil, pipeline.NewError(pipeline.KindInternal, pipeline.StageTranscribe, "chunker", fmt.Errorf("probe duration: %w", err))
		}
		return c.Provider.Transcribe(ctx, path, model, language, prompt, duration)
	}

	return c.transcribeChunked(ctx, path, model, language, prompt)
}

func (c *Chunker) transcribeChunked(ctx context.Context, path, model, language, prompt string) ([]pipeline.TranscriptionSegment, error) {
	chunks, err := c.Splitter.Split(ctx, path, c.TempDir)
	if err != nil {
		return nil, err
	}
	defer cleanupChunks(chunks)

	concurrency := c.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	sem := semaphore.NewWeighted(int64(concurrency))
	g, gctx := errgroup.WithContext(ctx)

	segsByIndex := make([][]pipeline.TranscriptionSegment, len(chunks))
	for _, chunk := range chunks {
		chunk := chunk
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return pipeline.NewError(pipeline.KindCancelled, pipeline.StageTranscribe, "chunker", err)
			}
			defer sem.Release(1)

			chunkCtx, cancel := context.WithTimeout(gctx, PerChunkTimeout)
			defer cancel()

			segs, err := c.Provider.Transcribe(chunkCtx, chunk.Path, model, language, prompt, chunk.DurationSeconds)
			if err != nil {
				return err
			}
			for i := range segs {
				segs[i].Start += chunk.OffsetSeconds
				segs[i].End += chunk.OffsetSeconds
			}
			segsByIndex[chunk.Index] = segs
			return nil
		})
	}

	// On chunk timeout or a Fatal error, errgroup cancels gctx, which
	// unblocks every other in-flight chunk's semaphore wait and provider
	// call (§4.5: "the whole operation fails; other in-flight chunks are
	// cancelled").
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	for _, segs := range segsByIndex {
		total += len(segs)
	}
	all := make([]pipeline.TranscriptionSegment, 0, total)
	for _, segs := range segsByIndex {
		all = append(all, segs...)
	}
	return all, nil
}
