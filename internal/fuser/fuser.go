// Package fuser implements the Segment Fuser (C6): overlap-maximizing
// assignment of diarization speakers onto transcription segments (§4.6).
package fuser

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/brightloom/voicefuse/internal/pipeline"
)

// UnknownOverlapThreshold is §4.6 step 3: below 10% of the transcription
// segment's own duration, the speaker is UNKNOWN.
const UnknownOverlapThreshold = 0.10

// Fuse implements §4.6. If the transcription side is a single whole-file
// segment (as M_mid/M_high chunked calls without further splitting would
// produce), it is first split at diarization boundaries per step 4; every
// other case is assigned directly.
func Fuse(diarization []pipeline.DiarizationSegment, transcription []pipeline.TranscriptionSegment) ([]pipeline.FusedSegment, error) {
	expanded := expandWholeFileSegment(diarization, transcription)

	fused := make([]pipeline.FusedSegment, 0, len(expanded))
	for _, t := range expanded {
		fused = append(fused, assignSpeaker(t, diarization))
	}

	sort.SliceStable(fused, func(i, j int) bool { return fused[i].Start < fused[j].Start })

	if err := pipeline.ValidateFusedSegments(fused); err != nil {
		return nil, err
	}
	return fused, nil
}

// overlap is §4.6 step 1.
func overlap(t pipeline.TranscriptionSegment, d pipeline.DiarizationSegment) float64 {
	lo := max64(t.Start, d.Start)
	hi := min64(t.End, d.End)
	if hi <= lo {
		return 0
	}
	return hi - lo
}

// assignSpeaker implements §4.6 steps 1-3: argmax overlap with tie-breaks,
// UNKNOWN fallback below the threshold.
func assignSpeaker(t pipeline.TranscriptionSegment, diarization []pipeline.DiarizationSegment) pipeline.FusedSegment {
	var best pipeline.DiarizationSegment
	bestOverlap := -1.0
	found := false

	for _, d := range diarization {
		if d.Start >= t.End || d.End <= t.Start {
			continue
		}
		ov := overlap(t, d)
		if ov > bestOverlap || (ov == bestOverlap && found && betterTieBreak(d, best)) {
			bestOverlap = ov
			best = d
			found = true
		}
	}

	duration := t.End - t.Start
	if !found || duration <= 0 || bestOverlap/duration < UnknownOverlapThreshold {
		return pipeline.FusedSegment{
			Start: t.Start, End: t.End, Speaker: pipeline.SpeakerUnknown, Text: t.Text, Confidence: t.Confidence,
		}
	}

	return pipeline.FusedSegment{
		Start: t.Start, End: t.End, Speaker: best.Speaker, Text: t.Text, Confidence: t.Confidence,
		DiarizationSpeaker: best.Speaker,
	}
}

// betterTieBreak implements §4.6 step 2's tie-break order: higher
// confidence, then earlier start, then lexicographic speaker.
func betterTieBreak(candidate, current pipeline.DiarizationSegment) bool {
	cConf, curConf := confidenceOrZero(candidate), confidenceOrZero(current)
	if cConf != curConf {
		return cConf > curConf
	}
	if candidate.Start != current.Start {
		return candidate.Start < current.Start
	}
	return candidate.Speaker < current.Speaker
}

func confidenceOrZero(d pipeline.DiarizationSegment) float64 {
	if d.Confidence == nil {
		return 0
	}
	return *d.Confidence
}

// expandWholeFileSegment implements §4.6 step 4: if transcription is a
// single segment spanning (approximately) the whole file, split it at
// diarization boundaries and distribute text proportionally by
// character-count-weighted duration, so every diarization speaker remains
// addressable.
func expandWholeFileSegment(diarization []pipeline.DiarizationSegment, transcription []pipeline.TranscriptionSegment) []pipeline.TranscriptionSegment {
	if len(transcription) != 1 || len(diarization) <= 1 {
		return transcription
	}
	whole := transcription[0]

	boundaries := diarizationBoundaries(diarization, whole.Start, whole.End)
	if len(boundaries) <= 2 {
		return transcription
	}

	totalChars := utf8.RuneCountInString(whole.Text)
	if totalChars == 0 {
		return transcription
	}

	segs := make([]pipeline.TranscriptionSegment, 0, len(boundaries)-1)
	runes := []rune(whole.Text)
	charCursor := 0
	totalDuration := whole.End - whole.Start

	for i := 0; i < len(boundaries)-1; i++ {
		segStart, segEnd := boundaries[i], boundaries[i+1]
		segDuration := segEnd - segStart
		var charsForSeg int
		if i == len(boundaries)-2 {
			// last segment takes whatever remains, so the total character
			// count is preserved exactly despite rounding (§4.6 invariant).
			charsForSeg = totalChars - charCursor
		} else {
			charsForSeg = int(float64(totalChars) * (segDuration / totalDuration))
		}
		if charsForSeg < 0 {
			charsForSeg = 0
		}
		end := charCursor + charsForSeg
		if end > len(runes) {
			end = len(runes)
		}
		text := strings.TrimSpace(string(runes[charCursor:end]))
		charCursor = end

		segs = append(segs, pipeline.TranscriptionSegment{
			Start: segStart, End: segEnd, Text: text, Confidence: whole.Confidence, Language: whole.Language,
		})
	}
	return segs
}

// diarizationBoundaries collects the distinct diarization start/end points
// that fall within [lo, hi], plus lo and hi themselves, sorted ascending.
func diarizationBoundaries(diarization []pipeline.DiarizationSegment, lo, hi float64) []float64 {
	set := map[float64]bool{lo: true, hi: true}
	for _, d := range diarization {
		if d.Start > lo && d.Start < hi {
			set[d.Start] = true
		}
		if d.End > lo && d.End < hi {
			set[d.End] = true
		}
	}
	bounds := make([]float64, 0, len(set))
	for b := range set {
		bounds = append(bounds, b)
	}
	sort.Float64s(bounds)
	return bounds
}

func max64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
