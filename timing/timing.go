// Package timing converts diarization turns into absolute timestamps and
// audio sample ranges. Every function is pure.
package timing

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"time"
)

var (
	// ErrInvalidFilenameFormat is returned when a filename carries no
	// YYYY-MM-DD_HH-MM-SS timestamp.
	ErrInvalidFilenameFormat = errors.New("invalid filename format")

	// ErrInvalidTurnBounds is returned for negative offsets or an end before
	// the start.
	ErrInvalidTurnBounds = errors.New("invalid turn bounds")
)

const filenameLayout = "2006-01-02_15-04-05"

var filenamePattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2}`)

type (
	// SegmentTimes is the absolute placement of one turn.
	SegmentTimes struct {
		Start           time.Time
		End             time.Time
		DurationSeconds float64
	}

	// SampleRange is a half-open [Start, End) range of sample indexes.
	SampleRange struct {
		Start int
		End   int
	}
)

// Len returns the number of samples in the range.
func (r SampleRange) Len() int {
	return r.End - r.Start
}

// ParseRecordingStartTime extracts the wall-clock start time encoded in a
// recording filename. The value carries no zone and is returned in UTC.
func ParseRecordingStartTime(filename string) (time.Time, error) {
	match := filenamePattern.FindString(filename)
	if match == "" {
		return time.Time{}, fmt.Errorf("%w: %q, expected YYYY-MM-DD_HH-MM-SS", ErrInvalidFilenameFormat, filename)
	}

	t, err := time.ParseInLocation(filenameLayout, match, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrInvalidFilenameFormat, filename, err)
	}

	return t, nil
}

// ComputeSegmentTimestamps places a turn, given as second offsets from the
// recording start, on the absolute clock.
func ComputeSegmentTimestamps(recordingStart time.Time, startOffset, endOffset float64) (SegmentTimes, error) {
	if !finite(startOffset) || !finite(endOffset) || startOffset < 0 || endOffset < 0 || endOffset < startOffset {
		return SegmentTimes{}, fmt.Errorf("%w: start=%v end=%v", ErrInvalidTurnBounds, startOffset, endOffset)
	}

	return SegmentTimes{
		Start:           recordingStart.Add(SecondsToDuration(startOffset)),
		End:             recordingStart.Add(SecondsToDuration(endOffset)),
		DurationSeconds: endOffset - startOffset,
	}, nil
}

// ComputeSampleRange converts a segment's absolute start and duration into
// sample indexes of a buffer holding totalSamples samples at sampleRate.
// Both bounds are clamped into [0, totalSamples] and Start never exceeds End.
func ComputeSampleRange(recordingStart, segmentStart time.Time, durationSeconds float64, sampleRate, totalSamples int) SampleRange {
	if totalSamples < 0 {
		totalSamples = 0
	}
	if !finite(durationSeconds) {
		durationSeconds = 0
	}

	rate := float64(sampleRate)
	offsetSeconds := segmentStart.Sub(recordingStart).Seconds()

	start := math.Round(offsetSeconds * rate)
	end := start + math.Round(durationSeconds*rate)

	s := clamp(start, totalSamples)
	e := clamp(end, totalSamples)
	if e < s {
		e = s
	}

	return SampleRange{Start: s, End: e}
}

// SecondsToDuration converts fractional seconds to a Duration, rounding to
// the nearest nanosecond.
func SecondsToDuration(seconds float64) time.Duration {
	return time.Duration(math.Round(seconds * float64(time.Second)))
}

// clamp bounds v into [0, max] before converting, so huge or NaN values
// never reach an int conversion.
func clamp(v float64, max int) int {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= float64(max):
		return max
	default:
		return int(v)
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
