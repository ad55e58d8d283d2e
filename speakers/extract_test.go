package speakers

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"

	"speakers/audio"
)

func timeSeconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// TestExtractorRun verifies clip names, clamped slices and persisted paths.
func TestExtractorRun(t *testing.T) {
	store := newMemStore()
	dir := t.TempDir()
	segs := []SpeakerSegment{
		{ID: "a", RecordingID: "rec-1", StartTime: testRecordingStart, DurationSeconds: 1},
		// Runs past the end of the recording.
		{ID: "b", RecordingID: "rec-1", StartTime: testRecordingStart.Add(timeSeconds(2)), DurationSeconds: 5},
	}
	for _, seg := range segs {
		if err := store.InsertSegment(context.Background(), seg); err != nil {
			t.Fatalf("InsertSegment() error = %v", err)
		}
	}

	loader := &fakeLoader{buf: audio.Buffer{Samples: make([]int, 3*audio.SampleRate), SampleRate: audio.SampleRate}}
	writer := &fakeWriter{failOn: map[int]bool{}, clips: map[string]audio.Buffer{}}
	ex := NewExtractor(loader, writer, NewSegmentRepo(store, testr.New(t)), dir, testr.New(t))

	out, report := ex.Run(context.Background(), Recording{ID: "rec-1", FilePath: "/r.wav"}, testRecordingStart, segs)
	if report.Failed() != 0 {
		t.Fatalf("report = %+v", report)
	}

	wantA := filepath.Join(dir, "rec-1_a.wav")
	if out[0].AudioPath != wantA {
		t.Fatalf("clip path = %q, want %q", out[0].AudioPath, wantA)
	}
	if got := writer.clips[wantA].Len(); got != audio.SampleRate {
		t.Fatalf("clip a samples = %d", got)
	}
	if got := writer.clips[filepath.Join(dir, "rec-1_b.wav")].Len(); got != audio.SampleRate {
		t.Fatalf("clip b samples = %d, want clamped to %d", got, audio.SampleRate)
	}

	stored, _ := store.ListSegments(context.Background(), "rec-1")
	for _, seg := range stored {
		if seg.AudioPath == "" {
			t.Fatalf("segment %s path not persisted", seg.ID)
		}
	}
	if segs[0].AudioPath != "" {
		t.Fatal("input segments should not be mutated")
	}
}

// TestExtractorPersistFailure verifies a path is reported failed when it
// cannot be stored, and siblings continue.
func TestExtractorPersistFailure(t *testing.T) {
	store := newMemStore()
	store.audioPathErr = errBoom
	segs := []SpeakerSegment{
		{ID: "a", RecordingID: "rec-1", StartTime: testRecordingStart, DurationSeconds: 1},
		{ID: "b", RecordingID: "rec-1", StartTime: testRecordingStart, DurationSeconds: 1},
	}

	loader := &fakeLoader{buf: audio.Buffer{Samples: make([]int, audio.SampleRate), SampleRate: audio.SampleRate}}
	writer := &fakeWriter{failOn: map[int]bool{}, clips: map[string]audio.Buffer{}}
	ex := NewExtractor(loader, writer, NewSegmentRepo(store, testr.New(t)), t.TempDir(), testr.New(t))

	out, report := ex.Run(context.Background(), Recording{ID: "rec-1"}, testRecordingStart, segs)
	if report.Failed() != 2 || writer.calls != 2 {
		t.Fatalf("report = %+v, writes = %d", report, writer.calls)
	}
	if !errors.Is(report.Items[1].Err, errBoom) {
		t.Fatalf("item error = %v", report.Items[1].Err)
	}
	if out[0].AudioPath != "" || out[1].AudioPath != "" {
		t.Fatalf("paths should stay empty: %+v", out)
	}
}
