package speakers

import (
	"context"
	"errors"
	"testing"

	"github.com/go-logr/logr/testr"
)

func seedSegments(t *testing.T, store *memStore, ids ...string) []SpeakerSegment {
	t.Helper()
	segs := make([]SpeakerSegment, len(ids))
	for n, id := range ids {
		segs[n] = SpeakerSegment{
			ID:          id,
			RecordingID: "rec-1",
			StartTime:   testRecordingStart.Add(timeSeconds(n)),
			AudioPath:   "/clips/" + id + ".wav",
		}
		if err := store.InsertSegment(context.Background(), segs[n]); err != nil {
			t.Fatalf("InsertSegment() error = %v", err)
		}
	}
	return segs
}

// TestTranscriptionStageProgress verifies the floor formula reaches the window
// end exactly on the last segment.
func TestTranscriptionStageProgress(t *testing.T) {
	store := newMemStore()
	segs := seedSegments(t, store, "a", "b", "c")
	engine := &fakeTranscriber{fn: func(path string) ([]TranscriptionSegment, error) {
		return []TranscriptionSegment{{Text: "x"}}, nil
	}}
	stage := NewTranscriptionStage(engine, NewSegmentRepo(store, testr.New(t)), testr.New(t))

	var got []int
	report := stage.Run(context.Background(), TranscribeRequest{
		Segments:      segs,
		StartProgress: 60,
		EndProgress:   100,
		OnProgress: func(ctx context.Context, p int) error {
			got = append(got, p)
			return nil
		},
	})

	want := []int{73, 86, 100}
	if len(got) != len(want) {
		t.Fatalf("progress = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("progress = %v, want %v", got, want)
		}
	}
	if report.Succeeded() != 3 || report.Failed() != 0 {
		t.Fatalf("report = %+v", report)
	}
}

// TestTranscriptionStageEmpty verifies an empty batch emits no progress.
func TestTranscriptionStageEmpty(t *testing.T) {
	store := newMemStore()
	engine := &fakeTranscriber{}
	stage := NewTranscriptionStage(engine, NewSegmentRepo(store, testr.New(t)), testr.New(t))

	called := false
	report := stage.Run(context.Background(), TranscribeRequest{
		StartProgress: 60,
		EndProgress:   100,
		OnProgress: func(ctx context.Context, p int) error {
			called = true
			return nil
		},
	})
	if called || len(report.Items) != 0 || len(engine.paths) != 0 {
		t.Fatalf("empty batch should be a no-op, report = %+v", report)
	}
}

// TestTranscriptionStageToleratesFailures verifies engine and store errors are
// per segment and progress is still published for each.
func TestTranscriptionStageToleratesFailures(t *testing.T) {
	store := newMemStore()
	segs := seedSegments(t, store, "a", "b", "c", "d")
	store.transcriptionErr["c"] = errBoom
	engine := &fakeTranscriber{fn: func(path string) ([]TranscriptionSegment, error) {
		if path == "/clips/a.wav" {
			return nil, errBoom
		}
		return []TranscriptionSegment{{Text: "  one "}, {Text: ""}, {Text: "two"}}, nil
	}}
	stage := NewTranscriptionStage(engine, NewSegmentRepo(store, testr.New(t)), testr.New(t))

	var got []int
	report := stage.Run(context.Background(), TranscribeRequest{
		Segments:      segs,
		StartProgress: 0,
		EndProgress:   10,
		OnProgress: func(ctx context.Context, p int) error {
			got = append(got, p)
			return errors.New("store unavailable")
		},
	})

	if report.Failed() != 2 || report.Succeeded() != 2 {
		t.Fatalf("report = %+v", report)
	}
	if !errors.Is(report.Items[0].Err, errBoom) || !report.Items[1].OK() || report.Items[2].OK() {
		t.Fatalf("items = %+v", report.Items)
	}
	if len(got) != 4 || got[3] != 10 {
		t.Fatalf("progress = %v", got)
	}

	stored, _ := store.ListSegments(context.Background(), "rec-1")
	if stored[1].Transcription != "one two" {
		t.Fatalf("transcription = %q, want %q", stored[1].Transcription, "one two")
	}
}

// TestWindowProgress checks floor rounding inside a band.
func TestWindowProgress(t *testing.T) {
	tests := []struct {
		start, end, done, total, want int
	}{
		{60, 100, 0, 3, 60},
		{60, 100, 1, 3, 73},
		{60, 100, 2, 3, 86},
		{60, 100, 3, 3, 100},
		{60, 100, 1, 7, 65},
		{60, 60, 1, 1, 60},
	}
	for _, tt := range tests {
		if got := windowProgress(tt.start, tt.end, tt.done, tt.total); got != tt.want {
			t.Fatalf("windowProgress(%d, %d, %d, %d) = %d, want %d", tt.start, tt.end, tt.done, tt.total, got, tt.want)
		}
	}
}
