package transcript

import (
	"strings"
	"testing"
	"time"

	"speakers/speakers"
)

// TestRenderMarkdown verifies the header and one stamped line per segment.
func TestRenderMarkdown(t *testing.T) {
	start := time.Date(2025, 11, 10, 14, 33, 23, 0, time.UTC)
	rec := speakers.Recording{
		ID:               "rec-1",
		OriginalFilename: "standup_2025-11-10_14-33-23.wav",
		StartTime:        &start,
		Status:           speakers.RecordingStatusCompleted,
		Progress:         100,
		Language:         "en",
	}
	segs := []speakers.SpeakerSegment{
		{SpeakerLabel: "SPEAKER_00", StartTime: start, EndTime: start.Add(2 * time.Second), Transcription: " good morning "},
		{SpeakerLabel: "SPEAKER_01", StartTime: start.Add(3 * time.Second), EndTime: start.Add(65 * time.Second)},
		{SpeakerLabel: "SPEAKER_00", StartTime: start.Add(70 * time.Second), EndTime: start.Add(71 * time.Second), Transcription: "bye"},
	}

	got := RenderMarkdown(rec, segs)

	for _, want := range []string{
		"# standup_2025-11-10_14-33-23.wav\n",
		"- Recorded: 2025-11-10 14:33:23\n",
		"- Status: completed (100%)\n",
		"- Language: `en`\n",
		"- Speakers: SPEAKER_00, SPEAKER_01\n",
		"- Duration: 1m11s\n",
		"[14:33:23-14:33:25] **SPEAKER_00**: good morning\n",
		"[14:33:26-14:34:28] **SPEAKER_01**: _(no transcription)_\n",
		"[14:34:33-14:34:34] **SPEAKER_00**: bye\n",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Index(got, "good morning") > strings.Index(got, "bye") {
		t.Fatal("segments out of order")
	}
}

// TestRenderMarkdownEmpty checks a failed recording without segments.
func TestRenderMarkdownEmpty(t *testing.T) {
	got := RenderMarkdown(speakers.Recording{ID: "rec-2", Status: speakers.RecordingStatusFailed, ErrorMessage: "diarization stage: boom"}, nil)

	if !strings.HasPrefix(got, "# rec-2\n") || !strings.Contains(got, "- Error: diarization stage: boom\n") {
		t.Fatalf("unexpected output:\n%s", got)
	}
	if strings.Contains(got, "Speakers") || strings.Contains(got, "Duration") {
		t.Fatalf("empty recording should have no speakers or duration:\n%s", got)
	}
}
