// Package transcript renders a processed recording for people to read.
package transcript

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	"speakers/speakers"
)

const clockLayout = "15:04:05"

// RenderMarkdown prints one paragraph per segment, stamped with absolute wall
// clock time. Segments without text are listed as untranscribed.
func RenderMarkdown(rec speakers.Recording, segs []speakers.SpeakerSegment) string {
	var b strings.Builder

	title := rec.OriginalFilename
	if title == "" {
		title = rec.ID
	}
	fmt.Fprintf(&b, "# %s\n\n", title)

	if rec.StartTime != nil {
		fmt.Fprintf(&b, "- Recorded: %s\n", rec.StartTime.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(&b, "- Status: %s (%d%%)\n", rec.Status, rec.Progress)
	if rec.Language != "" {
		fmt.Fprintf(&b, "- Language: `%s`\n", rec.Language)
	}
	if labels := speakerLabels(segs); len(labels) > 0 {
		fmt.Fprintf(&b, "- Speakers: %s\n", strings.Join(labels, ", "))
	}
	if d := span(segs); d > 0 {
		fmt.Fprintf(&b, "- Duration: %s\n", d.Truncate(time.Second))
	}
	if rec.ErrorMessage != "" {
		fmt.Fprintf(&b, "- Error: %s\n", rec.ErrorMessage)
	}
	b.WriteString("\n---\n\n")

	for _, s := range segs {
		text := strings.TrimSpace(s.Transcription)
		if text == "" {
			text = "_(no transcription)_"
		}
		fmt.Fprintf(&b, "[%s-%s] **%s**: %s\n\n",
			s.StartTime.Format(clockLayout), s.EndTime.Format(clockLayout), s.SpeakerLabel, text)
	}
	return b.String()
}

func speakerLabels(segs []speakers.SpeakerSegment) []string {
	return lo.Uniq(lo.Map(segs, func(s speakers.SpeakerSegment, _ int) string { return s.SpeakerLabel }))
}

func span(segs []speakers.SpeakerSegment) time.Duration {
	if len(segs) == 0 {
		return 0
	}
	first := lo.MinBy(segs, func(a, b speakers.SpeakerSegment) bool { return a.StartTime.Before(b.StartTime) })
	last := lo.MaxBy(segs, func(a, b speakers.SpeakerSegment) bool { return a.EndTime.After(b.EndTime) })
	return last.EndTime.Sub(first.StartTime)
}
