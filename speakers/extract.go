package speakers

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"

	"speakers/audio"
	"speakers/timing"
)

const stageExtraction = "extraction"

type (
	audioLoader interface {
		Load(ctx context.Context, path string) (audio.Buffer, error)
	}

	clipWriter interface {
		WriteClip(path string, buf audio.Buffer) error
	}

	// Extractor cuts one clip per segment out of a recording.
	Extractor struct {
		loader audioLoader
		writer clipWriter
		repo   *SegmentRepo
		dir    string
		log    logr.Logger
	}
)

func NewExtractor(loader audioLoader, writer clipWriter, repo *SegmentRepo, dir string, log logr.Logger) *Extractor {
	return &Extractor{loader: loader, writer: writer, repo: repo, dir: dir, log: log}
}

// ClipPath is the deterministic clip location of a segment.
func ClipPath(dir, recordingID, segmentID string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.wav", recordingID, segmentID))
}

// Run loads the recording once and writes every segment's clip. Failures are
// per segment: the returned slice carries AudioPath only for segments whose
// clip was written and persisted.
func (e *Extractor) Run(ctx context.Context, rec Recording, recordingStart time.Time, segs []SpeakerSegment) ([]SpeakerSegment, BatchReport) {
	report := BatchReport{Stage: stageExtraction, Items: make([]ItemResult, 0, len(segs))}
	out := append([]SpeakerSegment(nil), segs...)
	if len(segs) == 0 {
		return out, report
	}

	log := e.log.WithValues("recordingID", rec.ID, "stage", stageExtraction)

	buf, err := e.loader.Load(ctx, rec.FilePath)
	if err != nil {
		log.Error(err, "loading recording audio", "path", rec.FilePath)
		for _, seg := range segs {
			report.Items = append(report.Items, ItemResult{SegmentID: seg.ID, Err: fmt.Errorf("load recording: %w", err)})
		}
		return out, report
	}

	for n, seg := range segs {
		path, err := e.extractOne(ctx, rec.ID, recordingStart, seg, buf)
		if err != nil {
			log.Error(err, "extracting segment clip", "segmentID", seg.ID)
			report.Items = append(report.Items, ItemResult{SegmentID: seg.ID, Err: err})
			continue
		}
		out[n].AudioPath = path
		report.Items = append(report.Items, ItemResult{SegmentID: seg.ID})
	}

	log.V(1).Info("extraction finished", "ok", report.Succeeded(), "failed", report.Failed())
	return out, report
}

func (e *Extractor) extractOne(ctx context.Context, recordingID string, recordingStart time.Time, seg SpeakerSegment, buf audio.Buffer) (string, error) {
	r := timing.ComputeSampleRange(recordingStart, seg.StartTime, seg.DurationSeconds, buf.SampleRate, buf.Len())

	path := ClipPath(e.dir, recordingID, seg.ID)
	if err := e.writer.WriteClip(path, buf.Slice(r.Start, r.End)); err != nil {
		return "", fmt.Errorf("write clip: %w", err)
	}
	if err := e.repo.SetSegmentAudioPath(ctx, seg.ID, path); err != nil {
		return "", err
	}
	return path, nil
}
