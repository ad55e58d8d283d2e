package speakers

import (
	"context"
	"strings"

	"github.com/go-logr/logr"
)

const stageTranscription = "transcription"

type (
	// TranscribeRequest is one Transcription stage run over an ordered
	// segment list within the progress window [StartProgress, EndProgress].
	TranscribeRequest struct {
		Segments      []SpeakerSegment
		StartProgress int
		EndProgress   int
		Options       TranscribeOptions
		// OnProgress is called after every segment, failed or not.
		OnProgress func(ctx context.Context, progress int) error
	}

	TranscriptionStage struct {
		engine Transcriber
		repo   *SegmentRepo
		log    logr.Logger
	}
)

func NewTranscriptionStage(engine Transcriber, repo *SegmentRepo, log logr.Logger) *TranscriptionStage {
	return &TranscriptionStage{engine: engine, repo: repo, log: log}
}

// Run transcribes every segment in order. An empty list emits no progress.
func (s *TranscriptionStage) Run(ctx context.Context, req TranscribeRequest) BatchReport {
	report := BatchReport{Stage: stageTranscription, Items: make([]ItemResult, 0, len(req.Segments))}
	total := len(req.Segments)
	if total == 0 {
		return report
	}

	for n, seg := range req.Segments {
		log := s.log.WithValues("recordingID", seg.RecordingID, "segmentID", seg.ID, "stage", stageTranscription)

		err := s.transcribeOne(ctx, seg, req.Options)
		if err != nil {
			log.Error(err, "transcribing segment", "path", seg.AudioPath)
		}
		report.Items = append(report.Items, ItemResult{SegmentID: seg.ID, Err: err})

		if req.OnProgress != nil {
			if err := req.OnProgress(ctx, windowProgress(req.StartProgress, req.EndProgress, n+1, total)); err != nil {
				log.Error(err, "publishing transcription progress")
			}
		}
	}

	s.log.V(1).Info("transcription finished", "ok", report.Succeeded(), "failed", report.Failed())
	return report
}

func (s *TranscriptionStage) transcribeOne(ctx context.Context, seg SpeakerSegment, opts TranscribeOptions) error {
	subs, err := s.engine.Transcribe(ctx, seg.AudioPath, opts)
	if err != nil {
		return err
	}
	if subs == nil {
		subs = []TranscriptionSegment{}
	}
	return s.repo.SetSegmentTranscription(ctx, seg.ID, joinText(subs), subs)
}

func joinText(subs []TranscriptionSegment) string {
	parts := make([]string, 0, len(subs))
	for _, sub := range subs {
		if text := strings.TrimSpace(sub.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// windowProgress maps done of total onto [start, end], rounding down.
func windowProgress(start, end, done, total int) int {
	if total <= 0 {
		return start
	}
	return start + done*(end-start)/total
}
