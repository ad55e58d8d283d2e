package speakers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"speakers/timing"
)

// Progress bands owned by each stage.
const (
	bandDiarization    = 0
	bandIdentification = 30
	bandExtraction     = 50
	bandTranscription  = 60
	bandDone           = 100
)

const stageSetup = "setup"

type (
	pipelineStore interface {
		JobStore
		RecordingStore
	}

	// ProcessorConfig carries process-wide defaults and the decoding options
	// passed to the transcription engine for every segment.
	ProcessorConfig struct {
		Defaults Defaults
		Decoding TranscribeOptions
	}

	// Processor runs one job through diarization, identification,
	// extraction and transcription. Engines are shared across jobs.
	Processor struct {
		store         pipelineStore
		diarizer      Diarizer
		repo          *SegmentRepo
		extractor     *Extractor
		transcription *TranscriptionStage
		cfg           ProcessorConfig
		log           logr.Logger
		now           func() time.Time
	}

	// StageError is a fatal pipeline failure tagged with the stage it came
	// from.
	StageError struct {
		Stage string
		Err   error
	}

	run struct {
		p        *Processor
		job      Job
		rec      Recording
		log      logr.Logger
		progress int
	}
)

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func NewProcessor(
	store pipelineStore,
	diarizer Diarizer,
	repo *SegmentRepo,
	extractor *Extractor,
	transcription *TranscriptionStage,
	cfg ProcessorConfig,
	log logr.Logger,
) *Processor {
	return &Processor{
		store:         store,
		diarizer:      diarizer,
		repo:          repo,
		extractor:     extractor,
		transcription: transcription,
		cfg:           cfg,
		log:           log,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Process runs jobID to completion or failure. A job or recording that no
// longer exists is not an error. Fatal failures leave both records failed at
// progress 0 and are returned as *StageError.
func (p *Processor) Process(ctx context.Context, jobID string) error {
	job, err := p.store.FindJob(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		p.log.Info("job not found, skipping", "jobID", jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("process job %s: %w", jobID, err)
	}

	rec, err := p.store.FindRecording(ctx, job.RecordingID)
	if errors.Is(err, ErrNotFound) {
		p.log.Info("recording not found, skipping", "jobID", jobID, "recordingID", job.RecordingID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("process job %s: %w", jobID, err)
	}

	r := &run{
		p:   p,
		job: job,
		rec: rec,
		log: p.log.WithValues("jobID", job.ID, "recordingID", rec.ID),
	}
	return r.execute(ctx)
}

func (r *run) execute(ctx context.Context) error {
	recordingStart, err := r.startTime(ctx)
	if err != nil {
		return r.fail(ctx, stageSetup, "", err)
	}
	hints := ResolveHints(r.job, r.rec, r.p.cfg.Defaults)

	if err := r.p.store.MarkJobRunning(ctx, r.job.ID, r.p.now()); err != nil {
		return r.fail(ctx, stageSetup, "", err)
	}
	if err := r.p.store.UpdateRecordingProgress(ctx, r.rec.ID, RecordingStatusRunning, bandDiarization); err != nil {
		return r.fail(ctx, stageSetup, "", err)
	}
	r.log.Info("processing job", "language", hints.Language, "minSpeakers", hints.MinSpeakers, "maxSpeakers", hints.MaxSpeakers)

	// Diarization
	if err := r.beginStep(ctx, StepDiarization, bandDiarization); err != nil {
		return r.fail(ctx, string(StepDiarization), StepDiarization, err)
	}
	turns, err := r.p.diarizer.Diarize(ctx, r.rec.FilePath, DiarizeOptions{
		MinSpeakers: hints.MinSpeakers,
		MaxSpeakers: hints.MaxSpeakers,
	})
	if err != nil {
		return r.fail(ctx, string(StepDiarization), StepDiarization, err)
	}
	if err := r.completeStep(ctx, StepDiarization, bandIdentification); err != nil {
		return r.fail(ctx, string(StepDiarization), StepDiarization, err)
	}
	r.log.V(1).Info("diarization finished", "turns", len(turns))

	// Identification
	if err := r.beginStep(ctx, StepIdentification, bandIdentification); err != nil {
		return r.fail(ctx, string(StepIdentification), StepIdentification, err)
	}
	segs, err := r.identify(ctx, recordingStart, turns)
	if err != nil {
		return r.fail(ctx, string(StepIdentification), StepIdentification, err)
	}
	if err := r.completeStep(ctx, StepIdentification, bandExtraction); err != nil {
		return r.fail(ctx, string(StepIdentification), StepIdentification, err)
	}

	// Extraction has no step record, only its band.
	segs, report := r.p.extractor.Run(ctx, r.rec, recordingStart, segs)
	if report.Failed() > 0 {
		r.log.Info("some segment clips were not extracted", "failed", report.Failed(), "total", len(report.Items))
	}
	if err := r.setProgress(ctx, bandTranscription); err != nil {
		return r.fail(ctx, stageExtraction, "", err)
	}

	// Transcription
	if err := r.beginStep(ctx, StepTranscription, bandTranscription); err != nil {
		return r.fail(ctx, stageTranscription, StepTranscription, err)
	}
	opts := r.p.cfg.Decoding
	opts.Language = hints.Language
	report = r.p.transcription.Run(ctx, TranscribeRequest{
		Segments:      segs,
		StartProgress: bandTranscription,
		EndProgress:   bandDone,
		Options:       opts,
		OnProgress:    r.setProgress,
	})
	if report.Failed() > 0 {
		r.log.Info("some segments were not transcribed", "failed", report.Failed(), "total", len(report.Items))
	}
	if err := r.completeStep(ctx, StepTranscription, bandDone); err != nil {
		return r.fail(ctx, stageTranscription, StepTranscription, err)
	}

	return r.finish(ctx)
}

// startTime returns the recording start, parsing and persisting it on the
// first run only.
func (r *run) startTime(ctx context.Context) (time.Time, error) {
	if r.rec.StartTime != nil {
		return *r.rec.StartTime, nil
	}

	start, err := timing.ParseRecordingStartTime(r.rec.OriginalFilename)
	if err != nil {
		start, err = timing.ParseRecordingStartTime(r.rec.Filename)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("recording start time: %w", err)
	}

	if err := r.p.store.SetRecordingStartTime(ctx, r.rec.ID, start); err != nil {
		return time.Time{}, fmt.Errorf("recording start time: %w", err)
	}
	r.rec.StartTime = &start
	return start, nil
}

// identify turns diarization output into persisted segments, in emission
// order. Segments of a previous run of the recording are removed first.
func (r *run) identify(ctx context.Context, recordingStart time.Time, turns []Turn) ([]SpeakerSegment, error) {
	removed, err := r.p.repo.ClearRecording(ctx, r.rec.ID)
	if err != nil {
		return nil, err
	}
	if removed > 0 {
		r.log.Info("removed segments of previous run", "segments", removed)
	}

	segs := make([]SpeakerSegment, 0, len(turns))
	for n, turn := range turns {
		times, err := timing.ComputeSegmentTimestamps(recordingStart, turn.Start, turn.End)
		if err != nil {
			return nil, fmt.Errorf("turn %d: %w", n, err)
		}

		seg, err := r.p.repo.CreateSegment(ctx, SegmentDraft{
			RecordingID:     r.rec.ID,
			SpeakerLabel:    turn.Speaker,
			StartTime:       times.Start,
			EndTime:         times.End,
			DurationSeconds: times.DurationSeconds,
			ConfidenceScore: turn.Confidence,
		})
		if err != nil {
			return nil, fmt.Errorf("turn %d: %w", n, err)
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

func (r *run) beginStep(ctx context.Context, name StepName, band int) error {
	if err := r.saveStep(ctx, r.job.Step(name).Transition(StepStatusRunning, 0, r.p.now())); err != nil {
		return err
	}
	return r.setProgress(ctx, band)
}

func (r *run) completeStep(ctx context.Context, name StepName, band int) error {
	if err := r.saveStep(ctx, r.job.Step(name).Transition(StepStatusCompleted, 100, r.p.now())); err != nil {
		return err
	}
	return r.setProgress(ctx, band)
}

func (r *run) saveStep(ctx context.Context, step Step) error {
	if err := r.p.store.SaveJobStep(ctx, r.job.ID, step); err != nil {
		return fmt.Errorf("save %s step: %w", step.Name, err)
	}

	for n := range r.job.Steps {
		if r.job.Steps[n].Name == step.Name {
			r.job.Steps[n] = step
			return nil
		}
	}
	r.job.Steps = append(r.job.Steps, step)
	return nil
}

// setProgress mirrors progress onto the job and the recording. Progress never
// moves backwards within a run.
func (r *run) setProgress(ctx context.Context, progress int) error {
	if progress < r.progress {
		progress = r.progress
	}

	if err := r.p.store.UpdateJobProgress(ctx, r.job.ID, progress); err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	if err := r.p.store.UpdateRecordingProgress(ctx, r.rec.ID, RecordingStatusRunning, progress); err != nil {
		return fmt.Errorf("update recording progress: %w", err)
	}
	r.progress = progress
	return nil
}

func (r *run) finish(ctx context.Context) error {
	if err := r.p.store.CompleteJob(ctx, r.job.ID, r.p.now()); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if err := r.p.store.UpdateRecordingProgress(ctx, r.rec.ID, RecordingStatusCompleted, bandDone); err != nil {
		return fmt.Errorf("complete recording: %w", err)
	}
	r.log.Info("job completed")
	return nil
}

// fail marks the step, the job and the recording failed and returns the
// cause as a *StageError. The writes outlive a cancelled ctx.
func (r *run) fail(ctx context.Context, stage string, step StepName, cause error) error {
	ctx = context.WithoutCancel(ctx)
	serr := &StageError{Stage: stage, Err: cause}
	msg := serr.Error()

	if step != "" {
		current := r.job.Step(step)
		if err := r.saveStep(ctx, current.Transition(StepStatusFailed, current.Progress, r.p.now())); err != nil {
			r.log.Error(err, "marking step failed", "step", step)
		}
	}
	if err := r.p.store.FailJob(ctx, r.job.ID, msg, r.p.now()); err != nil {
		r.log.Error(err, "marking job failed")
	}
	if err := r.p.store.FailRecording(ctx, r.rec.ID, msg); err != nil {
		r.log.Error(err, "marking recording failed")
	}

	r.log.Error(cause, "job failed", "stage", stage)
	return serr
}
