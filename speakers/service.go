package speakers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"speakers/b3"
	"speakers/timing"
)

// SupportedExtensions lists the recording formats accepted for ingestion.
var SupportedExtensions = []string{".mp3", ".wav", ".m4a", ".flac", ".ogg"}

var (
	ErrInvalidHints = errors.New("invalid speaker hints")
	// ErrRecordingBusy is returned when a recording already has a queued or
	// running job.
	ErrRecordingBusy = errors.New("recording has an active job")
)

type (
	serviceStore interface {
		JobStore
		RecordingStore
		SegmentStore
	}

	// SubmitRequest describes a recording to ingest. Zero hints are unset.
	SubmitRequest struct {
		Path        string
		Language    string
		MinSpeakers int
		MaxSpeakers int
	}

	JobReport struct {
		Job       Job       `json:"job"`
		Recording Recording `json:"recording"`
	}

	TranscriptReport struct {
		Recording Recording        `json:"recording"`
		Segments  []SpeakerSegment `json:"segments"`
	}

	// Service is the ingestion and query side of the queue.
	Service struct {
		store      serviceStore
		storageDir string
		log        logr.Logger
		now        func() time.Time
		newID      func() string
	}
)

func NewService(store serviceStore, storageDir string, log logr.Logger) *Service {
	return &Service{
		store:      store,
		storageDir: storageDir,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
}

// RecordingsDir is where ingested recordings are stored.
func RecordingsDir(storageDir string) string {
	return filepath.Join(storageDir, "recordings")
}

// SegmentsDir is where extracted clips are written.
func SegmentsDir(storageDir string) string {
	return filepath.Join(storageDir, "segments")
}

// Submit copies the recording into storage and queues a job for it. The same
// content submitted twice fails with ErrRecordingExists and returns the
// existing recording.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (Recording, Job, error) {
	name := filepath.Base(req.Path)
	ext := strings.ToLower(filepath.Ext(name))
	if !supported(ext) {
		return Recording{}, Job{}, fmt.Errorf("submit %s: %w %q", name, ErrUnsupportedFormat, ext)
	}
	if err := validateHints(req.MinSpeakers, req.MaxSpeakers); err != nil {
		return Recording{}, Job{}, fmt.Errorf("submit %s: %w", name, err)
	}

	start, err := timing.ParseRecordingStartTime(name)
	if err != nil {
		return Recording{}, Job{}, fmt.Errorf("submit: %w", err)
	}

	file, err := os.Open(req.Path)
	if err != nil {
		return Recording{}, Job{}, fmt.Errorf("submit: opening file: %w", err)
	}
	defer file.Close()

	hash, err := b3.Hash(file)
	if err != nil {
		return Recording{}, Job{}, fmt.Errorf("submit: %w", err)
	}

	existing, err := s.store.FindRecordingByHash(ctx, hash)
	switch {
	case err == nil:
		return existing, Job{}, fmt.Errorf("submit %s: %w as %s", name, ErrRecordingExists, existing.ID)
	case !errors.Is(err, ErrNotFound):
		return Recording{}, Job{}, fmt.Errorf("submit: %w", err)
	}

	if _, err = file.Seek(0, io.SeekStart); err != nil {
		return Recording{}, Job{}, fmt.Errorf("submit: reset file: %w", err)
	}

	now := s.now()
	rec := Recording{
		ID:               s.newID(),
		OriginalFilename: name,
		Blake3Hash:       hash,
		StartTime:        &start,
		Status:           RecordingStatusPending,
		Language:         strings.TrimSpace(req.Language),
		MinSpeakers:      req.MinSpeakers,
		MaxSpeakers:      req.MaxSpeakers,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	rec.Filename = rec.ID + ext
	rec.FilePath = filepath.Join(RecordingsDir(s.storageDir), rec.Filename)

	if err = copyInto(rec.FilePath, file); err != nil {
		return Recording{}, Job{}, fmt.Errorf("submit: %w", err)
	}
	if err = s.store.CreateRecording(ctx, rec); err != nil {
		if rmErr := os.Remove(rec.FilePath); rmErr != nil {
			s.log.Error(rmErr, "removing orphaned recording file", "path", rec.FilePath)
		}
		return Recording{}, Job{}, fmt.Errorf("submit: %w", err)
	}

	job, err := s.enqueue(ctx, rec)
	if err != nil {
		return rec, Job{}, fmt.Errorf("submit: %w", err)
	}

	s.log.Info("recording submitted", "recordingID", rec.ID, "jobID", job.ID, "file", name)
	return rec, job, nil
}

// Reprocess queues a fresh job for an existing recording and resets the
// recording to pending. A recording with a queued or running job is left
// untouched.
func (s *Service) Reprocess(ctx context.Context, recordingID string) (Job, error) {
	rec, err := s.store.FindRecording(ctx, recordingID)
	if err != nil {
		return Job{}, fmt.Errorf("reprocess %s: %w", recordingID, err)
	}

	active, err := s.store.FindActiveJob(ctx, rec.ID)
	switch {
	case err == nil:
		return Job{}, fmt.Errorf("reprocess %s: %w: job %s is %s", recordingID, ErrRecordingBusy, active.ID, active.Status)
	case !errors.Is(err, ErrNotFound):
		return Job{}, fmt.Errorf("reprocess %s: %w", recordingID, err)
	}
	if err = s.store.ResetRecording(ctx, rec.ID); err != nil {
		return Job{}, fmt.Errorf("reprocess %s: %w", recordingID, err)
	}

	job, err := s.enqueue(ctx, rec)
	if err != nil {
		return Job{}, fmt.Errorf("reprocess %s: %w", recordingID, err)
	}

	s.log.Info("recording queued for reprocessing", "recordingID", rec.ID, "jobID", job.ID)
	return job, nil
}

func (s *Service) JobStatus(ctx context.Context, jobID string) (JobReport, error) {
	job, err := s.store.FindJob(ctx, jobID)
	if err != nil {
		return JobReport{}, fmt.Errorf("job status %s: %w", jobID, err)
	}
	rec, err := s.store.FindRecording(ctx, job.RecordingID)
	if err != nil {
		return JobReport{}, fmt.Errorf("job status %s: %w", jobID, err)
	}
	return JobReport{Job: job, Recording: rec}, nil
}

// Transcript returns the recording and its segments ordered by start time.
func (s *Service) Transcript(ctx context.Context, recordingID string) (TranscriptReport, error) {
	rec, err := s.store.FindRecording(ctx, recordingID)
	if err != nil {
		return TranscriptReport{}, fmt.Errorf("transcript %s: %w", recordingID, err)
	}
	segs, err := s.store.ListSegments(ctx, recordingID)
	if err != nil {
		return TranscriptReport{}, fmt.Errorf("transcript %s: %w", recordingID, err)
	}
	return TranscriptReport{Recording: rec, Segments: segs}, nil
}

func (s *Service) enqueue(ctx context.Context, rec Recording) (Job, error) {
	job := NewJob(s.newID(), rec.ID, s.now())
	job.Language = rec.Language
	job.MinSpeakers = rec.MinSpeakers
	job.MaxSpeakers = rec.MaxSpeakers

	if err := s.store.CreateJob(ctx, job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func supported(ext string) bool {
	for _, e := range SupportedExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

func validateHints(minSpeakers, maxSpeakers int) error {
	if minSpeakers < 0 || maxSpeakers < 0 {
		return fmt.Errorf("%w: negative speaker count", ErrInvalidHints)
	}
	if minSpeakers > 0 && maxSpeakers > 0 && minSpeakers > maxSpeakers {
		return fmt.Errorf("%w: min %d exceeds max %d", ErrInvalidHints, minSpeakers, maxSpeakers)
	}
	return nil
}

// copyInto writes r to path through a temp file so a partial copy is never
// visible under the final name.
func copyInto(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err = io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("copy recording: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("move recording into place: %w", err)
	}
	return nil
}
