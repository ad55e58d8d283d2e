package speakers

import (
	"context"
	"time"
)

type (
	JobStore interface {
		CreateJob(ctx context.Context, job Job) error
		FindJob(ctx context.Context, id string) (Job, error)
		// FindActiveJob returns the oldest queued or running job of a
		// recording, or ErrNotFound when it has none.
		FindActiveJob(ctx context.Context, recordingID string) (Job, error)
		// ClaimNextQueuedJob atomically moves the oldest queued job to
		// running, skipping jobs whose recording already has a running job.
		// ok is false when no job can be claimed.
		ClaimNextQueuedJob(ctx context.Context, now time.Time) (job Job, ok bool, err error)
		MarkJobRunning(ctx context.Context, id string, startedAt time.Time) error
		UpdateJobProgress(ctx context.Context, id string, progress int) error
		SaveJobStep(ctx context.Context, id string, step Step) error
		CompleteJob(ctx context.Context, id string, completedAt time.Time) error
		FailJob(ctx context.Context, id string, message string, completedAt time.Time) error
	}

	RecordingStore interface {
		CreateRecording(ctx context.Context, rec Recording) error
		FindRecording(ctx context.Context, id string) (Recording, error)
		FindRecordingByHash(ctx context.Context, blake3Hash string) (Recording, error)
		SetRecordingStartTime(ctx context.Context, id string, startTime time.Time) error
		UpdateRecordingProgress(ctx context.Context, id string, status RecordingStatus, progress int) error
		FailRecording(ctx context.Context, id string, message string) error
		ResetRecording(ctx context.Context, id string) error
	}

	SegmentStore interface {
		InsertSegment(ctx context.Context, seg SpeakerSegment) error
		UpdateSegmentAudioPath(ctx context.Context, id string, path string) error
		UpdateSegmentTranscription(ctx context.Context, id string, text string, subs []TranscriptionSegment) error
		// ListSegments returns a recording's segments ordered by start time.
		ListSegments(ctx context.Context, recordingID string) ([]SpeakerSegment, error)
		DeleteSegments(ctx context.Context, recordingID string) (int64, error)
	}

	// Store is the document store a worker and the ingestion service run on.
	Store interface {
		JobStore
		RecordingStore
		SegmentStore
		Close(ctx context.Context) error
	}
)
