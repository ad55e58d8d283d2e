package speakers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

type (
	// SegmentDraft is a segment as Identification decides it, before it has
	// an identity.
	SegmentDraft struct {
		RecordingID     string
		SpeakerLabel    string
		StartTime       time.Time
		EndTime         time.Time
		DurationSeconds float64
		ConfidenceScore float64
	}

	// SegmentRepo translates stage decisions into segment records.
	SegmentRepo struct {
		store SegmentStore
		log   logr.Logger
		now   func() time.Time
		newID func() string
	}

	// ItemResult is the outcome of one segment within a best-effort batch.
	ItemResult struct {
		SegmentID string
		Err       error
	}

	// BatchReport collects the per-segment outcomes of one stage run.
	BatchReport struct {
		Stage string
		Items []ItemResult
	}
)

func NewSegmentRepo(store SegmentStore, log logr.Logger) *SegmentRepo {
	return &SegmentRepo{
		store: store,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// CreateSegment inserts a segment with no audio path and no transcription.
func (r *SegmentRepo) CreateSegment(ctx context.Context, d SegmentDraft) (SpeakerSegment, error) {
	seg := SpeakerSegment{
		ID:                    r.newID(),
		RecordingID:           d.RecordingID,
		SpeakerLabel:          d.SpeakerLabel,
		StartTime:             d.StartTime,
		EndTime:               d.EndTime,
		DurationSeconds:       d.DurationSeconds,
		ConfidenceScore:       d.ConfidenceScore,
		TranscriptionSegments: []TranscriptionSegment{},
		CreatedAt:             r.now(),
	}

	if err := r.store.InsertSegment(ctx, seg); err != nil {
		return SpeakerSegment{}, fmt.Errorf("create segment: %w", err)
	}
	return seg, nil
}

func (r *SegmentRepo) SetSegmentAudioPath(ctx context.Context, id string, path string) error {
	if err := r.store.UpdateSegmentAudioPath(ctx, id, path); err != nil {
		return fmt.Errorf("set segment %s audio path: %w", id, err)
	}
	return nil
}

func (r *SegmentRepo) SetSegmentTranscription(ctx context.Context, id string, text string, subs []TranscriptionSegment) error {
	if err := r.store.UpdateSegmentTranscription(ctx, id, text, subs); err != nil {
		return fmt.Errorf("set segment %s transcription: %w", id, err)
	}
	return nil
}

// ClearRecording deletes the segments of a previous run of recordingID and
// removes their clips. Clip removal is best-effort.
func (r *SegmentRepo) ClearRecording(ctx context.Context, recordingID string) (int64, error) {
	prior, err := r.store.ListSegments(ctx, recordingID)
	if err != nil {
		return 0, fmt.Errorf("clear recording segments: %w", err)
	}
	if len(prior) == 0 {
		return 0, nil
	}

	for _, seg := range prior {
		if seg.AudioPath == "" {
			continue
		}
		if err := os.Remove(seg.AudioPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.log.Error(err, "removing stale segment clip", "segmentID", seg.ID, "path", seg.AudioPath)
		}
	}

	n, err := r.store.DeleteSegments(ctx, recordingID)
	if err != nil {
		return 0, fmt.Errorf("clear recording segments: %w", err)
	}
	return n, nil
}

func (r ItemResult) OK() bool {
	return r.Err == nil
}

func (b BatchReport) Failed() int {
	return lo.CountBy(b.Items, func(item ItemResult) bool { return !item.OK() })
}

func (b BatchReport) Succeeded() int {
	return len(b.Items) - b.Failed()
}
