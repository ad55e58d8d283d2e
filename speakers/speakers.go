package speakers

import (
	"errors"
	"time"
)

type (
	RecordingStatus string
	JobStatus       string
	StepStatus      string
	StepName        string
)

const (
	RecordingStatusPending   RecordingStatus = "pending"
	RecordingStatusRunning   RecordingStatus = "running"
	RecordingStatusCompleted RecordingStatus = "completed"
	RecordingStatusFailed    RecordingStatus = "failed"

	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"

	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"

	StepDiarization    StepName = "diarization"
	StepIdentification StepName = "identification"
	StepTranscription  StepName = "transcription"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrRecordingExists   = errors.New("recording already exists")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

type (
	Recording struct {
		ID               string          `json:"id" bson:"_id"`
		Filename         string          `json:"filename" bson:"filename"`
		OriginalFilename string          `json:"original_filename" bson:"originalFilename"`
		FilePath         string          `json:"file_path" bson:"filePath"`
		Blake3Hash       string          `json:"blake3_hash" bson:"blake3Hash,omitempty"`
		StartTime        *time.Time      `json:"start_time,omitempty" bson:"startTime,omitempty"`
		Status           RecordingStatus `json:"status" bson:"status"`
		Progress         int             `json:"progress" bson:"progress"`
		Language         string          `json:"language,omitempty" bson:"language,omitempty"`
		MinSpeakers      int             `json:"min_speakers,omitempty" bson:"minSpeakers,omitempty"`
		MaxSpeakers      int             `json:"max_speakers,omitempty" bson:"maxSpeakers,omitempty"`
		ErrorMessage     string          `json:"error_message,omitempty" bson:"errorMessage,omitempty"`
		CreatedAt        time.Time       `json:"created_at" bson:"createdAt"`
		UpdatedAt        time.Time       `json:"updated_at" bson:"updatedAt"`
	}

	Job struct {
		ID           string     `json:"id" bson:"_id"`
		RecordingID  string     `json:"recording_id" bson:"recordingId"`
		Status       JobStatus  `json:"status" bson:"status"`
		Progress     int        `json:"progress" bson:"progress"`
		Steps        []Step     `json:"steps" bson:"steps"`
		Language     string     `json:"language,omitempty" bson:"language,omitempty"`
		MinSpeakers  int        `json:"min_speakers,omitempty" bson:"minSpeakers,omitempty"`
		MaxSpeakers  int        `json:"max_speakers,omitempty" bson:"maxSpeakers,omitempty"`
		ErrorMessage string     `json:"error_message,omitempty" bson:"errorMessage,omitempty"`
		CreatedAt    time.Time  `json:"created_at" bson:"createdAt"`
		StartedAt    *time.Time `json:"started_at,omitempty" bson:"startedAt,omitempty"`
		CompletedAt  *time.Time `json:"completed_at,omitempty" bson:"completedAt,omitempty"`
	}

	// Step is the bookkeeping record of one named pipeline stage.
	Step struct {
		Name        StepName   `json:"name" bson:"name"`
		Status      StepStatus `json:"status" bson:"status"`
		Progress    int        `json:"progress" bson:"progress"`
		StartedAt   *time.Time `json:"started_at,omitempty" bson:"startedAt,omitempty"`
		CompletedAt *time.Time `json:"completed_at,omitempty" bson:"completedAt,omitempty"`
	}

	SpeakerSegment struct {
		ID                    string                 `json:"id" bson:"_id"`
		RecordingID           string                 `json:"recording_id" bson:"recordingId"`
		SpeakerLabel          string                 `json:"speaker_label" bson:"speakerLabel"`
		StartTime             time.Time              `json:"start_time" bson:"startTime"`
		EndTime               time.Time              `json:"end_time" bson:"endTime"`
		DurationSeconds       float64                `json:"duration_seconds" bson:"durationSeconds"`
		ConfidenceScore       float64                `json:"confidence_score" bson:"confidenceScore"`
		AudioPath             string                 `json:"segment_audio_path" bson:"segmentAudioPath"`
		Transcription         string                 `json:"transcription" bson:"transcription"`
		TranscriptionSegments []TranscriptionSegment `json:"transcription_segments" bson:"transcriptionSegments"`
		CreatedAt             time.Time              `json:"created_at" bson:"createdAt"`
	}

	// TranscriptionSegment is one engine-emitted span, offsets relative to
	// the start of its SpeakerSegment clip.
	TranscriptionSegment struct {
		StartOffset float64 `json:"start_offset" bson:"startOffset"`
		EndOffset   float64 `json:"end_offset" bson:"endOffset"`
		Text        string  `json:"text" bson:"text"`
		Confidence  float64 `json:"confidence" bson:"confidence"`
	}
)

// PipelineSteps lists the step records every job carries, in execution order.
var PipelineSteps = []StepName{StepDiarization, StepIdentification, StepTranscription}

// NewJob builds a queued job for recordingID with every step pending.
func NewJob(id, recordingID string, createdAt time.Time) Job {
	steps := make([]Step, len(PipelineSteps))
	for n, name := range PipelineSteps {
		steps[n] = Step{Name: name, Status: StepStatusPending}
	}

	return Job{
		ID:          id,
		RecordingID: recordingID,
		Status:      JobStatusQueued,
		Steps:       steps,
		CreatedAt:   createdAt,
	}
}

// Step returns the named step record, or a pending one when the job has none.
func (j Job) Step(name StepName) Step {
	for _, s := range j.Steps {
		if s.Name == name {
			return s
		}
	}
	return Step{Name: name, Status: StepStatusPending}
}

// Transition applies a status change. Entering running from progress 0
// stamps StartedAt once; completing forces progress 100 and stamps
// CompletedAt.
func (s Step) Transition(status StepStatus, progress int, now time.Time) Step {
	next := s
	next.Status = status
	next.Progress = progress

	switch status {
	case StepStatusRunning:
		if progress == 0 && next.StartedAt == nil {
			next.StartedAt = &now
		}
	case StepStatusCompleted:
		next.Progress = 100
		next.CompletedAt = &now
	}

	return next
}
