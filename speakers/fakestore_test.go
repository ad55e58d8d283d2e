package speakers

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store that records every progress write.
type memStore struct {
	mu sync.Mutex

	recordings map[string]Recording
	jobs       map[string]Job
	segments   map[string]SpeakerSegment

	jobProgress []int
	recProgress []int

	insertErr        error
	audioPathErr     error
	transcriptionErr map[string]error
}

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		recordings:       map[string]Recording{},
		jobs:             map[string]Job{},
		segments:         map[string]SpeakerSegment{},
		transcriptionErr: map[string]error{},
	}
}

func (m *memStore) CreateJob(ctx context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}

func (m *memStore) FindJob(ctx context.Context, id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	job.Steps = append([]Step(nil), job.Steps...)
	return job, nil
}

func (m *memStore) FindActiveJob(ctx context.Context, recordingID string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var active *Job
	for id := range m.jobs {
		job := m.jobs[id]
		if job.RecordingID != recordingID || (job.Status != JobStatusQueued && job.Status != JobStatusRunning) {
			continue
		}
		if active == nil || job.CreatedAt.Before(active.CreatedAt) {
			active = &job
		}
	}
	if active == nil {
		return Job{}, ErrNotFound
	}
	return *active, nil
}

func (m *memStore) ClaimNextQueuedJob(ctx context.Context, now time.Time) (Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	busy := map[string]bool{}
	for _, job := range m.jobs {
		if job.Status == JobStatusRunning {
			busy[job.RecordingID] = true
		}
	}

	var next *Job
	for id := range m.jobs {
		job := m.jobs[id]
		if job.Status != JobStatusQueued || busy[job.RecordingID] {
			continue
		}
		if next == nil || job.CreatedAt.Before(next.CreatedAt) {
			j := job
			next = &j
		}
	}
	if next == nil {
		return Job{}, false, nil
	}

	next.Status = JobStatusRunning
	next.StartedAt = &now
	m.jobs[next.ID] = *next
	return *next, true, nil
}

func (m *memStore) MarkJobRunning(ctx context.Context, id string, startedAt time.Time) error {
	return m.updateJob(id, func(j *Job) {
		j.Status = JobStatusRunning
		j.Progress = 0
		j.ErrorMessage = ""
		j.StartedAt = &startedAt
	})
}

func (m *memStore) UpdateJobProgress(ctx context.Context, id string, progress int) error {
	m.mu.Lock()
	m.jobProgress = append(m.jobProgress, progress)
	m.mu.Unlock()
	return m.updateJob(id, func(j *Job) {
		j.Status = JobStatusRunning
		j.Progress = progress
	})
}

func (m *memStore) SaveJobStep(ctx context.Context, id string, step Step) error {
	return m.updateJob(id, func(j *Job) {
		for n := range j.Steps {
			if j.Steps[n].Name == step.Name {
				j.Steps[n] = step
				return
			}
		}
		j.Steps = append(j.Steps, step)
	})
}

func (m *memStore) CompleteJob(ctx context.Context, id string, completedAt time.Time) error {
	m.mu.Lock()
	m.jobProgress = append(m.jobProgress, 100)
	m.mu.Unlock()
	return m.updateJob(id, func(j *Job) {
		j.Status = JobStatusCompleted
		j.Progress = 100
		j.CompletedAt = &completedAt
	})
}

func (m *memStore) FailJob(ctx context.Context, id string, message string, completedAt time.Time) error {
	m.mu.Lock()
	m.jobProgress = append(m.jobProgress, 0)
	m.mu.Unlock()
	return m.updateJob(id, func(j *Job) {
		j.Status = JobStatusFailed
		j.Progress = 0
		j.ErrorMessage = message
		j.CompletedAt = &completedAt
	})
}

func (m *memStore) updateJob(id string, fn func(*Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.Steps = append([]Step(nil), job.Steps...)
	fn(&job)
	m.jobs[id] = job
	return nil
}

func (m *memStore) CreateRecording(ctx context.Context, rec Recording) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.Blake3Hash != "" {
		for _, r := range m.recordings {
			if r.Blake3Hash == rec.Blake3Hash {
				return ErrRecordingExists
			}
		}
	}
	m.recordings[rec.ID] = rec
	return nil
}

func (m *memStore) FindRecording(ctx context.Context, id string) (Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recordings[id]
	if !ok {
		return Recording{}, ErrNotFound
	}
	return rec, nil
}

func (m *memStore) FindRecordingByHash(ctx context.Context, blake3Hash string) (Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.recordings {
		if rec.Blake3Hash == blake3Hash {
			return rec, nil
		}
	}
	return Recording{}, ErrNotFound
}

func (m *memStore) SetRecordingStartTime(ctx context.Context, id string, startTime time.Time) error {
	return m.updateRecording(id, func(r *Recording) { r.StartTime = &startTime })
}

func (m *memStore) UpdateRecordingProgress(ctx context.Context, id string, status RecordingStatus, progress int) error {
	m.mu.Lock()
	m.recProgress = append(m.recProgress, progress)
	m.mu.Unlock()
	return m.updateRecording(id, func(r *Recording) {
		r.Status = status
		r.Progress = progress
	})
}

func (m *memStore) FailRecording(ctx context.Context, id string, message string) error {
	m.mu.Lock()
	m.recProgress = append(m.recProgress, 0)
	m.mu.Unlock()
	return m.updateRecording(id, func(r *Recording) {
		r.Status = RecordingStatusFailed
		r.Progress = 0
		r.ErrorMessage = message
	})
}

func (m *memStore) ResetRecording(ctx context.Context, id string) error {
	return m.updateRecording(id, func(r *Recording) {
		r.Status = RecordingStatusPending
		r.Progress = 0
		r.ErrorMessage = ""
	})
}

func (m *memStore) updateRecording(id string, fn func(*Recording)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recordings[id]
	if !ok {
		return ErrNotFound
	}
	fn(&rec)
	m.recordings[id] = rec
	return nil
}

func (m *memStore) InsertSegment(ctx context.Context, seg SpeakerSegment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.segments[seg.ID] = seg
	return nil
}

func (m *memStore) UpdateSegmentAudioPath(ctx context.Context, id string, path string) error {
	return m.updateSegment(id, m.audioPathErr, func(s *SpeakerSegment) { s.AudioPath = path })
}

func (m *memStore) UpdateSegmentTranscription(ctx context.Context, id string, text string, subs []TranscriptionSegment) error {
	return m.updateSegment(id, m.transcriptionErr[id], func(s *SpeakerSegment) {
		s.Transcription = text
		s.TranscriptionSegments = subs
	})
}

func (m *memStore) updateSegment(id string, failWith error, fn func(*SpeakerSegment)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if failWith != nil {
		return failWith
	}
	seg, ok := m.segments[id]
	if !ok {
		return ErrNotFound
	}
	fn(&seg)
	m.segments[id] = seg
	return nil
}

func (m *memStore) ListSegments(ctx context.Context, recordingID string) ([]SpeakerSegment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SpeakerSegment
	for _, seg := range m.segments {
		if seg.RecordingID == recordingID {
			out = append(out, seg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *memStore) DeleteSegments(ctx context.Context, recordingID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, seg := range m.segments {
		if seg.RecordingID == recordingID {
			delete(m.segments, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) Close(ctx context.Context) error {
	return nil
}
