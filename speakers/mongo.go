package speakers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	recordingsCollection = "recordings"
	jobsCollection       = "processingJobs"
	segmentsCollection   = "speakerSegments"

	// maxClaimAttempts bounds retries after losing a recording to another worker.
	maxClaimAttempts = 5
)

// MongoStore keeps recordings, jobs and segments as documents, one
// collection each.
type MongoStore struct {
	client     *mongo.Client
	recordings *mongo.Collection
	jobs       *mongo.Collection
	segments   *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

func NewMongoStore(client *mongo.Client, database string) *MongoStore {
	db := client.Database(database)
	return &MongoStore{
		client:     client,
		recordings: db.Collection(recordingsCollection),
		jobs:       db.Collection(jobsCollection),
		segments:   db.Collection(segmentsCollection),
	}
}

// EnsureIndexes creates the indexes the worker and the claim query rely on.
func (m *MongoStore) EnsureIndexes(ctx context.Context) error {
	indexes := map[*mongo.Collection][]mongo.IndexModel{
		m.recordings: {
			{Keys: bson.D{{Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "startTime", Value: -1}}},
			{Keys: bson.D{{Key: "blake3Hash", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
		},
		m.jobs: {
			{Keys: bson.D{{Key: "recordingId", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}}},
			{
				Keys: bson.D{{Key: "recordingId", Value: 1}, {Key: "status", Value: 1}},
				Options: options.Index().
					SetName("one_running_job_per_recording").
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"status": JobStatusRunning}),
			},
		},
		m.segments: {
			{Keys: bson.D{{Key: "recordingId", Value: 1}, {Key: "startTime", Value: 1}}},
		},
	}

	for coll, models := range indexes {
		if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("creating indexes on %s: %w", coll.Name(), err)
		}
	}
	return nil
}

func (m *MongoStore) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *MongoStore) CreateRecording(ctx context.Context, rec Recording) error {
	if _, err := m.recordings.InsertOne(ctx, rec); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("persisting recording into mongo: %w", ErrRecordingExists)
		}
		return fmt.Errorf("persisting recording into mongo: %w", err)
	}
	return nil
}

func (m *MongoStore) FindRecording(ctx context.Context, id string) (Recording, error) {
	var rec Recording
	if err := m.recordings.FindOne(ctx, bson.M{"_id": id}).Decode(&rec); err != nil {
		return rec, fmt.Errorf("get recording %s: %w", id, mongoNotFound(err))
	}
	return rec, nil
}

func (m *MongoStore) FindRecordingByHash(ctx context.Context, blake3Hash string) (Recording, error) {
	var rec Recording
	if err := m.recordings.FindOne(ctx, bson.M{"blake3Hash": blake3Hash}).Decode(&rec); err != nil {
		return rec, fmt.Errorf("get recording by hash: %w", mongoNotFound(err))
	}
	return rec, nil
}

func (m *MongoStore) SetRecordingStartTime(ctx context.Context, id string, startTime time.Time) error {
	return updateOne(ctx, m.recordings, id, "set recording start time", bson.M{
		"startTime": startTime,
		"updatedAt": time.Now().UTC(),
	})
}

func (m *MongoStore) UpdateRecordingProgress(ctx context.Context, id string, status RecordingStatus, progress int) error {
	return updateOne(ctx, m.recordings, id, "update recording progress", bson.M{
		"status":    status,
		"progress":  progress,
		"updatedAt": time.Now().UTC(),
	})
}

func (m *MongoStore) FailRecording(ctx context.Context, id string, message string) error {
	return updateOne(ctx, m.recordings, id, "fail recording", bson.M{
		"status":       RecordingStatusFailed,
		"progress":     0,
		"errorMessage": message,
		"updatedAt":    time.Now().UTC(),
	})
}

func (m *MongoStore) ResetRecording(ctx context.Context, id string) error {
	return updateOne(ctx, m.recordings, id, "reset recording", bson.M{
		"status":       RecordingStatusPending,
		"progress":     0,
		"errorMessage": "",
		"updatedAt":    time.Now().UTC(),
	})
}

func (m *MongoStore) CreateJob(ctx context.Context, job Job) error {
	if _, err := m.jobs.InsertOne(ctx, job); err != nil {
		return fmt.Errorf("persisting job into mongo: %w", err)
	}
	return nil
}

func (m *MongoStore) FindJob(ctx context.Context, id string) (Job, error) {
	var job Job
	if err := m.jobs.FindOne(ctx, bson.M{"_id": id}).Decode(&job); err != nil {
		return job, fmt.Errorf("get job %s: %w", id, mongoNotFound(err))
	}
	return job, nil
}

// FindActiveJob returns the oldest queued or running job of a recording.
func (m *MongoStore) FindActiveJob(ctx context.Context, recordingID string) (Job, error) {
	var job Job
	err := m.jobs.FindOne(ctx,
		bson.M{"recordingId": recordingID, "status": bson.M{"$in": bson.A{JobStatusQueued, JobStatusRunning}}},
		options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}),
	).Decode(&job)
	if err != nil {
		return job, fmt.Errorf("get active job of recording %s: %w", recordingID, mongoNotFound(err))
	}
	return job, nil
}

// ClaimNextQueuedJob uses a single findAndModify, which the server applies
// atomically, so concurrent workers never receive the same job. Recordings
// with a running job are skipped; the partial unique index on running jobs
// rejects a claim that races another worker onto the same recording, and the
// claim retries with a fresh busy list.
func (m *MongoStore) ClaimNextQueuedJob(ctx context.Context, now time.Time) (Job, bool, error) {
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)

	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		busy, err := m.busyRecordings(ctx)
		if err != nil {
			return Job{}, false, err
		}

		var job Job
		err = m.jobs.FindOneAndUpdate(ctx,
			bson.M{"status": JobStatusQueued, "recordingId": bson.M{"$nin": busy}},
			bson.M{"$set": bson.M{"status": JobStatusRunning, "startedAt": now}},
			opts,
		).Decode(&job)
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
			return Job{}, false, nil
		case mongo.IsDuplicateKeyError(err):
			continue
		case err != nil:
			return Job{}, false, fmt.Errorf("claiming job: %w", err)
		}
		return job, true, nil
	}
	return Job{}, false, nil
}

func (m *MongoStore) busyRecordings(ctx context.Context) (bson.A, error) {
	ids, err := m.jobs.Distinct(ctx, "recordingId", bson.M{"status": JobStatusRunning})
	if err != nil {
		return nil, fmt.Errorf("claiming job: listing busy recordings: %w", err)
	}
	return append(bson.A{}, ids...), nil
}

func (m *MongoStore) MarkJobRunning(ctx context.Context, id string, startedAt time.Time) error {
	return updateOne(ctx, m.jobs, id, "mark job running", bson.M{
		"status":       JobStatusRunning,
		"progress":     0,
		"errorMessage": "",
		"startedAt":    startedAt,
	})
}

func (m *MongoStore) UpdateJobProgress(ctx context.Context, id string, progress int) error {
	return updateOne(ctx, m.jobs, id, "update job progress", bson.M{
		"status":    JobStatusRunning,
		"progress":  progress,
		"updatedAt": time.Now().UTC(),
	})
}

// SaveJobStep replaces the matching element of the steps array, appending
// it when the job has no step of that name.
func (m *MongoStore) SaveJobStep(ctx context.Context, id string, step Step) error {
	res, err := m.jobs.UpdateOne(ctx,
		bson.M{"_id": id, "steps.name": step.Name},
		bson.M{"$set": bson.M{"steps.$[elem]": step}},
		options.Update().SetArrayFilters(options.ArrayFilters{
			Filters: []interface{}{bson.M{"elem.name": step.Name}},
		}),
	)
	if err != nil {
		return fmt.Errorf("saving job step %s: %w", step.Name, err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	return updateOneWith(ctx, m.jobs, id, "appending job step", bson.M{"$push": bson.M{"steps": step}})
}

func (m *MongoStore) CompleteJob(ctx context.Context, id string, completedAt time.Time) error {
	return updateOne(ctx, m.jobs, id, "complete job", bson.M{
		"status":      JobStatusCompleted,
		"progress":    100,
		"completedAt": completedAt,
	})
}

func (m *MongoStore) FailJob(ctx context.Context, id string, message string, completedAt time.Time) error {
	return updateOne(ctx, m.jobs, id, "fail job", bson.M{
		"status":       JobStatusFailed,
		"progress":     0,
		"errorMessage": message,
		"completedAt":  completedAt,
	})
}

func (m *MongoStore) InsertSegment(ctx context.Context, seg SpeakerSegment) error {
	if seg.TranscriptionSegments == nil {
		seg.TranscriptionSegments = []TranscriptionSegment{}
	}
	if _, err := m.segments.InsertOne(ctx, seg); err != nil {
		return fmt.Errorf("persisting segment into mongo: %w", err)
	}
	return nil
}

func (m *MongoStore) UpdateSegmentAudioPath(ctx context.Context, id string, path string) error {
	return updateOne(ctx, m.segments, id, "update segment audio path", bson.M{"segmentAudioPath": path})
}

func (m *MongoStore) UpdateSegmentTranscription(ctx context.Context, id string, text string, subs []TranscriptionSegment) error {
	if subs == nil {
		subs = []TranscriptionSegment{}
	}
	return updateOne(ctx, m.segments, id, "update segment transcription", bson.M{
		"transcription":         text,
		"transcriptionSegments": subs,
	})
}

func (m *MongoStore) ListSegments(ctx context.Context, recordingID string) ([]SpeakerSegment, error) {
	opts := options.Find().SetSort(bson.D{{Key: "startTime", Value: 1}, {Key: "createdAt", Value: 1}})
	cur, err := m.segments.Find(ctx, bson.M{"recordingId": recordingID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}

	res := []SpeakerSegment{}
	if err = cur.All(ctx, &res); err != nil {
		return nil, fmt.Errorf("list segments: decode: %w", err)
	}
	return res, nil
}

func (m *MongoStore) DeleteSegments(ctx context.Context, recordingID string) (int64, error) {
	res, err := m.segments.DeleteMany(ctx, bson.M{"recordingId": recordingID})
	if err != nil {
		return 0, fmt.Errorf("deleting segments: %w", err)
	}
	return res.DeletedCount, nil
}

func updateOne(ctx context.Context, coll *mongo.Collection, id string, op string, set bson.M) error {
	return updateOneWith(ctx, coll, id, op, bson.M{"$set": set})
}

func updateOneWith(ctx context.Context, coll *mongo.Collection, id string, op string, update bson.M) error {
	res, err := coll.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

func mongoNotFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}
