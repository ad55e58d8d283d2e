package speakers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteSchema = `
	create table if not exists recordings (
		id text primary key not null,
		filename text not null,
		original_filename text not null,
		file_path text not null,
		blake3_hash text unique,
		start_time text,
		status text not null,
		progress integer not null default 0,
		language text not null default '',
		min_speakers integer not null default 0,
		max_speakers integer not null default 0,
		error_message text not null default '',
		created_at text not null,
		updated_at text not null
	);

	create table if not exists jobs (
		id text primary key not null,
		recording_id text not null,
		status text not null,
		progress integer not null default 0,
		language text not null default '',
		min_speakers integer not null default 0,
		max_speakers integer not null default 0,
		error_message text not null default '',
		created_at text not null,
		started_at text,
		completed_at text
	);
	create index if not exists jobs_status_created_at on jobs (status, created_at);
	create index if not exists jobs_recording_id on jobs (recording_id);
	create unique index if not exists jobs_running_recording on jobs (recording_id) where status = 'running';

	create table if not exists job_steps (
		job_id text not null,
		name text not null,
		position integer not null,
		status text not null,
		progress integer not null default 0,
		started_at text,
		completed_at text,
		primary key (job_id, name)
	);

	create table if not exists segments (
		id text primary key not null,
		recording_id text not null,
		speaker_label text not null,
		start_time text not null,
		end_time text not null,
		duration_seconds real not null,
		confidence_score real not null default 0,
		audio_path text not null default '',
		transcription text not null default '',
		created_at text not null
	);
	create index if not exists segments_recording_start on segments (recording_id, start_time);

	create table if not exists transcription_segments (
		segment_id text not null,
		position integer not null,
		start_offset real not null,
		end_offset real not null,
		text text not null,
		confidence real not null default 0,
		primary key (segment_id, position)
	);`

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = SQLiteStore{}

func NewSQLiteStore(db *sql.DB) SQLiteStore {
	return SQLiteStore{db}
}

// Migrate creates the schema when missing.
func (r SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrating sqlite schema: %w", err)
	}
	return nil
}

func (r SQLiteStore) Close(ctx context.Context) error {
	return r.db.Close()
}

func (r SQLiteStore) CreateRecording(ctx context.Context, rec Recording) error {
	_, err := r.db.ExecContext(ctx, `
		insert into recordings (
			id, filename, original_filename, file_path, blake3_hash, start_time,
			status, progress, language, min_speakers, max_speakers, error_message,
			created_at, updated_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.ID, rec.Filename, rec.OriginalFilename, rec.FilePath, nullString(rec.Blake3Hash), nullTime(rec.StartTime),
		rec.Status, rec.Progress, rec.Language, rec.MinSpeakers, rec.MaxSpeakers, rec.ErrorMessage,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return fmt.Errorf("persisting recording into sqlite: %w", ErrRecordingExists)
	}
	if err != nil {
		return fmt.Errorf("persisting recording into sqlite: %w", err)
	}
	return nil
}

const recordingColumns = `id, filename, original_filename, file_path, coalesce(blake3_hash, ''), start_time,
	status, progress, language, min_speakers, max_speakers, error_message, created_at, updated_at`

func (r SQLiteStore) FindRecording(ctx context.Context, id string) (Recording, error) {
	row := r.db.QueryRowContext(ctx, "select "+recordingColumns+" from recordings where id = $1", id)
	rec, err := scanRecording(row)
	if err != nil {
		return rec, fmt.Errorf("get recording %s: %w", id, err)
	}
	return rec, nil
}

func (r SQLiteStore) FindRecordingByHash(ctx context.Context, blake3Hash string) (Recording, error) {
	row := r.db.QueryRowContext(ctx, "select "+recordingColumns+" from recordings where blake3_hash = $1", blake3Hash)
	rec, err := scanRecording(row)
	if err != nil {
		return rec, fmt.Errorf("get recording by hash: %w", err)
	}
	return rec, nil
}

func scanRecording(row *sql.Row) (Recording, error) {
	var (
		res                  Recording
		startTime            sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(
		&res.ID, &res.Filename, &res.OriginalFilename, &res.FilePath, &res.Blake3Hash, &startTime,
		&res.Status, &res.Progress, &res.Language, &res.MinSpeakers, &res.MaxSpeakers, &res.ErrorMessage,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return res, notFound(err)
	}

	if res.StartTime, err = parseNullTime(startTime); err != nil {
		return res, err
	}
	if res.CreatedAt, err = parseTime(createdAt); err != nil {
		return res, err
	}
	if res.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return res, err
	}
	return res, nil
}

func (r SQLiteStore) SetRecordingStartTime(ctx context.Context, id string, startTime time.Time) error {
	return r.execOne(ctx, "set recording start time",
		"update recordings set start_time = $1, updated_at = $2 where id = $3",
		formatTime(startTime), formatTime(time.Now()), id)
}

func (r SQLiteStore) UpdateRecordingProgress(ctx context.Context, id string, status RecordingStatus, progress int) error {
	return r.execOne(ctx, "update recording progress",
		"update recordings set status = $1, progress = $2, updated_at = $3 where id = $4",
		status, progress, formatTime(time.Now()), id)
}

func (r SQLiteStore) FailRecording(ctx context.Context, id string, message string) error {
	return r.execOne(ctx, "fail recording",
		"update recordings set status = $1, progress = 0, error_message = $2, updated_at = $3 where id = $4",
		RecordingStatusFailed, message, formatTime(time.Now()), id)
}

func (r SQLiteStore) ResetRecording(ctx context.Context, id string) error {
	return r.execOne(ctx, "reset recording",
		"update recordings set status = $1, progress = 0, error_message = '', updated_at = $2 where id = $3",
		RecordingStatusPending, formatTime(time.Now()), id)
}

func (r SQLiteStore) CreateJob(ctx context.Context, job Job) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("creating job: begin trx: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		insert into jobs (
			id, recording_id, status, progress, language, min_speakers, max_speakers,
			error_message, created_at, started_at, completed_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.RecordingID, job.Status, job.Progress, job.Language, job.MinSpeakers, job.MaxSpeakers,
		job.ErrorMessage, formatTime(job.CreatedAt), nullTime(job.StartedAt), nullTime(job.CompletedAt),
	)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback create job: %w", rbErr)
		}
		return fmt.Errorf("persisting job into sqlite: %w", err)
	}

	for _, step := range job.Steps {
		if err = saveStep(ctx, tx, job.ID, step); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return fmt.Errorf("rollback create job steps: %w", rbErr)
			}
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("creating job: commiting: %w", err)
	}
	return nil
}

func (r SQLiteStore) FindJob(ctx context.Context, id string) (Job, error) {
	var (
		res                    Job
		createdAt              string
		startedAt, completedAt sql.NullString
	)
	err := r.db.
		QueryRowContext(ctx, `
			select id, recording_id, status, progress, language, min_speakers, max_speakers,
				error_message, created_at, started_at, completed_at
			from jobs where id = $1`, id).
		Scan(
			&res.ID, &res.RecordingID, &res.Status, &res.Progress, &res.Language, &res.MinSpeakers, &res.MaxSpeakers,
			&res.ErrorMessage, &createdAt, &startedAt, &completedAt,
		)
	if err != nil {
		return res, fmt.Errorf("get job %s: %w", id, notFound(err))
	}

	if res.CreatedAt, err = parseTime(createdAt); err != nil {
		return res, fmt.Errorf("get job %s: %w", id, err)
	}
	if res.StartedAt, err = parseNullTime(startedAt); err != nil {
		return res, fmt.Errorf("get job %s: %w", id, err)
	}
	if res.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return res, fmt.Errorf("get job %s: %w", id, err)
	}

	if res.Steps, err = r.findSteps(ctx, id); err != nil {
		return res, fmt.Errorf("get job %s: %w", id, err)
	}
	return res, nil
}

func (r SQLiteStore) findSteps(ctx context.Context, jobID string) ([]Step, error) {
	rows, err := r.db.QueryContext(ctx, `
		select name, status, progress, started_at, completed_at
		from job_steps where job_id = $1 order by position`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job steps: %w", err)
	}
	defer rows.Close()

	steps := []Step{}
	for rows.Next() {
		var (
			s                      Step
			startedAt, completedAt sql.NullString
		)
		if err = rows.Scan(&s.Name, &s.Status, &s.Progress, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan job step: %w", err)
		}
		if s.StartedAt, err = parseNullTime(startedAt); err != nil {
			return nil, err
		}
		if s.CompletedAt, err = parseNullTime(completedAt); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// FindActiveJob returns the oldest queued or running job of a recording.
func (r SQLiteStore) FindActiveJob(ctx context.Context, recordingID string) (Job, error) {
	var id string
	err := r.db.
		QueryRowContext(ctx, `
			select id from jobs where recording_id = $1 and status in ($2, $3)
			order by created_at, rowid limit 1`, recordingID, JobStatusQueued, JobStatusRunning).
		Scan(&id)
	if err != nil {
		return Job{}, fmt.Errorf("get active job of recording %s: %w", recordingID, notFound(err))
	}
	return r.FindJob(ctx, id)
}

// ClaimNextQueuedJob relies on the connection opening transactions with
// BEGIN IMMEDIATE so the select and update hold the write lock together.
// Jobs whose recording already has a running job wait their turn.
func (r SQLiteStore) ClaimNextQueuedJob(ctx context.Context, now time.Time) (Job, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false, fmt.Errorf("claiming job: begin trx: %w", err)
	}

	var id string
	err = tx.QueryRowContext(ctx, `
		select id from jobs where status = $1
			and not exists (
				select 1 from jobs busy
				where busy.recording_id = jobs.recording_id and busy.status = $2
			)
		order by created_at, rowid limit 1`, JobStatusQueued, JobStatusRunning).
		Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, tx.Rollback()
	}
	if err != nil {
		_ = tx.Rollback()
		return Job{}, false, fmt.Errorf("claiming job: select queued: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"update jobs set status = $1, started_at = $2 where id = $3 and status = $4",
		JobStatusRunning, formatTime(now), id, JobStatusQueued)
	if err != nil {
		_ = tx.Rollback()
		return Job{}, false, fmt.Errorf("claiming job %s: %w", id, err)
	}

	if err = tx.Commit(); err != nil {
		return Job{}, false, fmt.Errorf("claiming job: commiting: %w", err)
	}

	job, err := r.FindJob(ctx, id)
	if err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

func (r SQLiteStore) MarkJobRunning(ctx context.Context, id string, startedAt time.Time) error {
	return r.execOne(ctx, "mark job running",
		"update jobs set status = $1, progress = 0, error_message = '', started_at = $2 where id = $3",
		JobStatusRunning, formatTime(startedAt), id)
}

func (r SQLiteStore) UpdateJobProgress(ctx context.Context, id string, progress int) error {
	return r.execOne(ctx, "update job progress",
		"update jobs set status = $1, progress = $2 where id = $3",
		JobStatusRunning, progress, id)
}

func (r SQLiteStore) SaveJobStep(ctx context.Context, id string, step Step) error {
	return saveStep(ctx, r.db, id, step)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveStep(ctx context.Context, db execer, jobID string, step Step) error {
	_, err := db.ExecContext(ctx, `
		insert into job_steps (job_id, name, position, status, progress, started_at, completed_at)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (job_id, name) do update set
			status = excluded.status,
			progress = excluded.progress,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		jobID, step.Name, stepPosition(step.Name), step.Status, step.Progress,
		nullTime(step.StartedAt), nullTime(step.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("saving job step %s: %w", step.Name, err)
	}
	return nil
}

func (r SQLiteStore) CompleteJob(ctx context.Context, id string, completedAt time.Time) error {
	return r.execOne(ctx, "complete job",
		"update jobs set status = $1, progress = 100, completed_at = $2 where id = $3",
		JobStatusCompleted, formatTime(completedAt), id)
}

func (r SQLiteStore) FailJob(ctx context.Context, id string, message string, completedAt time.Time) error {
	return r.execOne(ctx, "fail job",
		"update jobs set status = $1, progress = 0, error_message = $2, completed_at = $3 where id = $4",
		JobStatusFailed, message, formatTime(completedAt), id)
}

func (r SQLiteStore) InsertSegment(ctx context.Context, seg SpeakerSegment) error {
	_, err := r.db.ExecContext(ctx, `
		insert into segments (
			id, recording_id, speaker_label, start_time, end_time, duration_seconds,
			confidence_score, audio_path, transcription, created_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		seg.ID, seg.RecordingID, seg.SpeakerLabel, formatTime(seg.StartTime), formatTime(seg.EndTime), seg.DurationSeconds,
		seg.ConfidenceScore, seg.AudioPath, seg.Transcription, formatTime(seg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("persisting segment into sqlite: %w", err)
	}
	return nil
}

func (r SQLiteStore) UpdateSegmentAudioPath(ctx context.Context, id string, path string) error {
	return r.execOne(ctx, "update segment audio path",
		"update segments set audio_path = $1 where id = $2", path, id)
}

func (r SQLiteStore) UpdateSegmentTranscription(ctx context.Context, id string, text string, subs []TranscriptionSegment) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("updating transcription: begin trx: %w", err)
	}

	res, err := tx.ExecContext(ctx, "update segments set transcription = $1 where id = $2", text, id)
	if err == nil {
		err = expectOne(res)
	}
	if err == nil {
		_, err = tx.ExecContext(ctx, "delete from transcription_segments where segment_id = $1", id)
	}
	if err == nil {
		err = insertTranscriptionSegments(ctx, tx, id, subs)
	}
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback update transcription: %w", rbErr)
		}
		return fmt.Errorf("updating transcription of segment %s: %w", id, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("updating transcription: commiting: %w", err)
	}
	return nil
}

func insertTranscriptionSegments(ctx context.Context, tx *sql.Tx, segmentID string, subs []TranscriptionSegment) error {
	if len(subs) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString(`insert into transcription_segments (
		segment_id,
		position,
		start_offset,
		end_offset,
		text,
		confidence) values `)

	args := make([]any, 0, 6*len(subs))
	for n, s := range subs {
		if n > 0 {
			b.WriteString(", ")
		}
		base := n * 6
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5, base+6)
		args = append(args, segmentID, n, s.StartOffset, s.EndOffset, s.Text, s.Confidence)
	}

	if _, err := tx.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("inserting transcription segments: %w", err)
	}
	return nil
}

func (r SQLiteStore) ListSegments(ctx context.Context, recordingID string) ([]SpeakerSegment, error) {
	rows, err := r.db.QueryContext(ctx, `
		select id, recording_id, speaker_label, start_time, end_time, duration_seconds,
			confidence_score, audio_path, transcription, created_at
		from segments where recording_id = $1
		order by start_time, rowid`, recordingID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	res := []SpeakerSegment{}
	index := map[string]int{}
	for rows.Next() {
		var (
			s                             SpeakerSegment
			startTime, endTime, createdAt string
		)
		err = rows.Scan(&s.ID, &s.RecordingID, &s.SpeakerLabel, &startTime, &endTime, &s.DurationSeconds,
			&s.ConfidenceScore, &s.AudioPath, &s.Transcription, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("list segments: scan: %w", err)
		}
		if s.StartTime, err = parseTime(startTime); err != nil {
			return nil, err
		}
		if s.EndTime, err = parseTime(endTime); err != nil {
			return nil, err
		}
		if s.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		s.TranscriptionSegments = []TranscriptionSegment{}
		index[s.ID] = len(res)
		res = append(res, s)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}

	subRows, err := r.db.QueryContext(ctx, `
		select t.segment_id, t.start_offset, t.end_offset, t.text, t.confidence
		from transcription_segments t
		join segments s on s.id = t.segment_id
		where s.recording_id = $1
		order by t.segment_id, t.position`, recordingID)
	if err != nil {
		return nil, fmt.Errorf("list transcription segments: %w", err)
	}
	defer subRows.Close()

	for subRows.Next() {
		var (
			segmentID string
			t         TranscriptionSegment
		)
		if err = subRows.Scan(&segmentID, &t.StartOffset, &t.EndOffset, &t.Text, &t.Confidence); err != nil {
			return nil, fmt.Errorf("list transcription segments: scan: %w", err)
		}
		if n, ok := index[segmentID]; ok {
			res[n].TranscriptionSegments = append(res[n].TranscriptionSegments, t)
		}
	}
	return res, subRows.Err()
}

func (r SQLiteStore) DeleteSegments(ctx context.Context, recordingID string) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("deleting segments: begin trx: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		delete from transcription_segments
		where segment_id in (select id from segments where recording_id = $1)`, recordingID)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("deleting transcription segments: %w", err)
	}

	res, err := tx.ExecContext(ctx, "delete from segments where recording_id = $1", recordingID)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("deleting segments: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("deleting segments: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("deleting segments: commiting: %w", err)
	}
	return n, nil
}

// execOne runs a single-row update and reports ErrNotFound when no row matched.
func (r SQLiteStore) execOne(ctx context.Context, op string, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err = expectOne(res); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func stepPosition(name StepName) int {
	for n, s := range PipelineSteps {
		if s == name {
			return n
		}
	}
	return len(PipelineSteps)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing stored time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
