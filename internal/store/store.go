package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/config"
	_ "modernc.org/sqlite"
)

// SessionState is the lifecycle state of a recording session.
type SessionState string

const (
	StateIdle      SessionState = "idle"
	StateStarting  SessionState = "starting"
	StateActive    SessionState = "active"
	StateStopping  SessionState = "stopping"
	StateCompleted SessionState = "completed"
	StateFailed    SessionState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// UploadStatus is the replication status of a session's artifact set.
type UploadStatus string

const (
	UploadPending            UploadStatus = "pending"
	UploadUploading          UploadStatus = "uploading"
	UploadCompleted          UploadStatus = "completed"
	UploadPartiallyCompleted UploadStatus = "partially_completed"
	UploadFailed             UploadStatus = "failed"
)

// Monitor is the capture geometry, opaque to everything but the
// recorder command template.
type Monitor struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Recording is one recording attempt from start to stop or failure.
type Recording struct {
	ID              string
	Title           string
	MeetingID       string
	Monitor         Monitor
	State           SessionState
	OutputPath      string
	TranscriptPath  string
	DurationSeconds int
	UploadStatus    UploadStatus
	CreatedAt       time.Time
	StartedAt       *time.Time
	EndedAt         *time.Time
}

// UploadJob is the durable record of replication work for one completed
// recording. Rows are never deleted.
type UploadJob struct {
	RecordingID  string
	Status       UploadStatus
	RetryCount   int
	LastRetryAt  *time.Time
	UploadedURLs map[string]string
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Meeting recording statuses mirrored to the linked meeting row once
// an upload attempt finishes.
const (
	MeetingRecordedSynced = "recorded_synced"
	MeetingUploadFailed   = "upload_failed"
)

// Meeting is the external calendar record a recording may be linked to.
// Only the fields the upload pipeline touches are modeled here.
type Meeting struct {
	ID              string
	Subject         string
	RecordingID     string
	RecordingStatus string
}

// Store wraps the SQLite-backed session and upload bookkeeping.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store at the configured path.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS recordings (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    meeting_id TEXT,
    monitor_x INTEGER NOT NULL DEFAULT 0,
    monitor_y INTEGER NOT NULL DEFAULT 0,
    monitor_width INTEGER NOT NULL DEFAULT 0,
    monitor_height INTEGER NOT NULL DEFAULT 0,
    state TEXT NOT NULL,
    output_path TEXT NOT NULL DEFAULT '',
    transcript_path TEXT NOT NULL DEFAULT '',
    duration_seconds INTEGER NOT NULL DEFAULT 0,
    upload_status TEXT NOT NULL DEFAULT 'pending',
    created_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    ended_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS upload_jobs (
    recording_id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_retry_at TIMESTAMP,
    uploaded_urls TEXT NOT NULL DEFAULT '{}',
    last_error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    FOREIGN KEY(recording_id) REFERENCES recordings(id)
);
CREATE TABLE IF NOT EXISTS meetings (
    id TEXT PRIMARY KEY,
    subject TEXT NOT NULL DEFAULT '',
    recording_id TEXT,
    recording_status TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_upload_jobs_status ON upload_jobs(status, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// CreateRecording inserts a new recording row; CreatedAt is assigned here.
func (s *Store) CreateRecording(ctx context.Context, rec *Recording) error {
	rec.CreatedAt = s.now()
	if rec.UploadStatus == "" {
		rec.UploadStatus = UploadPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recordings(id, title, meeting_id, monitor_x, monitor_y, monitor_width, monitor_height,
		    state, output_path, transcript_path, upload_status, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Title, rec.MeetingID,
		rec.Monitor.X, rec.Monitor.Y, rec.Monitor.Width, rec.Monitor.Height,
		string(rec.State), rec.OutputPath, rec.TranscriptPath, string(rec.UploadStatus),
		formatTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert recording: %w", err)
	}
	return nil
}

// SetRecordingState updates only the session state.
func (s *Store) SetRecordingState(ctx context.Context, id string, state SessionState) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET state = ? WHERE id = ?`, string(state), id)
	return err
}

// MarkRecordingStarted flips the session to active and stamps started_at.
func (s *Store) MarkRecordingStarted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET state = ?, started_at = ? WHERE id = ?`,
		string(StateActive), formatTime(s.now()), id)
	return err
}

// FinishRecording records the terminal state, duration and end time.
func (s *Store) FinishRecording(ctx context.Context, id string, state SessionState, durationSeconds int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET state = ?, duration_seconds = ?, ended_at = ? WHERE id = ?`,
		string(state), durationSeconds, formatTime(s.now()), id)
	return err
}

// SetRecordingUploadStatus mirrors the job outcome onto the recording row.
func (s *Store) SetRecordingUploadStatus(ctx context.Context, id string, status UploadStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET upload_status = ? WHERE id = ?`, string(status), id)
	return err
}

// GetRecording fetches a recording by id; returns nil when absent.
func (s *Store) GetRecording(ctx context.Context, id string) (*Recording, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, meeting_id, monitor_x, monitor_y, monitor_width, monitor_height,
		    state, output_path, transcript_path, duration_seconds, upload_status,
		    created_at, started_at, ended_at
		 FROM recordings WHERE id = ?`, id)

	var rec Recording
	var meetingID sql.NullString
	var state, uploadStatus, created string
	var started, ended sql.NullString
	err := row.Scan(&rec.ID, &rec.Title, &meetingID,
		&rec.Monitor.X, &rec.Monitor.Y, &rec.Monitor.Width, &rec.Monitor.Height,
		&state, &rec.OutputPath, &rec.TranscriptPath, &rec.DurationSeconds, &uploadStatus,
		&created, &started, &ended)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.MeetingID = meetingID.String
	rec.State = SessionState(state)
	rec.UploadStatus = UploadStatus(uploadStatus)
	if ts, ok := parseTime(created); ok {
		rec.CreatedAt = ts
	}
	if started.Valid {
		if ts, ok := parseTime(started.String); ok {
			rec.StartedAt = &ts
		}
	}
	if ended.Valid {
		if ts, ok := parseTime(ended.String); ok {
			rec.EndedAt = &ts
		}
	}
	return &rec, nil
}

// CreateUploadJob inserts the pending job for a completed recording.
// Idempotent per recording: a second insert is ignored.
func (s *Store) CreateUploadJob(ctx context.Context, recordingID string) error {
	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO upload_jobs(recording_id, status, created_at, updated_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(recording_id) DO NOTHING`,
		recordingID, string(UploadPending), now, now)
	if err != nil {
		return fmt.Errorf("insert upload job: %w", err)
	}
	return nil
}

// BeginUploadAttempt marks the job uploading and advances the retry
// bookkeeping before any file is transferred, so a crash mid-attempt
// still advances the backoff clock.
func (s *Store) BeginUploadAttempt(ctx context.Context, recordingID string) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE upload_jobs
		 SET status = ?, retry_count = retry_count + 1, last_retry_at = ?, updated_at = ?
		 WHERE recording_id = ?`,
		string(UploadUploading), formatTime(now), formatTime(now), recordingID)
	return err
}

// CompleteUploadJob records the terminal outcome of one attempt. A fully
// successful upload resets the retry counter; partial or failed attempts
// keep the count advanced by BeginUploadAttempt.
func (s *Store) CompleteUploadJob(ctx context.Context, recordingID string, status UploadStatus, urls map[string]string, lastError string) error {
	if urls == nil {
		urls = map[string]string{}
	}
	encoded, err := json.Marshal(urls)
	if err != nil {
		return fmt.Errorf("encode uploaded urls: %w", err)
	}
	now := formatTime(s.now())
	if status == UploadCompleted {
		_, err = s.db.ExecContext(ctx,
			`UPDATE upload_jobs
			 SET status = ?, uploaded_urls = ?, last_error = ?, retry_count = 0, last_retry_at = NULL, updated_at = ?
			 WHERE recording_id = ?`,
			string(status), string(encoded), lastError, now, recordingID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE upload_jobs
			 SET status = ?, uploaded_urls = ?, last_error = ?, updated_at = ?
			 WHERE recording_id = ?`,
			string(status), string(encoded), lastError, now, recordingID)
	}
	return err
}

// GetUploadJob fetches the job for a recording; returns nil when absent.
func (s *Store) GetUploadJob(ctx context.Context, recordingID string) (*UploadJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT recording_id, status, retry_count, last_retry_at, uploaded_urls, last_error, created_at, updated_at
		 FROM upload_jobs WHERE recording_id = ?`, recordingID)
	job, err := scanUploadJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUploadJob(row rowScanner) (*UploadJob, error) {
	var job UploadJob
	var status, urls, created, updated string
	var lastRetry sql.NullString
	if err := row.Scan(&job.RecordingID, &status, &job.RetryCount, &lastRetry, &urls, &job.LastError, &created, &updated); err != nil {
		return nil, err
	}
	job.Status = UploadStatus(status)
	if lastRetry.Valid {
		if ts, ok := parseTime(lastRetry.String); ok {
			job.LastRetryAt = &ts
		}
	}
	job.UploadedURLs = map[string]string{}
	if urls != "" {
		_ = json.Unmarshal([]byte(urls), &job.UploadedURLs)
	}
	if ts, ok := parseTime(created); ok {
		job.CreatedAt = ts
	}
	if ts, ok := parseTime(updated); ok {
		job.UpdatedAt = ts
	}
	return &job, nil
}

// SweepStalledUploadJobs flips jobs stuck mid-attempt back to failed so
// the retry scan can pick them up. A job sits in pending or uploading
// only while the daemon is actively working on it; one found there with
// a stale updated_at belongs to a previous process that died.
func (s *Store) SweepStalledUploadJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT recording_id, updated_at FROM upload_jobs WHERE status IN (?, ?)`,
		string(UploadPending), string(UploadUploading))
	if err != nil {
		return 0, fmt.Errorf("list stalled upload jobs: %w", err)
	}
	defer rows.Close()

	cutoff := s.now().Add(-olderThan)
	var stalled []string
	for rows.Next() {
		var id, updated string
		if err := rows.Scan(&id, &updated); err != nil {
			return 0, err
		}
		if ts, ok := parseTime(updated); ok && ts.Before(cutoff) {
			stalled = append(stalled, id)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	rows.Close()

	now := formatTime(s.now())
	for _, id := range stalled {
		_, err := s.db.ExecContext(ctx,
			`UPDATE upload_jobs SET status = ?, last_error = ?, updated_at = ? WHERE recording_id = ?`,
			string(UploadFailed), "attempt interrupted by process exit", now, id)
		if err != nil {
			return 0, fmt.Errorf("sweep upload job %s: %w", id, err)
		}
	}
	return len(stalled), nil
}

// ListFailedUploadJobs returns failed jobs still below the retry limit,
// oldest first. Jobs at or over the limit never come back; they are
// surfaced only for manual inspection.
func (s *Store) ListFailedUploadJobs(ctx context.Context, maxRetries int) ([]UploadJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT recording_id, status, retry_count, last_retry_at, uploaded_urls, last_error, created_at, updated_at
		 FROM upload_jobs
		 WHERE status = ? AND retry_count < ?
		 ORDER BY created_at ASC`,
		string(UploadFailed), maxRetries)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []UploadJob
	for rows.Next() {
		job, err := scanUploadJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// UpsertMeeting ensures a meeting row exists.
func (s *Store) UpsertMeeting(ctx context.Context, m Meeting) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meetings(id, subject, recording_id, recording_status)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET subject=excluded.subject`,
		m.ID, m.Subject, m.RecordingID, m.RecordingStatus)
	return err
}

// LinkMeetingRecording attaches a recording id to a meeting.
func (s *Store) LinkMeetingRecording(ctx context.Context, meetingID, recordingID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE meetings SET recording_id = ? WHERE id = ?`, recordingID, meetingID)
	return err
}

// SetMeetingRecordingStatus updates the sync status on a linked meeting.
func (s *Store) SetMeetingRecordingStatus(ctx context.Context, meetingID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE meetings SET recording_status = ? WHERE id = ?`, status, meetingID)
	return err
}

// GetMeeting fetches a meeting by id; returns nil when absent.
func (s *Store) GetMeeting(ctx context.Context, id string) (*Meeting, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, subject, recording_id, recording_status FROM meetings WHERE id = ?`, id)
	var m Meeting
	var recordingID sql.NullString
	err := row.Scan(&m.ID, &m.Subject, &recordingID, &m.RecordingStatus)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.RecordingID = recordingID.String
	return &m, nil
}
