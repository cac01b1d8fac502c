package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.StoreConfig{Path: filepath.Join(t.TempDir(), "recordings.db")}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordingLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := &Recording{
		ID:             "rec-1",
		Title:          "Demo",
		Monitor:        Monitor{X: 0, Y: 0, Width: 1920, Height: 1080},
		State:          StateStarting,
		OutputPath:     "/tmp/meeting.mkv",
		TranscriptPath: "/tmp/meeting_transcript.txt",
	}
	if err := s.CreateRecording(ctx, rec); err != nil {
		t.Fatalf("create recording: %v", err)
	}
	if err := s.MarkRecordingStarted(ctx, rec.ID); err != nil {
		t.Fatalf("mark started: %v", err)
	}
	if err := s.FinishRecording(ctx, rec.ID, StateCompleted, 120); err != nil {
		t.Fatalf("finish: %v", err)
	}

	got, err := s.GetRecording(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get recording: %v", err)
	}
	if got == nil {
		t.Fatal("expected recording")
	}
	if got.State != StateCompleted {
		t.Fatalf("expected completed, got %s", got.State)
	}
	if got.DurationSeconds != 120 {
		t.Fatalf("expected duration 120, got %d", got.DurationSeconds)
	}
	if got.StartedAt == nil || got.EndedAt == nil {
		t.Fatal("expected started/ended timestamps")
	}
	if got.Monitor.Width != 1920 {
		t.Fatalf("expected monitor width 1920, got %d", got.Monitor.Width)
	}
}

func TestGetRecordingMissing(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetRecording(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil for missing recording")
	}
}

func TestUploadAttemptAccounting(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := &Recording{ID: "rec-2", Title: "Sync", State: StateCompleted}
	if err := s.CreateRecording(ctx, rec); err != nil {
		t.Fatalf("create recording: %v", err)
	}
	if err := s.CreateUploadJob(ctx, rec.ID); err != nil {
		t.Fatalf("create job: %v", err)
	}
	// Duplicate creation is a no-op.
	if err := s.CreateUploadJob(ctx, rec.ID); err != nil {
		t.Fatalf("recreate job: %v", err)
	}

	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return fixed }

	if err := s.BeginUploadAttempt(ctx, rec.ID); err != nil {
		t.Fatalf("begin attempt: %v", err)
	}
	job, err := s.GetUploadJob(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != UploadUploading {
		t.Fatalf("expected uploading, got %s", job.Status)
	}
	if job.RetryCount != 1 {
		t.Fatalf("expected retry count 1 after attempt start, got %d", job.RetryCount)
	}
	if job.LastRetryAt == nil || !job.LastRetryAt.Equal(fixed) {
		t.Fatalf("expected last retry at %v, got %v", fixed, job.LastRetryAt)
	}

	if err := s.CompleteUploadJob(ctx, rec.ID, UploadFailed, nil, "network down"); err != nil {
		t.Fatalf("fail job: %v", err)
	}
	job, _ = s.GetUploadJob(ctx, rec.ID)
	if job.Status != UploadFailed || job.RetryCount != 1 {
		t.Fatalf("expected failed with count 1, got %s/%d", job.Status, job.RetryCount)
	}
	if job.LastError != "network down" {
		t.Fatalf("expected last error preserved, got %q", job.LastError)
	}

	// Second attempt succeeds: counter resets, urls recorded.
	if err := s.BeginUploadAttempt(ctx, rec.ID); err != nil {
		t.Fatalf("begin second attempt: %v", err)
	}
	urls := map[string]string{"video": "https://cdn/rec-2/video.mkv"}
	if err := s.CompleteUploadJob(ctx, rec.ID, UploadCompleted, urls, ""); err != nil {
		t.Fatalf("complete job: %v", err)
	}
	job, _ = s.GetUploadJob(ctx, rec.ID)
	if job.Status != UploadCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	if job.RetryCount != 0 {
		t.Fatalf("expected retry count reset to 0, got %d", job.RetryCount)
	}
	if job.LastRetryAt != nil {
		t.Fatalf("expected last retry cleared, got %v", job.LastRetryAt)
	}
	if job.UploadedURLs["video"] != urls["video"] {
		t.Fatalf("expected uploaded urls persisted, got %v", job.UploadedURLs)
	}
}

func TestListFailedUploadJobsExcludesExhausted(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, id := range []string{"a", "b"} {
		if err := s.CreateRecording(ctx, &Recording{ID: id, Title: id, State: StateCompleted}); err != nil {
			t.Fatalf("create recording: %v", err)
		}
		if err := s.CreateUploadJob(ctx, id); err != nil {
			t.Fatalf("create job: %v", err)
		}
	}

	// "a" fails once, "b" exhausts the retry cap.
	if err := s.BeginUploadAttempt(ctx, "a"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.CompleteUploadJob(ctx, "a", UploadFailed, nil, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := s.BeginUploadAttempt(ctx, "b"); err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := s.CompleteUploadJob(ctx, "b", UploadFailed, nil, "boom"); err != nil {
			t.Fatalf("fail: %v", err)
		}
	}

	jobs, err := s.ListFailedUploadJobs(ctx, 5)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 eligible job, got %d", len(jobs))
	}
	if jobs[0].RecordingID != "a" {
		t.Fatalf("expected job a, got %s", jobs[0].RecordingID)
	}
}

func TestSweepStalledUploadJobs(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return base }

	for _, id := range []string{"stuck", "orphan", "fresh"} {
		if err := s.CreateRecording(ctx, &Recording{ID: id, Title: id, State: StateCompleted}); err != nil {
			t.Fatalf("create recording: %v", err)
		}
		if err := s.CreateUploadJob(ctx, id); err != nil {
			t.Fatalf("create job: %v", err)
		}
	}
	// "stuck" dies mid-attempt, "orphan" is never picked up at all.
	if err := s.BeginUploadAttempt(ctx, "stuck"); err != nil {
		t.Fatalf("begin: %v", err)
	}

	// A minute later the daemon is back up with a new attempt on
	// "fresh" already in flight.
	s.clock = func() time.Time { return base.Add(time.Minute) }
	if err := s.BeginUploadAttempt(ctx, "fresh"); err != nil {
		t.Fatalf("begin: %v", err)
	}

	n, err := s.SweepStalledUploadJobs(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 swept jobs, got %d", n)
	}

	for _, id := range []string{"stuck", "orphan"} {
		job, err := s.GetUploadJob(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if job.Status != UploadFailed {
			t.Fatalf("expected %s failed after sweep, got %s", id, job.Status)
		}
	}
	job, _ := s.GetUploadJob(ctx, "fresh")
	if job.Status != UploadUploading {
		t.Fatalf("expected in-flight job untouched, got %s", job.Status)
	}

	jobs, err := s.ListFailedUploadJobs(ctx, 5)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected swept jobs visible to retry scan, got %d", len(jobs))
	}
}

func TestMeetingStatusUpdates(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.UpsertMeeting(ctx, Meeting{ID: "m-1", Subject: "Weekly sync"}); err != nil {
		t.Fatalf("upsert meeting: %v", err)
	}
	if err := s.LinkMeetingRecording(ctx, "m-1", "rec-9"); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := s.SetMeetingRecordingStatus(ctx, "m-1", MeetingRecordedSynced); err != nil {
		t.Fatalf("set status: %v", err)
	}

	m, err := s.GetMeeting(ctx, "m-1")
	if err != nil {
		t.Fatalf("get meeting: %v", err)
	}
	if m == nil || m.RecordingID != "rec-9" || m.RecordingStatus != MeetingRecordedSynced {
		t.Fatalf("unexpected meeting row: %+v", m)
	}
}
