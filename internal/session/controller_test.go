package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/config"
	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/store"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeCapture writes the output file (unless told not to) and then
// blocks until cancelled, like a long-running recorder.
type fakeCapture struct {
	mu        sync.Mutex
	argv      []string
	skipWrite bool
	launchErr error
}

func (f *fakeCapture) Run(ctx context.Context, argv []string) error {
	f.mu.Lock()
	f.argv = append([]string(nil), argv...)
	f.mu.Unlock()
	if f.launchErr != nil {
		return f.launchErr
	}
	if !f.skipWrite {
		output := argv[len(argv)-1]
		if err := os.WriteFile(output, []byte("matroska"), 0o644); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return nil
}

type fakePipeline struct{ err error }

func (f *fakePipeline) Stream(ctx context.Context, transcriptPath string) error {
	if f.err != nil {
		return f.err
	}
	if err := os.WriteFile(transcriptPath, []byte("[10:00:00] hi\n"), 0o644); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

type fakeProber struct {
	seconds int
	err     error
}

func (f *fakeProber) Duration(context.Context, string) (int, error) { return f.seconds, f.err }

type fakeUploads struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeUploads) Run(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	return true
}

func (f *fakeUploads) submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

type env struct {
	ctrl    *Controller
	store   *store.Store
	capture *fakeCapture
	uploads *fakeUploads
}

func newEnv(t *testing.T, cap *fakeCapture, pipe TranscriptPipeline, prober DurationProber) *env {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(context.Background(), config.StoreConfig{Path: filepath.Join(dir, "state.db")}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.RecorderConfig{
		Command:        "ffmpeg -offset_x {x} -offset_y {y} -video_size {width}x{height} {output}",
		AudioCommand:   "ffmpeg -i {device} -",
		AudioDevice:    "default",
		OutputDir:      filepath.Join(dir, "recordings"),
		PollIntervalMS: 100,
		GraceTimeoutMS: 1000,
	}
	uploads := &fakeUploads{}
	ctrl := NewController(cfg, st, cap, pipe, prober, uploads, nil, newLogger())
	ctrl.lookPath = func(string) (string, error) { return "/usr/bin/ffmpeg", nil }
	t.Cleanup(ctrl.Close)

	return &env{ctrl: ctrl, store: st, capture: cap, uploads: uploads}
}

func waitTerminal(t *testing.T, st *store.Store, id string) *store.Recording {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := st.GetRecording(context.Background(), id)
		if err != nil {
			t.Fatalf("get recording: %v", err)
		}
		if rec != nil && rec.State.Terminal() {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("recording never reached a terminal state")
	return nil
}

func TestStartStopLifecycle(t *testing.T) {
	e := newEnv(t, &fakeCapture{}, &fakePipeline{}, &fakeProber{seconds: 42})

	rec, err := e.ctrl.Start(context.Background(), StartRequest{
		Title:     "standup",
		MeetingID: "meet-1",
		Monitor:   store.Monitor{X: 0, Y: 0, Width: 1920, Height: 1080},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := e.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	got := waitTerminal(t, e.store, rec.ID)

	if got.State != store.StateCompleted {
		t.Fatalf("state = %s, want completed", got.State)
	}
	if got.DurationSeconds != 42 {
		t.Errorf("duration = %d, want 42", got.DurationSeconds)
	}
	if got.StartedAt == nil || got.EndedAt == nil {
		t.Error("missing started/ended timestamps")
	}

	job, err := e.store.GetUploadJob(context.Background(), rec.ID)
	if err != nil || job == nil {
		t.Fatalf("upload job not created: %v", err)
	}
	if ids := e.uploads.submitted(); len(ids) != 1 || ids[0] != rec.ID {
		t.Errorf("uploads submitted = %v", ids)
	}

	meeting, err := e.store.GetMeeting(context.Background(), "meet-1")
	if err != nil || meeting == nil {
		t.Fatalf("meeting not linked: %v", err)
	}
	if meeting.RecordingID != rec.ID {
		t.Errorf("meeting recording = %q, want %q", meeting.RecordingID, rec.ID)
	}
}

func TestSecondStartRejected(t *testing.T) {
	e := newEnv(t, &fakeCapture{}, nil, &fakeProber{seconds: 1})

	first, err := e.ctrl.Start(context.Background(), StartRequest{Title: "one"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := e.ctrl.Start(context.Background(), StartRequest{Title: "two"}); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("second start err = %v, want ErrAlreadyActive", err)
	}

	// The running session must be unaffected.
	cur, err := e.ctrl.Current(context.Background())
	if err != nil || cur == nil || cur.ID != first.ID {
		t.Fatalf("current = %+v, err = %v", cur, err)
	}

	if _, err := e.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitTerminal(t, e.store, first.ID)

	// Once torn down, starting again works.
	if _, err := e.ctrl.Start(context.Background(), StartRequest{Title: "three"}); err != nil {
		t.Fatalf("start after stop: %v", err)
	}
	if _, err := e.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestConcurrentStartsAdmitOne(t *testing.T) {
	e := newEnv(t, &fakeCapture{}, nil, &fakeProber{seconds: 1})

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []*store.Recording
		rejects int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := e.ctrl.Start(context.Background(), StartRequest{Title: "race"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, rec)
			case errors.Is(err, ErrAlreadyActive):
				rejects++
			default:
				t.Errorf("start err = %v", err)
			}
		}()
	}
	wg.Wait()

	if len(winners) != 1 || rejects != n-1 {
		t.Fatalf("winners = %d, rejects = %d; want 1 and %d", len(winners), rejects, n-1)
	}

	cur, err := e.ctrl.Current(context.Background())
	if err != nil || cur == nil || cur.ID != winners[0].ID {
		t.Fatalf("current = %+v, err = %v", cur, err)
	}

	if _, err := e.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitTerminal(t, e.store, winners[0].ID)
}

func TestStopWithoutSession(t *testing.T) {
	e := newEnv(t, &fakeCapture{}, nil, nil)
	if _, err := e.ctrl.Stop(context.Background()); !errors.Is(err, ErrNotActive) {
		t.Fatalf("err = %v, want ErrNotActive", err)
	}
}

func TestSessionFailsWithoutOutputFile(t *testing.T) {
	e := newEnv(t, &fakeCapture{skipWrite: true, launchErr: errors.New("ffmpeg not found")}, nil, nil)

	rec, err := e.ctrl.Start(context.Background(), StartRequest{Title: "doomed"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	got := waitTerminal(t, e.store, rec.ID)

	if got.State != store.StateFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if len(e.uploads.submitted()) != 0 {
		t.Error("failed session must not be submitted for upload")
	}
	job, _ := e.store.GetUploadJob(context.Background(), rec.ID)
	if job != nil {
		t.Error("failed session must not get an upload job")
	}
}

func TestTranscriptionFailureKeepsSessionAlive(t *testing.T) {
	e := newEnv(t, &fakeCapture{}, &fakePipeline{err: errors.New("audio device busy")}, &fakeProber{seconds: 7})

	rec, err := e.ctrl.Start(context.Background(), StartRequest{Title: "video only"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := e.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	got := waitTerminal(t, e.store, rec.ID)

	if got.State != store.StateCompleted {
		t.Fatalf("state = %s, want completed despite transcription failure", got.State)
	}
}

func TestDurationFallsBackToWallClock(t *testing.T) {
	e := newEnv(t, &fakeCapture{}, nil, &fakeProber{err: errors.New("ffprobe missing")})

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	elapsed := 0
	e.ctrl.clock = func() time.Time {
		// First call stamps the session start; later calls are the
		// wall-clock fallback 90 seconds in.
		now := base.Add(time.Duration(elapsed) * time.Second)
		elapsed = 90
		return now
	}

	rec, err := e.ctrl.Start(context.Background(), StartRequest{Title: "wall clock"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := e.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	got := waitTerminal(t, e.store, rec.ID)

	if got.DurationSeconds != 90 {
		t.Errorf("duration = %d, want 90 (wall clock)", got.DurationSeconds)
	}
}

func TestStartFailsWhenBinaryMissing(t *testing.T) {
	e := newEnv(t, &fakeCapture{}, nil, nil)
	e.ctrl.lookPath = func(string) (string, error) { return "", errors.New("not found") }

	if _, err := e.ctrl.Start(context.Background(), StartRequest{Title: "no ffmpeg"}); err == nil {
		t.Fatal("expected setup error")
	}
	if cur, _ := e.ctrl.Current(context.Background()); cur != nil {
		t.Error("failed setup must not leave an active session")
	}
}

func TestCaptureReceivesExpandedCommand(t *testing.T) {
	cap := &fakeCapture{}
	e := newEnv(t, cap, nil, &fakeProber{seconds: 1})

	_, err := e.ctrl.Start(context.Background(), StartRequest{
		Title:   "geometry",
		Monitor: store.Monitor{X: 1920, Y: 0, Width: 2560, Height: 1440},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	id, err := e.ctrl.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitTerminal(t, e.store, id)

	cap.mu.Lock()
	argv := cap.argv
	cap.mu.Unlock()
	want := []string{"ffmpeg", "-offset_x", "1920", "-offset_y", "0", "-video_size", "2560x1440"}
	for i, w := range want {
		if argv[i] != w {
			t.Errorf("argv[%d] = %q, want %q", i, argv[i], w)
		}
	}
	if got := argv[len(argv)-1]; filepath.Ext(got) != ".mkv" {
		t.Errorf("output arg = %q, want .mkv path", got)
	}
}
