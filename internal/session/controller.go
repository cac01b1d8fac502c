// Package session owns the recording session lifecycle: launching the
// capture process, running live transcription beside it, and handing
// completed recordings to the upload pipeline.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/bus"
	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/capture"
	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/config"
	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/store"
)

var (
	ErrAlreadyActive = errors.New("a recording session is already active")
	ErrNotActive     = errors.New("no recording session is active")
)

// CaptureRunner runs the recorder process until it exits or the
// context is cancelled.
type CaptureRunner interface {
	Run(ctx context.Context, argv []string) error
}

// TranscriptPipeline streams live transcription for one session.
type TranscriptPipeline interface {
	Stream(ctx context.Context, transcriptPath string) error
}

// DurationProber measures the finished video's duration.
type DurationProber interface {
	Duration(ctx context.Context, path string) (int, error)
}

// UploadStarter submits a completed recording for upload.
type UploadStarter interface {
	Run(recordingID string) bool
}

// StartRequest describes the session to start.
type StartRequest struct {
	Title     string        `json:"title"`
	MeetingID string        `json:"meeting_id"`
	Monitor   store.Monitor `json:"monitor"`
}

type session struct {
	recordingID string
	cancel      context.CancelFunc
	startedAt   time.Time
	done        chan struct{}
}

// Controller enforces the single-active-session rule and drives each
// session from start through upload hand-off.
type Controller struct {
	cfg      config.RecorderConfig
	store    *store.Store
	capture  CaptureRunner
	pipeline TranscriptPipeline
	prober   DurationProber
	uploads  UploadStarter
	events   *bus.Client
	log      *slog.Logger
	clock    func() time.Time
	newID    func() string
	lookPath func(string) (string, error)

	mu      sync.Mutex
	current *session
	wg      sync.WaitGroup
}

func NewController(cfg config.RecorderConfig, st *store.Store, cap CaptureRunner, pipeline TranscriptPipeline, prober DurationProber, uploads UploadStarter, events *bus.Client, log *slog.Logger) *Controller {
	return &Controller{
		cfg:      cfg,
		store:    st,
		capture:  cap,
		pipeline: pipeline,
		prober:   prober,
		uploads:  uploads,
		events:   events,
		log:      log.With("component", "session"),
		clock:    time.Now,
		newID:    uuid.NewString,
		lookPath: exec.LookPath,
	}
}

// Start begins a new session and returns once the recording row exists
// and the session goroutines are launched. A second Start while a
// session is active fails with ErrAlreadyActive and leaves the running
// session untouched.
func (c *Controller) Start(ctx context.Context, req StartRequest) (*store.Recording, error) {
	if err := c.checkSetup(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return nil, ErrAlreadyActive
	}

	now := c.clock()
	id := c.newID()
	base := "meeting_" + now.Format("20060102_150405")
	rec := &store.Recording{
		ID:             id,
		Title:          req.Title,
		MeetingID:      req.MeetingID,
		Monitor:        req.Monitor,
		State:          store.StateStarting,
		OutputPath:     filepath.Join(c.cfg.OutputDir, base+".mkv"),
		TranscriptPath: filepath.Join(c.cfg.OutputDir, base+".txt"),
	}

	argv, err := capture.ExpandCommand(c.cfg.Command, map[string]string{
		"x":      strconv.Itoa(req.Monitor.X),
		"y":      strconv.Itoa(req.Monitor.Y),
		"width":  strconv.Itoa(req.Monitor.Width),
		"height": strconv.Itoa(req.Monitor.Height),
		"output": rec.OutputPath,
		"device": c.cfg.AudioDevice,
	})
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("recorder command: %w", err)
	}

	if err := os.MkdirAll(c.cfg.OutputDir, 0o755); err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	if err := c.store.CreateRecording(ctx, rec); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if req.MeetingID != "" {
		if err := c.store.UpsertMeeting(ctx, store.Meeting{ID: req.MeetingID, Subject: req.Title}); err != nil {
			c.log.Warn("upsert meeting", "error", err)
		}
		if err := c.store.LinkMeetingRecording(ctx, req.MeetingID, id); err != nil {
			c.log.Warn("link meeting", "error", err)
		}
	}

	sctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		recordingID: id,
		cancel:      cancel,
		startedAt:   now,
		done:        make(chan struct{}),
	}
	c.current = sess
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runSession(sctx, sess, rec, argv)

	c.log.Info("session started", "recording_id", id, "title", req.Title, "output", rec.OutputPath)
	return rec, nil
}

// Stop requests the active session to end and returns its recording
// ID. Completion (duration probe, upload enqueue) happens
// asynchronously after the recorder exits.
func (c *Controller) Stop(ctx context.Context) (string, error) {
	c.mu.Lock()
	sess := c.current
	c.mu.Unlock()
	if sess == nil {
		return "", ErrNotActive
	}

	if err := c.store.SetRecordingState(ctx, sess.recordingID, store.StateStopping); err != nil {
		c.log.Warn("mark stopping", "error", err)
	}
	c.log.Info("session stop requested", "recording_id", sess.recordingID)
	sess.cancel()
	return sess.recordingID, nil
}

// Current returns the active recording, or nil when idle.
func (c *Controller) Current(ctx context.Context) (*store.Recording, error) {
	c.mu.Lock()
	sess := c.current
	c.mu.Unlock()
	if sess == nil {
		return nil, nil
	}
	return c.store.GetRecording(ctx, sess.recordingID)
}

// Close stops any active session and waits for its teardown to finish.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.current != nil {
		c.current.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Controller) runSession(ctx context.Context, sess *session, rec *store.Recording, argv []string) {
	defer c.wg.Done()
	defer close(sess.done)
	defer func() {
		c.mu.Lock()
		if c.current == sess {
			c.current = nil
		}
		c.mu.Unlock()
	}()

	bg := context.Background()
	if err := c.store.MarkRecordingStarted(bg, rec.ID); err != nil {
		c.log.Warn("mark started", "error", err)
	}
	c.publishState(rec.ID, store.StateActive)

	var pipeWG sync.WaitGroup
	if c.pipeline != nil {
		pipeWG.Add(1)
		go func() {
			defer pipeWG.Done()
			// Transcription trouble never ends the session; it just
			// records video without a transcript.
			if err := c.pipeline.Stream(ctx, rec.TranscriptPath); err != nil {
				c.log.Warn("transcription unavailable", "recording_id", rec.ID, "error", err)
			}
		}()
	}

	if err := c.capture.Run(ctx, argv); err != nil {
		c.log.Error("recorder launch failed", "recording_id", rec.ID, "error", err)
	}

	// The recorder is gone, for whatever reason; tear down the audio
	// side and let it drain.
	sess.cancel()
	pipeWG.Wait()

	c.finishSession(bg, sess, rec)
}

// finishSession decides the outcome from the output file, not the exit
// code: a recorder that died after writing usable video still counts.
func (c *Controller) finishSession(ctx context.Context, sess *session, rec *store.Recording) {
	if !fileExists(rec.OutputPath) {
		c.log.Error("session produced no output", "recording_id", rec.ID)
		if err := c.store.FinishRecording(ctx, rec.ID, store.StateFailed, 0); err != nil {
			c.log.Error("mark failed", "error", err)
		}
		c.publishState(rec.ID, store.StateFailed)
		return
	}

	duration := c.measureDuration(ctx, rec.OutputPath, sess.startedAt)
	if err := c.store.FinishRecording(ctx, rec.ID, store.StateCompleted, duration); err != nil {
		c.log.Error("mark completed", "error", err)
	}
	c.publishState(rec.ID, store.StateCompleted)
	c.log.Info("session completed", "recording_id", rec.ID, "duration_seconds", duration)

	if err := c.store.CreateUploadJob(ctx, rec.ID); err != nil {
		c.log.Error("enqueue upload", "recording_id", rec.ID, "error", err)
		return
	}
	if c.uploads != nil {
		c.uploads.Run(rec.ID)
	}
}

func (c *Controller) measureDuration(ctx context.Context, path string, startedAt time.Time) int {
	if c.prober != nil {
		seconds, err := c.prober.Duration(ctx, path)
		if err == nil {
			return seconds
		}
		c.log.Warn("duration probe failed, using wall clock", "error", err)
	}
	return int(c.clock().Sub(startedAt).Seconds())
}

// checkSetup verifies the recorder binaries exist before any state is
// created, so a missing ffmpeg fails the start call itself.
func (c *Controller) checkSetup() error {
	for _, template := range []string{c.cfg.Command, c.cfg.AudioCommand} {
		if template == "" {
			continue
		}
		argv, err := capture.ExpandCommand(template, map[string]string{
			"x": "0", "y": "0", "width": "0", "height": "0",
			"output": "out", "device": "dev",
		})
		if err != nil {
			return fmt.Errorf("recorder command: %w", err)
		}
		if _, err := c.lookPath(argv[0]); err != nil {
			return fmt.Errorf("recorder binary %q not found on PATH: %w", argv[0], err)
		}
	}
	return nil
}

func (c *Controller) publishState(recordingID string, state store.SessionState) {
	_ = c.events.Publish(bus.SubjectSession, bus.SessionEvent{
		RecordingID: recordingID,
		State:       string(state),
		Timestamp:   c.clock().UTC(),
	})
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
