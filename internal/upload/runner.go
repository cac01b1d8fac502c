// Package upload replicates a completed recording's artifact set
// (video, transcript, thumbnail, metadata) to object storage and
// records the outcome on the durable upload job.
package upload

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/bus"
	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/config"
	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/store"
)

// ObjectStore uploads a local file and returns its public URL.
type ObjectStore interface {
	PutFile(ctx context.Context, key, localPath, contentType string) (string, error)
}

// MediaTools generates the thumbnail artifact before upload.
type MediaTools interface {
	ExtractThumbnail(ctx context.Context, videoPath, thumbPath string) error
}

type artifact struct {
	name        string
	path        string
	contentType string
}

// Runner executes upload jobs, one goroutine per recording. A
// recording already in flight is never submitted twice.
type Runner struct {
	store      *store.Store
	objects    ObjectStore
	media      MediaTools
	webhook    *Webhook
	events     *bus.Client
	storageCfg config.StorageConfig
	log        *slog.Logger
	clock      func() time.Time

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

func NewRunner(st *store.Store, objects ObjectStore, media MediaTools, webhook *Webhook, events *bus.Client, storageCfg config.StorageConfig, log *slog.Logger) *Runner {
	return &Runner{
		store:      st,
		objects:    objects,
		media:      media,
		webhook:    webhook,
		events:     events,
		storageCfg: storageCfg,
		log:        log.With("component", "upload"),
		clock:      time.Now,
		inflight:   make(map[string]bool),
	}
}

// Run submits an upload for the recording and returns immediately.
// Returns false when an upload for this recording is already running.
func (r *Runner) Run(recordingID string) bool {
	r.mu.Lock()
	if r.inflight[recordingID] {
		r.mu.Unlock()
		return false
	}
	r.inflight[recordingID] = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.inflight, recordingID)
			r.mu.Unlock()
		}()
		r.process(context.Background(), recordingID)
	}()
	return true
}

// Wait blocks until all in-flight uploads finish. Used on shutdown.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) process(ctx context.Context, recordingID string) {
	log := r.log.With("recording_id", recordingID)

	rec, err := r.store.GetRecording(ctx, recordingID)
	if err != nil {
		log.Error("load recording", "error", err)
		return
	}
	if rec == nil {
		log.Error("recording not found")
		return
	}

	// The attempt is recorded before any network work so a crash
	// mid-upload still advances the backoff clock.
	if err := r.store.BeginUploadAttempt(ctx, recordingID); err != nil {
		log.Error("begin upload attempt", "error", err)
		return
	}
	if err := r.store.SetRecordingUploadStatus(ctx, recordingID, store.UploadUploading); err != nil {
		log.Warn("mark recording uploading", "error", err)
	}

	r.ensureThumbnail(ctx, rec, log)
	artifacts := locateArtifacts(rec)

	urls := make(map[string]string)
	var attempted, failed int
	var lastErr string
	for _, a := range artifacts {
		attempted++
		key := recordingID + "/" + a.name + filepath.Ext(a.path)
		url, err := r.objects.PutFile(ctx, key, a.path, a.contentType)
		if err != nil {
			failed++
			lastErr = err.Error()
			log.Warn("artifact upload failed", "artifact", a.name, "error", err)
			continue
		}
		urls[a.name] = url
	}

	var status store.UploadStatus
	switch {
	case attempted == 0:
		status = store.UploadFailed
		lastErr = "no artifacts found on disk"
	case failed == attempted:
		status = store.UploadFailed
	case failed > 0:
		status = store.UploadPartiallyCompleted
	default:
		status = store.UploadCompleted
	}

	var doc Metadata
	if status != store.UploadFailed {
		doc = buildMetadata(rec, artifacts, urls, r.clock(), r.storageCfg)
		if url, err := r.putMetadata(ctx, recordingID, doc); err != nil {
			log.Warn("metadata upload failed", "error", err)
		} else {
			urls["metadata"] = url
		}
	}

	if err := r.store.CompleteUploadJob(ctx, recordingID, status, urls, lastErr); err != nil {
		log.Error("record upload outcome", "error", err)
	}
	if err := r.store.SetRecordingUploadStatus(ctx, recordingID, status); err != nil {
		log.Warn("mirror upload status", "error", err)
	}

	if rec.MeetingID != "" {
		meetingStatus := store.MeetingRecordedSynced
		if status == store.UploadFailed {
			meetingStatus = store.MeetingUploadFailed
		}
		if err := r.store.SetMeetingRecordingStatus(ctx, rec.MeetingID, meetingStatus); err != nil {
			log.Warn("update meeting status", "error", err)
		}
	}

	if status != store.UploadFailed {
		if err := r.webhook.Notify(ctx, doc); err != nil {
			log.Warn("webhook notification failed", "error", err)
		}
	}

	r.publishEvent(ctx, recordingID, status)
	log.Info("upload finished", "status", string(status), "uploaded", attempted-failed, "failed", failed)
}

// ensureThumbnail extracts a thumbnail next to the video when none
// exists yet. Extraction failure is tolerated; the set simply ships
// without a thumbnail.
func (r *Runner) ensureThumbnail(ctx context.Context, rec *store.Recording, log *slog.Logger) {
	if r.media == nil || !fileExists(rec.OutputPath) {
		return
	}
	thumb := thumbnailPath(rec.OutputPath)
	if fileExists(thumb) {
		return
	}
	if err := r.media.ExtractThumbnail(ctx, rec.OutputPath, thumb); err != nil {
		log.Warn("thumbnail extraction failed", "error", err)
	}
}

func (r *Runner) putMetadata(ctx context.Context, recordingID string, doc Metadata) (string, error) {
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(os.TempDir(), "fyemeet_meta_*.json")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	return r.objects.PutFile(ctx, recordingID+"/metadata.json", tmp.Name(), "application/json")
}

func (r *Runner) publishEvent(ctx context.Context, recordingID string, status store.UploadStatus) {
	if r.events == nil || !r.events.Healthy() {
		return
	}
	retries := 0
	if job, err := r.store.GetUploadJob(ctx, recordingID); err == nil && job != nil {
		retries = job.RetryCount
	}
	_ = r.events.Publish(bus.SubjectUpload, bus.UploadEvent{
		RecordingID: recordingID,
		Status:      string(status),
		RetryCount:  retries,
		Timestamp:   r.clock().UTC(),
	})
}

// locateArtifacts returns the artifacts present on disk, in upload
// order. Missing files are skipped, not errors: a session that died
// before audio started still ships its video.
func locateArtifacts(rec *store.Recording) []artifact {
	candidates := []artifact{
		{name: "video", path: rec.OutputPath, contentType: "video/x-matroska"},
		{name: "transcript", path: rec.TranscriptPath, contentType: "text/plain"},
		{name: "thumbnail", path: thumbnailPath(rec.OutputPath), contentType: "image/jpeg"},
	}
	var present []artifact
	for _, a := range candidates {
		if a.path != "" && fileExists(a.path) {
			present = append(present, a)
		}
	}
	return present
}

func thumbnailPath(videoPath string) string {
	if videoPath == "" {
		return ""
	}
	return strings.TrimSuffix(videoPath, filepath.Ext(videoPath)) + "_thumb.jpg"
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
