package upload

import (
	"os"
	"time"

	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/config"
	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/store"
)

// FileInfo summarizes artifact sizes, in megabytes to one decimal of
// useful precision for dashboards.
type FileInfo struct {
	TotalSizeMB float64            `json:"total_size_mb"`
	Files       map[string]float64 `json:"files"`
}

// Metadata is the JSON document uploaded alongside the artifacts and
// posted to the completion webhook.
type Metadata struct {
	RecordingID     string            `json:"recording_id"`
	Title           string            `json:"title"`
	CreatedAt       string            `json:"created_at"`
	DurationSeconds int               `json:"duration_seconds"`
	FileInfo        FileInfo          `json:"file_info"`
	UploadedFiles   map[string]string `json:"uploaded_files"`
	UploadTimestamp string            `json:"upload_timestamp"`
	Bucket          string            `json:"bucket"`
	Region          string            `json:"region"`
}

func buildMetadata(rec *store.Recording, artifacts []artifact, urls map[string]string, now time.Time, cfg config.StorageConfig) Metadata {
	info := FileInfo{Files: make(map[string]float64, len(artifacts))}
	for _, a := range artifacts {
		stat, err := os.Stat(a.path)
		if err != nil {
			continue
		}
		mb := float64(stat.Size()) / (1024 * 1024)
		info.Files[a.name] = mb
		info.TotalSizeMB += mb
	}

	return Metadata{
		RecordingID:     rec.ID,
		Title:           rec.Title,
		CreatedAt:       rec.CreatedAt.UTC().Format(time.RFC3339),
		DurationSeconds: rec.DurationSeconds,
		FileInfo:        info,
		UploadedFiles:   urls,
		UploadTimestamp: now.UTC().Format(time.RFC3339),
		Bucket:          cfg.Bucket,
		Region:          cfg.Region,
	}
}
