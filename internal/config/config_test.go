package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Fatalf("expected default sample rate 16000, got %d", cfg.Audio.SampleRate)
	}
	if cfg.Audio.BlockSeconds != 3 {
		t.Fatalf("expected default block seconds 3, got %d", cfg.Audio.BlockSeconds)
	}
	if cfg.Retry.MaxRetries != 5 {
		t.Fatalf("expected default max retries 5, got %d", cfg.Retry.MaxRetries)
	}
	want := []int{5, 15, 30, 60, 120}
	if len(cfg.Retry.BackoffMinutes) != len(want) {
		t.Fatalf("expected backoff table %v, got %v", want, cfg.Retry.BackoffMinutes)
	}
	for i, m := range want {
		if cfg.Retry.BackoffMinutes[i] != m {
			t.Fatalf("expected backoff table %v, got %v", want, cfg.Retry.BackoffMinutes)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FYEMEET_STORE_PATH", "./tmp.db")
	t.Setenv("FYEMEET_RECORDER_OUTPUT_DIR", "/tmp/recordings")
	t.Setenv("FYEMEET_AUDIO_BLOCK_SECONDS", "5")
	t.Setenv("FYEMEET_STT_MODE", "exec")
	t.Setenv("FYEMEET_STT_COMMAND", "whisper-cli --json")
	t.Setenv("FYEMEET_STORAGE_BUCKET", "override-bucket")
	t.Setenv("FYEMEET_RETRY_MAX_RETRIES", "3")
	t.Setenv("FYEMEET_RETRY_BACKOFF_MINUTES", "1, 2, 4")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Store.Path != "./tmp.db" {
		t.Fatalf("expected store path override")
	}
	if cfg.Recorder.OutputDir != "/tmp/recordings" {
		t.Fatalf("expected output dir override")
	}
	if cfg.Audio.BlockSeconds != 5 {
		t.Fatalf("expected block seconds override, got %d", cfg.Audio.BlockSeconds)
	}
	if cfg.STT.Mode != "exec" || cfg.STT.Command != "whisper-cli --json" {
		t.Fatalf("expected stt overrides, got %+v", cfg.STT)
	}
	if cfg.Storage.Bucket != "override-bucket" {
		t.Fatalf("expected bucket override")
	}
	if cfg.Retry.MaxRetries != 3 {
		t.Fatalf("expected max retries override, got %d", cfg.Retry.MaxRetries)
	}
	if len(cfg.Retry.BackoffMinutes) != 3 || cfg.Retry.BackoffMinutes[2] != 4 {
		t.Fatalf("expected backoff override, got %v", cfg.Retry.BackoffMinutes)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fyemeetrec.yaml")
	body := []byte("audio:\n  queue_size: 64\nretry:\n  interval_minutes: 1\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.QueueSize != 64 {
		t.Fatalf("expected queue size 64, got %d", cfg.Audio.QueueSize)
	}
	if cfg.Retry.IntervalMinutes != 1 {
		t.Fatalf("expected interval 1, got %d", cfg.Retry.IntervalMinutes)
	}
}

func TestValidateRejectsBadSTTMode(t *testing.T) {
	t.Setenv("FYEMEET_STT_MODE", "cloud")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for unknown stt mode")
	}
}
