// Package media shells out to ffmpeg/ffprobe for post-recording work:
// measuring duration and extracting a thumbnail frame.
package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const toolTimeout = 30 * time.Second

// FFTools runs the stock ffmpeg/ffprobe binaries found on PATH.
type FFTools struct{}

func NewFFTools() *FFTools {
	return &FFTools{}
}

// Duration returns the container duration in whole seconds.
func (f *FFTools) Duration(ctx context.Context, path string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		path,
	)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	raw := strings.TrimSpace(stdout.String())
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration %q: %w", raw, err)
	}
	return int(seconds), nil
}

// ExtractThumbnail grabs a single frame five seconds in, scaled to
// 320x240. Videos shorter than five seconds make ffmpeg fail; callers
// treat a missing thumbnail as non-fatal.
func (f *FFTools) ExtractThumbnail(ctx context.Context, videoPath, thumbPath string) error {
	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", videoPath,
		"-ss", "00:00:05",
		"-vframes", "1",
		"-q:v", "2",
		"-vf", "scale=320:240",
		"-y",
		thumbPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("extract thumbnail from %s: %w: %s", videoPath, err, lastLine(stderr.String()))
	}
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}
