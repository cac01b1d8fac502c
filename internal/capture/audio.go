package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// Audio frames are fixed 100ms slices of raw PCM. The transcription
// engine accumulates them into larger blocks, so the frame size only
// affects shutdown latency and queue granularity.
const frameDuration = 100 * time.Millisecond

// AudioSource runs an audio capture subprocess and emits fixed-size
// PCM frames on a bounded channel. When the queue is full the newest
// frame is dropped so a stalled consumer can never block capture.
type AudioSource struct {
	argv       []string
	frameBytes int
	queueSize  int
	grace      time.Duration
	log        *slog.Logger
}

func NewAudioSource(argv []string, sampleRate, channels, queueSize int, grace time.Duration, log *slog.Logger) *AudioSource {
	bytesPerSecond := sampleRate * channels * 2 // s16le
	return &AudioSource{
		argv:       argv,
		frameBytes: bytesPerSecond / int(time.Second/frameDuration),
		queueSize:  queueSize,
		grace:      grace,
		log:        log.With("component", "audio"),
	}
}

// Stream starts the capture process and returns the frame channel. The
// channel is closed when the process stops producing or the context is
// cancelled; after cancellation no new reads are issued.
func (s *AudioSource) Stream(ctx context.Context) (<-chan []byte, error) {
	if len(s.argv) == 0 {
		return nil, fmt.Errorf("empty audio command")
	}

	cmd := exec.Command(s.argv[0], s.argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("audio stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start audio capture %q: %w", s.argv[0], err)
	}
	s.log.Info("audio capture started", "pid", cmd.Process.Pid, "frame_bytes", s.frameBytes)

	out := make(chan []byte, s.queueSize)
	exited := make(chan struct{})

	// Unblock the read loop on cancellation: interrupt the producer,
	// then kill it if it lingers past the grace period. The pipe is
	// closed alongside the kill so the pending read returns even when
	// a child of the capture process still holds the write end.
	go func() {
		select {
		case <-ctx.Done():
			if err := cmd.Process.Signal(os.Interrupt); err != nil {
				s.log.Warn("interrupt failed, killing audio capture", "error", err)
				_ = cmd.Process.Kill()
				_ = stdout.Close()
				return
			}
			select {
			case <-time.After(s.grace):
				s.log.Warn("audio capture ignored interrupt, killing", "pid", cmd.Process.Pid)
				_ = cmd.Process.Kill()
				_ = stdout.Close()
			case <-exited:
			}
		case <-exited:
		}
	}()

	go func() {
		defer close(out)
		defer func() {
			close(exited)
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}()

		for {
			if ctx.Err() != nil {
				return
			}
			frame := make([]byte, s.frameBytes)
			if _, err := io.ReadFull(stdout, frame); err != nil {
				if ctx.Err() == nil && err != io.EOF {
					s.log.Warn("audio read ended", "error", err)
				}
				return
			}
			select {
			case out <- frame:
			default:
				s.log.Debug("audio queue full, dropping frame")
			}
		}
	}()

	return out, nil
}
