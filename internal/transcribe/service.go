package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/capture"
	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/config"
)

// Pipeline wires an audio capture subprocess to the transcription
// engine for the duration of one recording session.
type Pipeline struct {
	recorder config.RecorderConfig
	audio    config.AudioConfig
	rec      Recognizer
	shared   []Sink
	log      *slog.Logger
}

// NewPipeline builds the session pipeline. The shared sinks (live
// feed, bus) persist across sessions; a per-session file sink is added
// for each transcript path.
func NewPipeline(recorder config.RecorderConfig, audio config.AudioConfig, rec Recognizer, shared []Sink, log *slog.Logger) *Pipeline {
	return &Pipeline{
		recorder: recorder,
		audio:    audio,
		rec:      rec,
		shared:   shared,
		log:      log,
	}
}

// Stream captures audio and writes the rolling transcript until the
// context is cancelled. It returns once buffered frames are drained.
func (p *Pipeline) Stream(ctx context.Context, transcriptPath string) error {
	argv, err := capture.ExpandCommand(p.recorder.AudioCommand, map[string]string{
		"device": p.recorder.AudioDevice,
	})
	if err != nil {
		return fmt.Errorf("audio command: %w", err)
	}

	grace := time.Duration(p.recorder.GraceTimeoutMS) * time.Millisecond
	source := capture.NewAudioSource(argv, p.audio.SampleRate, p.audio.Channels, p.audio.QueueSize, grace, p.log)
	frames, err := source.Stream(ctx)
	if err != nil {
		return err
	}

	fileSink, err := NewFileSink(transcriptPath)
	if err != nil {
		return err
	}
	defer fileSink.Close()

	sinks := append([]Sink{fileSink}, p.shared...)
	engine := NewEngine(p.audio, p.rec, sinks, p.log)
	engine.Run(frames)
	return nil
}
