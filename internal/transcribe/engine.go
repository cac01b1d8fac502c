package transcribe

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/config"
)

const transcribeTimeout = 45 * time.Second

// Engine accumulates PCM frames into fixed-duration blocks, runs each
// complete block through the recognizer, and fans the resulting lines
// out to the sinks. It exits when the frame channel closes, after
// processing every complete block already buffered; a trailing partial
// block is discarded.
type Engine struct {
	rec        Recognizer
	sinks      []Sink
	sampleRate int
	channels   int
	blockBytes int
	log        *slog.Logger
	clock      func() time.Time
}

func NewEngine(cfg config.AudioConfig, rec Recognizer, sinks []Sink, log *slog.Logger) *Engine {
	return &Engine{
		rec:        rec,
		sinks:      sinks,
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		blockBytes: cfg.SampleRate * cfg.Channels * 2 * cfg.BlockSeconds,
		log:        log.With("component", "transcribe"),
		clock:      time.Now,
	}
}

// Run consumes frames until the channel closes. Sequence numbers
// increase monotonically across the whole session; blocks whose
// recognizer call fails or returns nothing consume no numbers.
func (e *Engine) Run(frames <-chan []byte) {
	seq := 0
	var buf []byte
	for frame := range frames {
		buf = append(buf, frame...)
		for len(buf) >= e.blockBytes {
			block := buf[:e.blockBytes:e.blockBytes]
			buf = append([]byte(nil), buf[e.blockBytes:]...)
			seq = e.emit(block, seq)
		}
	}
	if len(buf) > 0 {
		e.log.Debug("discarding trailing partial block", "bytes", len(buf))
	}
}

func (e *Engine) emit(block []byte, seq int) int {
	ctx, cancel := context.WithTimeout(context.Background(), transcribeTimeout)
	defer cancel()

	results, err := e.rec.Transcribe(ctx, block, e.sampleRate, e.channels)
	if err != nil {
		e.log.Warn("transcription failed", "error", err)
		return seq
	}
	for _, result := range results {
		text := strings.TrimSpace(result.Text)
		if text == "" {
			continue
		}
		line := Line{Sequence: seq, Text: text, Timestamp: e.clock().UTC()}
		seq++
		for _, sink := range e.sinks {
			if err := sink.Write(line); err != nil {
				e.log.Warn("transcript sink write failed", "error", err)
			}
		}
	}
	return seq
}
