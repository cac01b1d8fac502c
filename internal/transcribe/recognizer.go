package transcribe

import (
	"context"
	"fmt"

	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/config"
)

// Result is one recognized segment of speech within an audio block.
type Result struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts speech-to-text backends.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) ([]Result, error)
}

// NewRecognizer builds the recognizer selected by configuration.
func NewRecognizer(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
