package transcribe

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

// NewMockRecognizer returns a recognizer that emits a placeholder line
// per block. Useful on machines without a speech model installed.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []byte, sampleRate int, channels int) ([]Result, error) {
	seconds := float64(len(pcm)/2) / float64(sampleRate*channels)
	return []Result{{
		Text:       fmt.Sprintf("[%.1fs of audio]", seconds),
		Confidence: 0,
	}}, nil
}
