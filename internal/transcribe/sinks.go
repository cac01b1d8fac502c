package transcribe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/bus"
	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/config"
)

// Line is one emitted transcript line.
type Line struct {
	Sequence  int
	Text      string
	Timestamp time.Time
}

// Sink receives transcript lines as they are produced. Sink failures
// never interrupt transcription; the engine logs and moves on.
type Sink interface {
	Write(line Line) error
	Close() error
}

// FileSink appends transcript lines to a text file, one per line with
// a wall-clock prefix.
type FileSink struct {
	file *os.File
}

func NewFileSink(path string) (*FileSink, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript file: %w", err)
	}
	return &FileSink{file: file}, nil
}

func (s *FileSink) Write(line Line) error {
	_, err := fmt.Fprintf(s.file, "[%s] %s\n", line.Timestamp.Format("15:04:05"), line.Text)
	return err
}

func (s *FileSink) Close() error {
	return s.file.Close()
}

// HTTPSink posts each line to a live feed endpoint, fire-and-forget.
type HTTPSink struct {
	url    string
	client *http.Client
}

type liveFeedPayload struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source"`
}

func NewHTTPSink(cfg config.LiveFeedConfig) *HTTPSink {
	return &HTTPSink{
		url:    cfg.URL,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
	}
}

func (s *HTTPSink) Write(line Line) error {
	payload, err := json.Marshal(liveFeedPayload{
		Text:      line.Text,
		Timestamp: line.Timestamp.Unix(),
		Source:    "fyemeetrec",
	})
	if err != nil {
		return err
	}
	resp, err := s.client.Post(s.url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("live feed returned %d", resp.StatusCode)
	}
	return nil
}

func (s *HTTPSink) Close() error { return nil }

// BusSink publishes transcript lines onto the message bus for other
// local consumers.
type BusSink struct {
	client *bus.Client
}

func NewBusSink(client *bus.Client) *BusSink {
	return &BusSink{client: client}
}

func (s *BusSink) Write(line Line) error {
	return s.client.Publish(bus.SubjectTranscript, bus.Transcript{
		Sequence:  line.Sequence,
		Text:      line.Text,
		Timestamp: line.Timestamp,
	})
}

func (s *BusSink) Close() error { return nil }
