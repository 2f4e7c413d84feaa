package loopback

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Request is one recognition pass over the audio buffered for an utterance.
type Request struct {
	PCM        []byte
	SampleRate int
	Channels   int
	Language   string
	Final      bool
}

// Result captures recognizer output.
type Result struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts the speech backends the loopback can drive.
type Recognizer interface {
	Transcribe(ctx context.Context, req Request) (Result, error)
}

func NewRecognizer(cfg config.LoopbackConfig) (Recognizer, error) {
	switch cfg.Recognizer {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown loopback recognizer %q", cfg.Recognizer)
	}
}
