package loopback

import (
	"context"
	"fmt"
	"time"
)

type mockRecognizer struct{}

// NewMockRecognizer describes the audio it was given instead of recognizing it.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, req Request) (Result, error) {
	mode := "partial"
	if req.Final {
		mode = "final"
	}
	length := pcmDuration(len(req.PCM), req.SampleRate, req.Channels).Round(10 * time.Millisecond)
	text := fmt.Sprintf("[%s transcript %s]", mode, length)
	if req.Language != "" {
		text = fmt.Sprintf("[%s transcript %s %s]", mode, req.Language, length)
	}
	return Result{Text: text, Confidence: 1}, nil
}

// pcmDuration is the playback length of n bytes of 16-bit PCM.
func pcmDuration(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	frames := n / (2 * channels)
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}
