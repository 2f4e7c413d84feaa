package capture

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// silenceSource produces zeroed frames at the configured cadence. It is the
// default for development and for backends driven by relay-side audio.
type silenceSource struct {
	cfg config.CaptureConfig
}

func (s *silenceSource) Acquire(ctx context.Context) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st := newStream(nil)
	interval := time.Duration(s.cfg.FrameDurationMS) * time.Millisecond
	size := FrameBytes(s.cfg)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-st.done:
				return
			case <-ticker.C:
				st.push(make([]byte, size))
			}
		}
	}()
	return st, nil
}
