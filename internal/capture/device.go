// Package capture provides audio input devices. A device is acquired once
// per session, starts muted, and only forwards frames while started.
package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Frame is one block of 16-bit little-endian PCM.
type Frame struct {
	PCM []byte
	At  time.Time
}

// Device is an acquired audio input. Start and Stop are unmute and mute; the
// underlying input stays open until Close.
type Device interface {
	Start() error
	Stop() error
	// Level is the RMS amplitude of the most recent frame in [0,1], or 0
	// while muted.
	Level() float64
	Frames() <-chan Frame
	Close() error
}

// Source acquires devices.
type Source interface {
	Acquire(ctx context.Context) (Device, error)
}

var ErrReleased = errors.New("device released")

// NewSource returns the source selected by cfg.Mode.
func NewSource(cfg config.CaptureConfig, log *slog.Logger) (Source, error) {
	log = log.With(slog.String("component", "capture"), slog.String("mode", cfg.Mode))
	switch cfg.Mode {
	case "silence", "":
		return &silenceSource{cfg: cfg}, nil
	case "exec":
		return newExecSource(cfg, log)
	case "wav":
		return &wavSource{cfg: cfg, log: log}, nil
	case "audiosocket":
		return &audioSocketSource{cfg: cfg, log: log}, nil
	default:
		return nil, fmt.Errorf("unsupported capture mode %q", cfg.Mode)
	}
}

// FrameBytes is the size of one frame of 16-bit PCM.
func FrameBytes(cfg config.CaptureConfig) int {
	samples := cfg.SampleRate * cfg.FrameDurationMS / 1000
	if samples <= 0 {
		samples = 1
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	return samples * channels * 2
}

// stream implements the mute, level and frame fan-out shared by every
// device. Producers call push for each block they read.
type stream struct {
	frames    chan Frame
	live      atomic.Bool
	level     atomic.Uint64
	done      chan struct{}
	closeOnce sync.Once
	release   func() error
}

func newStream(release func() error) *stream {
	return &stream{
		frames:  make(chan Frame, 32),
		done:    make(chan struct{}),
		release: release,
	}
}

func (s *stream) Start() error {
	select {
	case <-s.done:
		return ErrReleased
	default:
	}
	s.live.Store(true)
	return nil
}

func (s *stream) Stop() error {
	s.live.Store(false)
	s.level.Store(0)
	return nil
}

func (s *stream) Level() float64 {
	if !s.live.Load() {
		return 0
	}
	return math.Float64frombits(s.level.Load())
}

func (s *stream) Frames() <-chan Frame { return s.frames }

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.live.Store(false)
		close(s.done)
		if s.release != nil {
			err = s.release()
		}
	})
	return err
}

// push forwards pcm while live. Frames are dropped rather than queued when
// the consumer falls behind.
func (s *stream) push(pcm []byte) {
	if !s.live.Load() {
		return
	}
	s.level.Store(math.Float64bits(RMS(pcm)))
	select {
	case s.frames <- Frame{PCM: pcm, At: time.Now()}:
	case <-s.done:
	default:
	}
}

// RMS is the root-mean-square amplitude of 16-bit little-endian PCM,
// normalized to [0,1].
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
