package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// wavSource replays a WAV file in real time, optionally looping. Used for
// demos and reproducible end-to-end runs.
type wavSource struct {
	cfg config.CaptureConfig
	log *slog.Logger
}

func (w *wavSource) Acquire(ctx context.Context) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pcm, format, err := readWav(w.cfg.File)
	if err != nil {
		return nil, err
	}
	if format.SampleRate != w.cfg.SampleRate || format.NumChannels != w.cfg.Channels {
		w.log.Warn("wav format differs from capture config",
			slog.Int("file_rate", format.SampleRate),
			slog.Int("file_channels", format.NumChannels))
	}

	paced := w.cfg
	paced.SampleRate = format.SampleRate
	paced.Channels = format.NumChannels
	size := FrameBytes(paced)
	interval := time.Duration(w.cfg.FrameDurationMS) * time.Millisecond

	st := newStream(nil)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		pos := 0
		for {
			select {
			case <-st.done:
				return
			case <-ticker.C:
			}
			if pos >= len(pcm) {
				if !w.cfg.Loop {
					w.log.Info("wav playback finished")
					return
				}
				pos = 0
			}
			end := pos + size
			if end > len(pcm) {
				end = len(pcm)
			}
			st.push(pcm[pos:end])
			pos = end
		}
	}()
	return st, nil
}

// readWav decodes path into 16-bit little-endian PCM.
func readWav(path string) ([]byte, *audio.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, nil, fmt.Errorf("%s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, nil, fmt.Errorf("decode wav: %w", err)
	}

	depth := buf.SourceBitDepth
	if depth == 0 {
		depth = int(dec.BitDepth)
	}
	out := make([]byte, len(buf.Data)*2)
	for i, v := range buf.Data {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(to16(v, depth)))
	}
	return out, buf.Format, nil
}

func to16(v, depth int) int16 {
	switch {
	case depth == 8:
		return int16((v - 128) << 8)
	case depth > 16:
		return int16(v >> (depth - 16))
	default:
		return int16(v)
	}
}
