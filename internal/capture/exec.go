package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

// execSource runs a recorder command (arecord, sox, ffmpeg...) that writes raw
// 16-bit PCM to stdout. The process lives as long as the device.
type execSource struct {
	cmd []string
	cfg config.CaptureConfig
	log *slog.Logger
}

func newExecSource(cfg config.CaptureConfig, log *slog.Logger) (*execSource, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command empty")
	}
	return &execSource{cmd: args, cfg: cfg, log: log}, nil
}

func (e *execSource) Acquire(ctx context.Context) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(e.cmd[0], e.cmd[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start capture command: %w", err)
	}
	e.log.Info("capture command started", slog.String("command", e.cmd[0]), slog.Int("pid", cmd.Process.Pid))

	exited := make(chan struct{})
	st := newStream(func() error {
		_ = cmd.Process.Kill()
		<-exited
		return nil
	})

	go func() {
		defer close(exited)
		size := FrameBytes(e.cfg)
		for {
			buf := make([]byte, size)
			if _, err := io.ReadFull(stdout, buf); err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					select {
					case <-st.done:
					default:
						e.log.Warn("capture read failed", slog.String("error", err.Error()))
					}
				}
				break
			}
			st.push(buf)
		}
		_ = cmd.Wait()
	}()

	return st, nil
}
