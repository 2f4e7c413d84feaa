package loopback

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
)

// execRecognizer hands each request to an external program as a WAV file and
// reads a JSON result from its stdout.
type execRecognizer struct {
	cmd []string
	mu  sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(command string) (Recognizer, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("recognizer command is empty")
	}
	return &execRecognizer{cmd: args}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, req Request) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp("", "loqa_scribe_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writeWav(file, req.PCM, req.SampleRate, req.Channels); err != nil {
		return Result{}, err
	}

	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if req.Language != "" {
		args = append(args, "--language", req.Language)
	}
	if !req.Final {
		args = append(args, "--partial")
	}

	command := exec.CommandContext(ctx, r.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return Result{}, fmt.Errorf("recognizer command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("decode recognizer response: %w", err)
	}
	return Result{Text: resp.Text, Confidence: resp.Confidence}, nil
}

func writeWav(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return errors.New("pcm payload not aligned")
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
