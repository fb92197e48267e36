package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
)

// WriteWAV encodes c as a 16-bit PCM WAV file.
func WriteWAV(w io.WriteSeeker, c *Clip) error {
	enc := wav.NewEncoder(w, c.SampleRate(), BitDepth, c.Channels(), 1)
	if err := enc.Write(c.Buffer()); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// Transcoder converts a WAV file into another container by running an
// external tool such as ffmpeg.
type Transcoder interface {
	Transcode(ctx context.Context, wavPath, outPath string) error
}

type execTranscoder struct {
	cmd []string
}

// NewExecTranscoder parses a command line containing {input} and {output}
// placeholders. Missing placeholders are appended in that order.
func NewExecTranscoder(command string) (Transcoder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse transcode command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("transcode command empty")
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "{input}") {
		args = append(args, "{input}")
	}
	if !strings.Contains(joined, "{output}") {
		args = append(args, "{output}")
	}
	return &execTranscoder{cmd: args}, nil
}

func (e *execTranscoder) Transcode(ctx context.Context, wavPath, outPath string) error {
	args := make([]string, len(e.cmd))
	for i, a := range e.cmd {
		a = strings.ReplaceAll(a, "{input}", wavPath)
		args[i] = strings.ReplaceAll(a, "{output}", outPath)
	}
	command := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return fmt.Errorf("transcode command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
