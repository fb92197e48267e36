package tts

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-audiobook/internal/audio"
)

// execCloner keeps one worker process alive for the life of the cloner so
// the voice model is loaded once. The worker prints {"ready":true} after
// loading, then answers each request line with exactly one response line.
type execCloner struct {
	args   []string
	logger *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  *bufio.Scanner
	broken error
}

type cloneRequest struct {
	Text       string `json:"text"`
	Language   string `json:"language"`
	SpeakerWAV string `json:"speaker_wav"`
}

type cloneResponse struct {
	Ready     bool   `json:"ready,omitempty"`
	WAVBase64 string `json:"wav_base64,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewExecCloner prepares a worker command line; nothing is started until
// Initialize.
func NewExecCloner(command string, logger *slog.Logger) (VoiceCloner, error) {
	args, err := parseCommand(command)
	if err != nil {
		return nil, fmt.Errorf("parse clone command: %w", err)
	}
	return &execCloner{args: args, logger: logger.With(slog.String("component", "exec-cloner"))}, nil
}

func (e *execCloner) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd != nil && e.broken == nil {
		return nil
	}
	// the worker outlives ctx; it is stopped by Close
	cmd := exec.Command(e.args[0], e.args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start clone worker: %w", err)
	}
	lines := bufio.NewScanner(stdout)
	lines.Buffer(make([]byte, 64*1024), 64*1024*1024)

	ready := make(chan error, 1)
	go func() {
		resp, err := readCloneResponse(lines)
		if err == nil && !resp.Ready {
			err = fmt.Errorf("unexpected first line from clone worker")
		}
		if err == nil && resp.Error != "" {
			err = errors.New(resp.Error)
		}
		ready <- err
	}()
	select {
	case err = <-ready:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		stdin.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return fmt.Errorf("load voice model: %w", err)
	}

	e.cmd, e.stdin, e.lines, e.broken = cmd, stdin, lines, nil
	e.logger.Info("voice model loaded", slog.Int("pid", cmd.Process.Pid))
	return nil
}

func (e *execCloner) Synthesize(ctx context.Context, req SynthRequest) (Speech, error) {
	if err := checkRequest("exec-clone", req); err != nil {
		return Speech{}, err
	}
	if req.Voice == nil || req.Voice.Path == "" {
		return Speech{}, synthErr("exec-clone", ErrNoVoice)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil {
		return Speech{}, synthErr("exec-clone", ErrNotInitialized)
	}
	if e.broken != nil {
		return Speech{}, synthErr("exec-clone", e.broken)
	}

	payload, err := json.Marshal(cloneRequest{Text: req.Text, Language: req.Language, SpeakerWAV: req.Voice.Path})
	if err != nil {
		return Speech{}, synthErr("exec-clone", err)
	}
	if _, err := e.stdin.Write(append(payload, '\n')); err != nil {
		e.broken = fmt.Errorf("clone worker stdin: %w", err)
		return Speech{}, synthErr("exec-clone", e.broken)
	}
	resp, err := readCloneResponse(e.lines)
	if err != nil {
		e.broken = fmt.Errorf("clone worker: %w", err)
		return Speech{}, synthErr("exec-clone", e.broken)
	}
	if resp.Error != "" {
		return Speech{}, synthErr("exec-clone", errors.New(resp.Error))
	}
	wav, err := base64.StdEncoding.DecodeString(resp.WAVBase64)
	if err != nil {
		return Speech{}, synthErr("exec-clone", err)
	}
	if len(wav) == 0 {
		return Speech{}, synthErr("exec-clone", errors.New("clone worker returned no audio"))
	}
	return Speech{Audio: wav, Format: audio.FormatWAV}, nil
}

func (e *execCloner) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil {
		return nil
	}
	e.stdin.Close()
	err := e.cmd.Wait()
	e.cmd, e.stdin, e.lines = nil, nil, nil
	return err
}

func readCloneResponse(lines *bufio.Scanner) (cloneResponse, error) {
	for lines.Scan() {
		line := lines.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp cloneResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return cloneResponse{}, fmt.Errorf("decode clone response: %w", err)
		}
		return resp, nil
	}
	if err := lines.Err(); err != nil {
		return cloneResponse{}, err
	}
	return cloneResponse{}, io.ErrUnexpectedEOF
}
