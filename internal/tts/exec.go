package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-audiobook/internal/audio"
	"github.com/mattn/go-shellwords"
)

type execSynth struct {
	cmd        []string
	voice      string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

type execRequest struct {
	Text       string `json:"text"`
	Language   string `json:"language"`
	Voice      string `json:"voice,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
	Error     string `json:"error,omitempty"`
}

// NewExecSynth runs command once per segment. The request is written as JSON
// on stdin; the process answers with JSON lines carrying base64 PCM16 until a
// line with final=true.
func NewExecSynth(command, voice string, sampleRate, channels int) (Synthesizer, error) {
	args, err := parseCommand(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	return &execSynth{cmd: args, voice: voice, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (Speech, error) {
	if err := checkRequest("exec", req); err != nil {
		return Speech{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(execRequest{
		Text:       req.Text,
		Language:   req.Language,
		Voice:      e.voice,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return Speech{}, synthErr("exec", err)
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Speech{}, synthErr("exec", err)
	}
	if err := cmd.Start(); err != nil {
		return Speech{}, synthErr("exec", err)
	}

	var pcm []byte
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			cmd.Wait()
			return Speech{}, synthErr("exec", fmt.Errorf("decode tts response: %w", err))
		}
		if resp.Error != "" {
			cmd.Wait()
			return Speech{}, synthErr("exec", fmt.Errorf("tts command: %s", resp.Error))
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			cmd.Wait()
			return Speech{}, synthErr("exec", err)
		}
		pcm = append(pcm, chunk...)
		if resp.Final {
			break
		}
	}
	scanErr := scanner.Err()
	if err := cmd.Wait(); err != nil {
		return Speech{}, synthErr("exec", fmt.Errorf("tts command failed: %w: %s", err, strings.TrimSpace(stderr.String())))
	}
	if scanErr != nil {
		return Speech{}, synthErr("exec", scanErr)
	}
	if len(pcm) == 0 {
		return Speech{}, synthErr("exec", fmt.Errorf("tts command produced no audio"))
	}
	return Speech{
		Audio:  pcm,
		Format: audio.FormatPCM16,
		PCM:    audio.PCMInfo{SampleRate: e.sampleRate, Channels: e.channels},
	}, nil
}

func parseCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("command empty")
	}
	return args, nil
}
