package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-audiobook/internal/audio"
	openai "github.com/sashabaranov/go-openai"
)

type openAISynth struct {
	client *openai.Client
	model  string
	voice  string
	mu     sync.Mutex
}

// NewOpenAISynth uses an OpenAI-compatible /audio/speech endpoint. The
// language is detected by the model from the text itself.
func NewOpenAISynth(endpoint, apiKey, model, voice string) (Synthesizer, error) {
	if model == "" {
		return nil, errors.New("openai tts model required")
	}
	if voice == "" {
		voice = string(openai.VoiceAlloy)
	}
	cfg := openai.DefaultConfig(apiKey)
	if endpoint != "" {
		cfg.BaseURL = strings.TrimRight(endpoint, "/")
	}
	return &openAISynth{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		voice:  voice,
	}, nil
}

func (o *openAISynth) Synthesize(ctx context.Context, req SynthRequest) (Speech, error) {
	if err := checkRequest("openai", req); err != nil {
		return Speech{}, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(o.model),
		Input:          req.Text,
		Voice:          openai.SpeechVoice(o.voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return Speech{}, synthErr("openai", err)
	}
	defer resp.Close()

	data, err := io.ReadAll(resp)
	if err != nil {
		return Speech{}, synthErr("openai", fmt.Errorf("read speech: %w", err))
	}
	if len(data) == 0 {
		return Speech{}, synthErr("openai", errors.New("empty speech response"))
	}
	return Speech{Audio: data, Format: audio.FormatMP3}, nil
}
