package tts

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-audiobook/internal/config"
)

// NewDefaultVoice builds the generic-voice backend selected by cfg.Mode.
func NewDefaultVoice(cfg config.DefaultVoiceConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.Voice, cfg.SampleRate, cfg.Channels)
	case "openai":
		return NewOpenAISynth(cfg.Endpoint, cfg.APIKey, cfg.Model, cfg.Voice)
	case "gtts":
		return NewGTTSSynth(cfg.Endpoint, nil), nil
	}
	return nil, fmt.Errorf("unknown default_voice mode %q", cfg.Mode)
}

// NewClonedVoice builds the voice-cloning backend selected by cfg.Mode. The
// returned cloner is not initialized.
func NewClonedVoice(cfg config.ClonedVoiceConfig, logger *slog.Logger) (VoiceCloner, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockCloner(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return NewExecCloner(cfg.Command, logger)
	case "replicate":
		return NewReplicateCloner(cfg.Model, cfg.APIToken, logger)
	}
	return nil, fmt.Errorf("unknown cloned_voice mode %q", cfg.Mode)
}

// New selects the backend for a voice mode once, at pipeline construction.
func New(cfg config.Config, voiceMode string, logger *slog.Logger) (Synthesizer, error) {
	switch voiceMode {
	case config.VoiceModeDefault:
		return NewDefaultVoice(cfg.DefaultVoice)
	case config.VoiceModeCloned:
		return NewClonedVoice(cfg.ClonedVoice, logger)
	}
	return nil, fmt.Errorf("unknown voice mode %q", voiceMode)
}
