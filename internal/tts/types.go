package tts

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-audiobook/internal/audio"
)

// VoiceSample is a short single-speaker recording used as the cloning
// reference. Path points at a staged WAV; Data may carry the same bytes.
type VoiceSample struct {
	Path string
	Data []byte
}

// SynthRequest contains parameters to synthesize one text segment.
type SynthRequest struct {
	Index    int
	Text     string
	Language string
	// Voice is only read by voice cloners.
	Voice *VoiceSample
}

// Speech is the encoded audio for one segment.
type Speech struct {
	Audio  []byte
	Format audio.Format
	// PCM holds rate and channels for FormatPCM16 payloads.
	PCM audio.PCMInfo
}

// Synthesizer is the contract for producing audio from one segment.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (Speech, error)
}

// VoiceCloner is a Synthesizer backed by a model that must be loaded once
// before use and mimics req.Voice. Implementations are not safe for
// concurrent calls; a failed call leaves the loaded model usable.
type VoiceCloner interface {
	Synthesizer
	Initialize(ctx context.Context) error
	Close() error
}

var (
	ErrEmptyText      = errors.New("empty text")
	ErrNoVoice        = errors.New("reference voice required")
	ErrNotInitialized = errors.New("voice model not initialized")
)

// SynthesisError reports a failed synthesis call.
type SynthesisError struct {
	Backend string
	Err     error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("%s synthesis failed: %v", e.Backend, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

func synthErr(backend string, err error) error {
	var se *SynthesisError
	if errors.As(err, &se) {
		return err
	}
	return &SynthesisError{Backend: backend, Err: err}
}

func checkRequest(backend string, req SynthRequest) error {
	if req.Text == "" {
		return synthErr(backend, ErrEmptyText)
	}
	if req.Language == "" {
		return synthErr(backend, errors.New("language required"))
	}
	return nil
}
