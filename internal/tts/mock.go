package tts

import (
	"context"
	"encoding/binary"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-audiobook/internal/audio"
)

// mockMSPerChar sets how much audio the mock backends produce per character.
const mockMSPerChar = 10

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth returns a default-voice backend that renders a quiet tone
// whose length is proportional to the text.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (Speech, error) {
	if err := checkRequest("mock", req); err != nil {
		return Speech{}, err
	}
	return mockSpeech(req.Text, m.sampleRate, m.channels), nil
}

type mockCloner struct {
	sampleRate int
	channels   int

	mu          sync.Mutex
	initialized bool
	loads       int
}

// NewMockCloner returns a voice cloner that behaves like the mock synth once
// initialized and insists on a reference voice.
func NewMockCloner(sampleRate, channels int) VoiceCloner {
	return &mockCloner{sampleRate: sampleRate, channels: channels}
}

func (m *mockCloner) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}
	m.initialized = true
	m.loads++
	return nil
}

func (m *mockCloner) Synthesize(ctx context.Context, req SynthRequest) (Speech, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return Speech{}, synthErr("mock-clone", ErrNotInitialized)
	}
	if err := checkRequest("mock-clone", req); err != nil {
		return Speech{}, err
	}
	if req.Voice == nil || (req.Voice.Path == "" && len(req.Voice.Data) == 0) {
		return Speech{}, synthErr("mock-clone", ErrNoVoice)
	}
	return mockSpeech(req.Text, m.sampleRate, m.channels), nil
}

func (m *mockCloner) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = false
	return nil
}

func mockSpeech(text string, sampleRate, channels int) Speech {
	d := time.Duration(utf8.RuneCountInString(text)*mockMSPerChar) * time.Millisecond
	frames := int(d * time.Duration(sampleRate) / time.Second)
	pcm := make([]byte, frames*channels*2)
	for f := 0; f < frames; f++ {
		v := int16((f%64 - 32) * 64)
		for ch := 0; ch < channels; ch++ {
			binary.LittleEndian.PutUint16(pcm[(f*channels+ch)*2:], uint16(v))
		}
	}
	return Speech{
		Audio:  pcm,
		Format: audio.FormatPCM16,
		PCM:    audio.PCMInfo{SampleRate: sampleRate, Channels: channels},
	}
}
