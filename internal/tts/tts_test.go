package tts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/loqalabs/loqa-audiobook/internal/audio"
	"github.com/loqalabs/loqa-audiobook/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestMockSynthDurationTracksText(t *testing.T) {
	s := NewMockSynth(16000, 1)
	speech, err := s.Synthesize(context.Background(), SynthRequest{Text: "hello world", Language: "en"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	clip, err := audio.Decode(speech.Audio, speech.Format, speech.PCM)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got, want := clip.Duration().Milliseconds(), int64(11*mockMSPerChar); got != want {
		t.Fatalf("expected %dms, got %dms", want, got)
	}
}

func TestMockSynthRejectsEmptyText(t *testing.T) {
	_, err := NewMockSynth(16000, 1).Synthesize(context.Background(), SynthRequest{Language: "en"})
	var se *SynthesisError
	if !errors.As(err, &se) || !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected SynthesisError wrapping ErrEmptyText, got %v", err)
	}
}

func TestMockClonerLifecycle(t *testing.T) {
	c := NewMockCloner(24000, 1)
	req := SynthRequest{Text: "hi", Language: "en", Voice: &VoiceSample{Path: "voice.wav"}}
	if _, err := c.Synthesize(context.Background(), req); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := c.Initialize(context.Background()); err != nil {
			t.Fatalf("initialize: %v", err)
		}
	}
	if loads := c.(*mockCloner).loads; loads != 1 {
		t.Fatalf("expected model loaded once, got %d", loads)
	}
	if _, err := c.Synthesize(context.Background(), SynthRequest{Text: "hi", Language: "en"}); !errors.Is(err, ErrNoVoice) {
		t.Fatalf("expected ErrNoVoice, got %v", err)
	}
	// a failed call leaves the model usable
	if _, err := c.Synthesize(context.Background(), req); err != nil {
		t.Fatalf("synthesize after failure: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestSplitWords(t *testing.T) {
	text := strings.Repeat("word ", 60) + strings.Repeat("x", 230)
	pieces := splitWords(text, gttsMaxChars)
	var rebuilt []string
	for _, p := range pieces {
		if n := utf8.RuneCountInString(p); n == 0 || n > gttsMaxChars {
			t.Fatalf("piece length %d out of bounds", n)
		}
		rebuilt = append(rebuilt, p)
	}
	joined := strings.ReplaceAll(strings.Join(rebuilt, ""), " ", "")
	if joined != strings.ReplaceAll(text, " ", "") {
		t.Fatalf("pieces lost characters")
	}
}

func TestGTTSSynthFetchesEachPiece(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("tl") != "fr" {
			http.Error(w, "bad lang", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("MP3"))
	}))
	t.Cleanup(srv.Close)

	s := NewGTTSSynth(srv.URL, srv.Client())
	text := strings.Repeat("bonjour ", 30)
	speech, err := s.Synthesize(context.Background(), SynthRequest{Text: text, Language: "fr"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if speech.Format != audio.FormatMP3 {
		t.Fatalf("expected mp3, got %s", speech.Format)
	}
	n := int(calls.Load())
	if n < 3 || string(speech.Audio) != strings.Repeat("MP3", n) {
		t.Fatalf("expected one request per piece, got %d calls and %q", n, speech.Audio)
	}

	_, err = s.Synthesize(context.Background(), SynthRequest{Text: "hello", Language: "xx"})
	var se *SynthesisError
	if !errors.As(err, &se) {
		t.Fatalf("expected SynthesisError for rejected language, got %v", err)
	}
}

func TestOpenAISynthPostsSpeechRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/speech") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3mp3"))
	}))
	t.Cleanup(srv.Close)

	s, err := NewOpenAISynth(srv.URL+"/v1", "sk-test", "tts-1", "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	speech, err := s.Synthesize(context.Background(), SynthRequest{Text: "hello", Language: "en"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if speech.Format != audio.FormatMP3 || string(speech.Audio) != "ID3mp3" {
		t.Fatalf("unexpected speech %s %q", speech.Format, speech.Audio)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExecSynthReadsPCMLines(t *testing.T) {
	// "AAABAA==" is two little-endian samples: 0, 1
	script := writeScript(t, `cat > /dev/null
echo '{"pcm_base64":"AAABAA==","final":false}'
echo '{"pcm_base64":"AgA=","final":true}'
`)
	s, err := NewExecSynth("sh "+script, "", 8000, 1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	speech, err := s.Synthesize(context.Background(), SynthRequest{Text: "hi", Language: "en"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	clip, err := audio.Decode(speech.Audio, speech.Format, speech.PCM)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := clip.Samples(); len(got) != 3 || got[1] != 1 || got[2] != 2 {
		t.Fatalf("unexpected samples %v", got)
	}
}

func TestExecSynthReportsWorkerError(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo '{"error":"unsupported language"}'
`)
	s, err := NewExecSynth("sh "+script, "", 8000, 1)
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Synthesize(context.Background(), SynthRequest{Text: "hi", Language: "xx"})
	var se *SynthesisError
	if !errors.As(err, &se) || !strings.Contains(err.Error(), "unsupported language") {
		t.Fatalf("expected SynthesisError, got %v", err)
	}
}

func TestExecClonerSurvivesFailedRequest(t *testing.T) {
	// UklGRg== is "RIFF"; the worker fails on text "bad" and keeps serving
	script := writeScript(t, `echo '{"ready":true}'
while read line; do
  case "$line" in
    *'"text":"bad"'*) echo '{"error":"reference too short"}' ;;
    *) echo '{"wav_base64":"UklGRg=="}' ;;
  esac
done
`)
	c, err := NewExecCloner("sh "+script, newLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	voice := &VoiceSample{Path: "/tmp/voice.wav"}
	if _, err := c.Synthesize(context.Background(), SynthRequest{Text: "x", Language: "en", Voice: voice}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	if _, err := c.Synthesize(context.Background(), SynthRequest{Text: "bad", Language: "en", Voice: voice}); err == nil {
		t.Fatal("expected failure for bad text")
	}
	speech, err := c.Synthesize(context.Background(), SynthRequest{Text: "good", Language: "en", Voice: voice})
	if err != nil {
		t.Fatalf("synthesize after failure: %v", err)
	}
	if speech.Format != audio.FormatWAV || string(speech.Audio) != "RIFF" {
		t.Fatalf("unexpected speech %s %q", speech.Format, speech.Audio)
	}
}

func TestNewSelectsBackendPerMode(t *testing.T) {
	cfg := config.Default()
	s, err := New(cfg, config.VoiceModeDefault, newLogger())
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if _, ok := s.(VoiceCloner); ok {
		t.Fatal("default voice must not be a cloner")
	}
	c, err := New(cfg, config.VoiceModeCloned, newLogger())
	if err != nil {
		t.Fatalf("cloned: %v", err)
	}
	if _, ok := c.(VoiceCloner); !ok {
		t.Fatal("cloned voice must be a cloner")
	}
	if _, err := New(cfg, "robot", newLogger()); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
