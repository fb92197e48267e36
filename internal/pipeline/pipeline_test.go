package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-audiobook/internal/audio"
	"github.com/loqalabs/loqa-audiobook/internal/config"
	"github.com/loqalabs/loqa-audiobook/internal/document"
	"github.com/loqalabs/loqa-audiobook/internal/eventstore"
	"github.com/loqalabs/loqa-audiobook/internal/tts"
)

const testRate = 16000

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeSynth renders 10ms of audio per character through the mock backend,
// fails the chunk indexes listed in fail and answers the ones in garbage
// with bytes that are not audio.
type fakeSynth struct {
	mu      sync.Mutex
	inner   tts.Synthesizer
	fail    map[int]bool
	garbage map[int]bool
	calls  []int
	voices []*tts.VoiceSample
	inits  int
	closed bool
}

func (f *fakeSynth) Synthesize(ctx context.Context, req tts.SynthRequest) (tts.Speech, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Index)
	f.voices = append(f.voices, req.Voice)
	fail := f.fail[req.Index]
	garbage := f.garbage[req.Index]
	f.mu.Unlock()
	if fail {
		return tts.Speech{}, &tts.SynthesisError{Backend: "fake", Err: fmt.Errorf("chunk %d rejected", req.Index)}
	}
	if garbage {
		return tts.Speech{Audio: []byte("<html>rate limited</html>"), Format: audio.FormatMP3}, nil
	}
	return f.inner.Synthesize(ctx, req)
}

func (f *fakeSynth) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeCloner struct{ *fakeSynth }

func (c fakeCloner) Initialize(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inits++
	return nil
}

func (c fakeCloner) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type harness struct {
	cfg     config.Config
	work    string
	out     string
	synth   *fakeSynth
	created int
}

func newHarness(t *testing.T, fail ...int) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Pipeline.WorkDir = t.TempDir()
	cfg.Pipeline.OutputDir = t.TempDir()
	cfg.Audio.SampleRate = testRate
	cfg.Audio.Channels = 1
	cfg.EventStore.RetentionMode = "ephemeral"
	h := &harness{
		cfg:   cfg,
		work:  cfg.Pipeline.WorkDir,
		out:   cfg.Pipeline.OutputDir,
		synth: &fakeSynth{inner: tts.NewMockSynth(testRate, 1), fail: map[int]bool{}, garbage: map[int]bool{}},
	}
	for _, i := range fail {
		h.synth.fail[i] = true
	}
	return h
}

func (h *harness) pipeline(t *testing.T, opts ...Option) *Pipeline {
	t.Helper()
	backends := func(mode string) (tts.Synthesizer, error) {
		h.created++
		if mode == config.VoiceModeCloned {
			return fakeCloner{h.synth}, nil
		}
		return h.synth, nil
	}
	opts = append([]Option{WithBackends(backends), WithSource(document.TextSource{})}, opts...)
	p, err := New(h.cfg, newLogger(), opts...)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

func writeVoice(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voice.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := audio.WriteWAV(f, audio.Silence(3*time.Second, testRate, 1)); err != nil {
		t.Fatal(err)
	}
	return path
}

func assertNoTransientFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read work dir: %v", err)
	}
	if len(entries) != 0 {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("expected empty work dir, found %v", names)
	}
}

func outputDuration(t *testing.T, path string) time.Duration {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	clip, err := audio.Decode(data, audio.FormatWAV, audio.PCMInfo{})
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	return clip.Duration()
}

func TestEmptyDocumentFailsBeforeChunking(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t)

	_, err := p.Run(context.Background(), Job{Pages: []string{"", "  \n\t "}})
	if !errors.Is(err, ErrExtractionEmpty) {
		t.Fatalf("expected ErrExtractionEmpty, got %v", err)
	}
	if h.created != 0 || h.synth.callCount() != 0 {
		t.Fatalf("expected no backend use, created=%d calls=%d", h.created, h.synth.callCount())
	}
	assertNoTransientFiles(t, h.work)
	assertNoTransientFiles(t, h.out)
}

func TestDefaultVoiceConcatenatesAllChunks(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t)

	var progress []Progress
	art, err := p.Run(context.Background(), Job{
		Pages:    []string{strings.Repeat("abcdefghij", 60), strings.Repeat("abcdefghij", 60)},
		Format:   audio.FormatWAV,
		Progress: func(pr Progress) { progress = append(progress, pr) },
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := h.synth.calls; len(got) != 3 || got[0] != 0 || got[1] != 1 || got[2] != 2 {
		t.Fatalf("expected sequential calls [0 1 2], got %v", got)
	}
	want := 12 * time.Second
	if art.Duration != want {
		t.Fatalf("expected %s, got %s", want, art.Duration)
	}
	if got := outputDuration(t, art.Path); got != want {
		t.Fatalf("expected file duration %s, got %s", want, got)
	}
	if art.MIME != "audio/wav" || art.Segments != 3 || len(art.Failed) != 0 {
		t.Fatalf("unexpected artifact %+v", art)
	}
	if len(progress) != 3 || progress[2].Total != 3 || progress[2].Status != StatusSynthesized || progress[0].RunID != art.RunID {
		t.Fatalf("unexpected progress %+v", progress)
	}
	if filepath.Dir(art.Path) != h.out {
		t.Fatalf("expected output under %s, got %s", h.out, art.Path)
	}
	assertNoTransientFiles(t, h.work)
}

func TestClonedVoiceSkipsFailedChunk(t *testing.T) {
	h := newHarness(t, 1)
	p := h.pipeline(t)
	voice := writeVoice(t)
	text := strings.Repeat("x", 1200)

	art, err := p.Run(context.Background(), Job{
		Pages:     []string{text},
		VoiceMode: config.VoiceModeCloned,
		VoicePath: voice,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if art.Format != audio.FormatWAV || art.MIME != "audio/wav" {
		t.Fatalf("expected wav output for cloned voice, got %s", art.MIME)
	}
	if len(art.Failed) != 1 || art.Failed[0] != 1 || art.Segments != 2 {
		t.Fatalf("unexpected artifact %+v", art)
	}
	// chunk 0 (5s) + one pause + chunk 2 (2s); nothing stands in for chunk 1.
	// The pause sits between the two present neighbours, so this differs from
	// a plain d0+d2 sum; TestClonedVoiceWithoutPauseSumsPresentSegments covers
	// that case. Change both together with assemble.go if the rule changes.
	want := 5*time.Second + time.Duration(config.DefaultClonedSilenceMS)*time.Millisecond + 2*time.Second
	if got := outputDuration(t, art.Path); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if h.synth.inits != 1 || !h.synth.closed {
		t.Fatalf("expected one initialize and a close, got inits=%d closed=%v", h.synth.inits, h.synth.closed)
	}
	for _, v := range h.synth.voices {
		if v == nil || v.Path != voice {
			t.Fatalf("expected reference voice on every call, got %+v", v)
		}
	}
	assertNoTransientFiles(t, h.work)
}

func TestClonedVoiceWithoutPauseSumsPresentSegments(t *testing.T) {
	h := newHarness(t, 1)
	p := h.pipeline(t)
	zero := 0

	art, err := p.Run(context.Background(), Job{
		Pages:                 []string{strings.Repeat("x", 1200)},
		VoiceMode:             config.VoiceModeCloned,
		Voice:                 []byte("RIFF-not-checked-by-fake"),
		InterSegmentSilenceMS: &zero,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := outputDuration(t, art.Path); got != 7*time.Second {
		t.Fatalf("expected 7s, got %s", got)
	}
	assertNoTransientFiles(t, h.work)
}

func TestClonedVoiceRequiresReference(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t)

	_, err := p.Run(context.Background(), Job{
		Pages:     []string{"some text"},
		VoiceMode: config.VoiceModeCloned,
	})
	if !errors.Is(err, ErrReferenceVoiceMissing) {
		t.Fatalf("expected ErrReferenceVoiceMissing, got %v", err)
	}
	if h.synth.callCount() != 0 || h.created != 0 {
		t.Fatalf("expected zero backend calls, got %d", h.synth.callCount())
	}

	_, err = p.Run(context.Background(), Job{
		Pages:     []string{"some text"},
		VoiceMode: config.VoiceModeCloned,
		VoicePath: filepath.Join(t.TempDir(), "missing.wav"),
	})
	if !errors.Is(err, ErrReferenceVoiceMissing) {
		t.Fatalf("expected ErrReferenceVoiceMissing for missing file, got %v", err)
	}
	if h.synth.callCount() != 0 {
		t.Fatalf("expected zero backend calls, got %d", h.synth.callCount())
	}
}

func TestAllChunksFailedLeavesNothing(t *testing.T) {
	h := newHarness(t, 0, 1)
	p := h.pipeline(t)
	out := filepath.Join(h.out, "book.wav")

	_, err := p.Run(context.Background(), Job{
		Pages:         []string{strings.Repeat("y", 20)},
		MaxChunkChars: 10,
		Format:        audio.FormatWAV,
		OutputPath:    out,
	})
	if !errors.Is(err, ErrEmptyResult) {
		t.Fatalf("expected ErrEmptyResult, got %v", err)
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Fatalf("expected no output file, stat err=%v", statErr)
	}
	assertNoTransientFiles(t, h.work)
	assertNoTransientFiles(t, h.out)
}

func TestUnsupportedLanguageFailsFast(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t)
	_, err := p.Run(context.Background(), Job{Pages: []string{"hallo"}, Language: "de"})
	if !errors.Is(err, ErrUnsupportedLanguage) {
		t.Fatalf("expected ErrUnsupportedLanguage, got %v", err)
	}
	if h.synth.callCount() != 0 {
		t.Fatal("expected no synthesis")
	}
}

func TestInvalidChunkSize(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t)
	_, err := p.Run(context.Background(), Job{Pages: []string{"hello"}, MaxChunkChars: -1})
	if !errors.Is(err, ErrInvalidChunkSize) {
		t.Fatalf("expected ErrInvalidChunkSize, got %v", err)
	}
}

func TestCancelledRunStopsBetweenChunks(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := p.Run(ctx, Job{
		Pages:         []string{strings.Repeat("z", 30)},
		MaxChunkChars: 10,
		Format:        audio.FormatWAV,
		Progress: func(pr Progress) {
			if pr.Index == 0 {
				cancel()
			}
		},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := h.synth.callCount(); got != 1 {
		t.Fatalf("expected the in-flight chunk only, got %d calls", got)
	}
	assertNoTransientFiles(t, h.work)
	assertNoTransientFiles(t, h.out)
}

func TestDocumentBytesAreStagedAndRemoved(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t)
	art, err := p.Run(context.Background(), Job{
		Document:     []byte("page one\fpage two"),
		DocumentPath: "upload.txt",
		Format:       audio.FormatWAV,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// "page onepage two" is 16 characters
	if art.Duration != 160*time.Millisecond {
		t.Fatalf("unexpected duration %s", art.Duration)
	}
	assertNoTransientFiles(t, h.work)
}

func TestRunHistoryIsRecorded(t *testing.T) {
	h := newHarness(t, 1)
	h.cfg.EventStore = config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session"}
	store, err := eventstore.Open(context.Background(), h.cfg.EventStore, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	p := h.pipeline(t, WithStore(store))

	art, err := p.Run(context.Background(), Job{
		RunID:         "run-1",
		Pages:         []string{strings.Repeat("w", 30)},
		MaxChunkChars: 10,
		Format:        audio.FormatWAV,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	run, err := store.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != eventstore.StatusCompleted || run.OutputPath != art.Path || run.VoiceMode != config.VoiceModeDefault {
		t.Fatalf("unexpected run %+v", run)
	}
	events, err := store.ListRunEvents(context.Background(), "run-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	want := []string{eventstore.EventRunStarted, eventstore.EventChunkFailed, eventstore.EventRunCompleted}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("expected events %v, got %v", want, types)
	}
}

// copyTranscoder stands in for ffmpeg by copying the joined WAV verbatim.
type copyTranscoder struct {
	inputs     []string
	validWAV   bool
	skipOutput bool
}

func (c *copyTranscoder) Transcode(_ context.Context, wavPath, outPath string) error {
	c.inputs = append(c.inputs, wavPath)
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return err
	}
	_, err = audio.Decode(data, audio.FormatWAV, audio.PCMInfo{})
	c.validWAV = err == nil
	if c.skipOutput {
		return nil
	}
	return os.WriteFile(outPath, data, 0o644)
}

func TestDefaultVoiceExportsMP3ThroughTranscoder(t *testing.T) {
	h := newHarness(t)
	tc := &copyTranscoder{}
	p := h.pipeline(t, WithTranscoder(tc))

	art, err := p.Run(context.Background(), Job{Pages: []string{"hello world"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if art.Format != audio.FormatMP3 || art.MIME != "audio/mp3" || filepath.Ext(art.Path) != ".mp3" {
		t.Fatalf("expected mp3 artifact, got %+v", art)
	}
	if len(tc.inputs) != 1 || !tc.validWAV || filepath.Base(tc.inputs[0]) != "joined.wav" {
		t.Fatalf("expected one joined wav handed to the transcoder, got %v valid=%v", tc.inputs, tc.validWAV)
	}
	if !strings.HasPrefix(tc.inputs[0], h.work) {
		t.Fatalf("expected joined wav under the work dir, got %s", tc.inputs[0])
	}
	if got := outputDuration(t, art.Path); got != 110*time.Millisecond {
		t.Fatalf("expected 110ms, got %s", got)
	}
	entries, err := os.ReadDir(h.out)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the artifact in the output dir, got %d entries", len(entries))
	}
	assertNoTransientFiles(t, h.work)
}

func TestEmptyTranscoderOutputFailsRun(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t, WithTranscoder(&copyTranscoder{skipOutput: true}))
	out := filepath.Join(h.out, "book.mp3")

	_, err := p.Run(context.Background(), Job{Pages: []string{"hello world"}, OutputPath: out})
	if err == nil || !strings.Contains(err.Error(), "empty") {
		t.Fatalf("expected empty output error, got %v", err)
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Fatalf("expected no output file, stat err=%v", statErr)
	}
	assertNoTransientFiles(t, h.work)
	assertNoTransientFiles(t, h.out)
}

func TestBlankChunksAreSkippedWithoutBackendCall(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t)

	var progress []Progress
	art, err := p.Run(context.Background(), Job{
		Pages:         []string{"a b"},
		MaxChunkChars: 1,
		Format:        audio.FormatWAV,
		Progress:      func(pr Progress) { progress = append(progress, pr) },
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := h.synth.calls; len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Fatalf("expected calls [0 2], got %v", got)
	}
	if len(progress) != 3 || progress[1].Status != StatusSkipped {
		t.Fatalf("expected chunk 1 skipped, got %+v", progress)
	}
	if art.Segments != 2 || len(art.Failed) != 0 || art.Duration != 20*time.Millisecond {
		t.Fatalf("unexpected artifact %+v", art)
	}
	assertNoTransientFiles(t, h.work)
}

func TestUndecodableChunkIsAbsent(t *testing.T) {
	h := newHarness(t)
	h.synth.garbage[1] = true
	p := h.pipeline(t)

	var progress []Progress
	art, err := p.Run(context.Background(), Job{
		Pages:    []string{strings.Repeat("v", 1200)},
		Format:   audio.FormatWAV,
		Progress: func(pr Progress) { progress = append(progress, pr) },
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if art.Segments != 2 || len(art.Failed) != 1 || art.Failed[0] != 1 {
		t.Fatalf("unexpected artifact %+v", art)
	}
	if got := outputDuration(t, art.Path); got != 7*time.Second {
		t.Fatalf("expected 7s, got %s", got)
	}
	var se *tts.SynthesisError
	if len(progress) != 3 || progress[1].Status != StatusFailed || !errors.As(progress[1].Err, &se) {
		t.Fatalf("expected chunk 1 failed with a synthesis error, got %+v", progress)
	}
	assertNoTransientFiles(t, h.work)
}
