// Package pipeline turns a document into one audiobook file: extract,
// normalize, chunk, synthesize chunk by chunk, then assemble.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-audiobook/internal/audio"
	"github.com/loqalabs/loqa-audiobook/internal/config"
	"github.com/loqalabs/loqa-audiobook/internal/document"
	"github.com/loqalabs/loqa-audiobook/internal/eventstore"
	"github.com/loqalabs/loqa-audiobook/internal/tempfs"
	"github.com/loqalabs/loqa-audiobook/internal/text"
	"github.com/loqalabs/loqa-audiobook/internal/tts"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Job describes one run. Exactly one of Pages, DocumentPath or Document
// supplies the text; VoicePath or Voice supplies the reference sample for
// cloned runs. Zero values fall back to the pipeline configuration.
type Job struct {
	RunID string

	Pages        []string
	DocumentPath string
	Document     []byte

	VoicePath string
	Voice     []byte

	Language      string
	VoiceMode     string
	MaxChunkChars int
	// nil selects the per-mode default.
	InterSegmentSilenceMS *int
	// Empty selects MP3 for the default voice and WAV for the cloned voice.
	Format     audio.Format
	OutputPath string

	Progress func(Progress)
}

// BackendFactory builds the synthesis backend for a voice mode. It is
// called once per run.
type BackendFactory func(voiceMode string) (tts.Synthesizer, error)

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithBackends replaces the configured backend factory.
func WithBackends(f BackendFactory) Option {
	return func(p *Pipeline) { p.backends = f }
}

// WithSource replaces the configured document source.
func WithSource(s document.Source) Option {
	return func(p *Pipeline) { p.source = s }
}

// WithStore records run history in store.
func WithStore(store *eventstore.Store) Option {
	return func(p *Pipeline) { p.store = store }
}

// WithTranscoder replaces the configured MP3 transcoder.
func WithTranscoder(t audio.Transcoder) Option {
	return func(p *Pipeline) { p.transcoder = t }
}

// Pipeline runs jobs one after another. It is safe to share between
// goroutines, but every run gets its own backend instance and temp scope.
type Pipeline struct {
	cfg        config.Config
	logger     *slog.Logger
	backends   BackendFactory
	source     document.Source
	transcoder audio.Transcoder
	store      *eventstore.Store
	ins        *instruments
}

// New builds a pipeline from configuration.
func New(cfg config.Config, logger *slog.Logger, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "pipeline")),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.backends == nil {
		p.backends = func(voiceMode string) (tts.Synthesizer, error) {
			return tts.New(cfg, voiceMode, logger)
		}
	}
	if p.source == nil {
		src, err := document.New(cfg.Document)
		if err != nil {
			return nil, err
		}
		p.source = src
	}
	if p.transcoder == nil && cfg.Audio.MP3Command != "" {
		t, err := audio.NewExecTranscoder(cfg.Audio.MP3Command)
		if err != nil {
			return nil, err
		}
		p.transcoder = t
	}
	p.ins = newInstruments(p.logger)
	return p, nil
}

type runSettings struct {
	language  string
	voiceMode string
	maxChars  int
	silence   time.Duration
	format    audio.Format
	output    string
}

func (p *Pipeline) resolve(job Job, runID string) (runSettings, error) {
	s := runSettings{
		language:  job.Language,
		voiceMode: job.VoiceMode,
		maxChars:  job.MaxChunkChars,
		format:    job.Format,
		output:    job.OutputPath,
	}
	if s.language == "" {
		s.language = p.cfg.Pipeline.Language
	}
	if s.voiceMode == "" {
		s.voiceMode = p.cfg.Pipeline.VoiceMode
	}
	if s.maxChars == 0 {
		s.maxChars = p.cfg.Pipeline.MaxChunkChars
	}
	if s.voiceMode != config.VoiceModeDefault && s.voiceMode != config.VoiceModeCloned {
		return s, fmt.Errorf("unknown voice mode %q", s.voiceMode)
	}
	if !p.cfg.Pipeline.SupportsLanguage(s.language) {
		return s, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, s.language)
	}
	if s.maxChars < 1 {
		return s, fmt.Errorf("%w: got %d", ErrInvalidChunkSize, s.maxChars)
	}

	silenceMS := p.cfg.Pipeline.SilenceMS(s.voiceMode)
	if job.InterSegmentSilenceMS != nil {
		silenceMS = *job.InterSegmentSilenceMS
	}
	if silenceMS < 0 {
		return s, fmt.Errorf("inter segment silence must be >= 0, got %d", silenceMS)
	}
	s.silence = time.Duration(silenceMS) * time.Millisecond

	if s.format == "" {
		s.format = audio.FormatMP3
		if s.voiceMode == config.VoiceModeCloned {
			s.format = audio.FormatWAV
		}
	}
	if s.format != audio.FormatMP3 && s.format != audio.FormatWAV {
		return s, fmt.Errorf("unsupported output format %q", s.format)
	}
	if s.output == "" {
		s.output = filepath.Join(p.cfg.Pipeline.OutputDir, runID+s.format.Ext())
	}
	return s, nil
}

func (p *Pipeline) checkVoice(job Job, voiceMode string) error {
	if voiceMode != config.VoiceModeCloned {
		return nil
	}
	if len(job.Voice) > 0 {
		return nil
	}
	if job.VoicePath == "" {
		return ErrReferenceVoiceMissing
	}
	if _, err := os.Stat(job.VoicePath); err != nil {
		return fmt.Errorf("%w: %v", ErrReferenceVoiceMissing, err)
	}
	return nil
}

// Run executes a job and returns the finished artifact. Every transient
// file of the run is removed before Run returns, on success and failure.
// Cancelling ctx abandons the run between chunks.
func (p *Pipeline) Run(ctx context.Context, job Job) (art Artifact, err error) {
	runID := job.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := p.logger.With(slog.String("run_id", runID))

	settings, err := p.resolve(job, runID)
	if err != nil {
		return Artifact{}, err
	}
	if err := p.checkVoice(job, settings.voiceMode); err != nil {
		return Artifact{}, err
	}

	start := time.Now()
	ctx, span := p.ins.tracer.Start(ctx, "audiobook.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("voice.mode", settings.voiceMode),
		attribute.String("language", settings.language),
	))
	defer span.End()

	p.recordStart(ctx, logger, runID, settings)
	defer func() {
		status := eventstore.StatusCompleted
		if err != nil {
			status = eventstore.StatusFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		p.ins.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
		p.ins.duration.Record(ctx, time.Since(start).Seconds())
		p.recordFinish(ctx, logger, runID, status, art, err)
	}()

	scope, err := tempfs.New(p.cfg.Pipeline.WorkDir, runID, logger)
	if err != nil {
		return Artifact{}, err
	}
	defer func() {
		if warnings := scope.Close(); len(warnings) > 0 {
			logger.Warn("transient files left behind", slog.Int("count", len(warnings)))
		}
	}()

	pages, err := p.pages(ctx, scope, job)
	if err != nil {
		return Artifact{}, err
	}
	normalized := text.Normalize(text.JoinPages(pages))
	if normalized == "" {
		return Artifact{}, ErrExtractionEmpty
	}
	chunks, err := text.Split(normalized, settings.maxChars)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: %v", ErrInvalidChunkSize, err)
	}
	logger.Info("document chunked", slog.Int("chars", len([]rune(normalized))), slog.Int("chunks", len(chunks)))

	voice, err := p.stageVoice(scope, job, settings.voiceMode)
	if err != nil {
		return Artifact{}, err
	}

	synth, err := p.backends(settings.voiceMode)
	if err != nil {
		return Artifact{}, fmt.Errorf("create backend: %w", err)
	}
	if cloner, ok := synth.(tts.VoiceCloner); ok {
		if err := cloner.Initialize(ctx); err != nil {
			return Artifact{}, fmt.Errorf("initialize voice model: %w", err)
		}
		defer func() {
			if cerr := cloner.Close(); cerr != nil {
				logger.Warn("voice model close failed", slog.String("error", cerr.Error()))
			}
		}()
	}

	batch := newBatch(synth, scope, logger, p.ins, job.Progress)
	result, err := batch.Run(ctx, chunks, settings.language, voice)
	defer p.releaseSegments(scope, result.Segments)
	if err != nil {
		return Artifact{}, err
	}
	for _, f := range result.Failures {
		p.recordChunkFailure(ctx, logger, runID, f)
	}

	assembler := NewAssembler(p.cfg.Audio.SampleRate, p.cfg.Audio.Channels, p.transcoder, logger)
	art, err = assembler.Assemble(ctx, scope, result.Segments, settings.output, settings.format, settings.silence)
	if err != nil {
		if errors.Is(err, ErrEmptyResult) {
			return Artifact{}, fmt.Errorf("%w: %d of %d chunks failed", err, len(result.Failures), len(chunks))
		}
		return Artifact{}, fmt.Errorf("assemble: %w", err)
	}
	art.RunID = runID
	for _, f := range result.Failures {
		art.Failed = append(art.Failed, f.Index)
	}
	logger.Info("run completed",
		slog.String("output", art.Path),
		slog.Int("segments", art.Segments),
		slog.Int("failed", len(art.Failed)),
		slog.Int("skipped", len(result.Skipped)))
	return art, nil
}

func (p *Pipeline) pages(ctx context.Context, scope *tempfs.Scope, job Job) ([]string, error) {
	switch {
	case job.Pages != nil:
		return job.Pages, nil
	case len(job.Document) > 0:
		path, err := scope.Stage("document-*"+filepath.Ext(job.DocumentPath), job.Document)
		if err != nil {
			return nil, err
		}
		defer scope.Release(path)
		return p.source.Pages(ctx, path)
	case job.DocumentPath != "":
		return p.source.Pages(ctx, job.DocumentPath)
	}
	return nil, nil
}

func (p *Pipeline) stageVoice(scope *tempfs.Scope, job Job, voiceMode string) (*tts.VoiceSample, error) {
	if voiceMode != config.VoiceModeCloned {
		return nil, nil
	}
	if len(job.Voice) == 0 {
		return &tts.VoiceSample{Path: job.VoicePath}, nil
	}
	path, err := scope.Stage("voice-*.wav", job.Voice)
	if err != nil {
		return nil, err
	}
	return &tts.VoiceSample{Path: path, Data: job.Voice}, nil
}

func (p *Pipeline) releaseSegments(scope *tempfs.Scope, segments []*Segment) {
	for _, seg := range segments {
		if seg != nil {
			scope.Release(seg.Path)
		}
	}
}

func (p *Pipeline) recordStart(ctx context.Context, logger *slog.Logger, runID string, s runSettings) {
	logger.Info("run started",
		slog.String("voice_mode", s.voiceMode),
		slog.String("language", s.language),
		slog.Int("max_chunk_chars", s.maxChars))
	if p.store == nil {
		return
	}
	if err := p.store.BeginRun(ctx, eventstore.Run{ID: runID, VoiceMode: s.voiceMode, Language: s.language}); err != nil {
		logger.Warn("failed to record run", slog.String("error", err.Error()))
		return
	}
	p.appendEvent(ctx, logger, runID, eventstore.EventRunStarted, map[string]any{
		"voice_mode": s.voiceMode,
		"language":   s.language,
		"output":     s.output,
	})
}

func (p *Pipeline) recordChunkFailure(ctx context.Context, logger *slog.Logger, runID string, f ChunkFailure) {
	if p.store == nil {
		return
	}
	p.appendEvent(ctx, logger, runID, eventstore.EventChunkFailed, map[string]any{
		"index": f.Index,
		"error": f.Err.Error(),
	})
}

func (p *Pipeline) recordFinish(ctx context.Context, logger *slog.Logger, runID, status string, art Artifact, runErr error) {
	if runErr != nil {
		logger.Error("run failed", slog.String("error", runErr.Error()))
	}
	if p.store == nil {
		return
	}
	// history is written even when the caller gave up on the run
	ctx = context.WithoutCancel(ctx)
	if runErr != nil {
		p.appendEvent(ctx, logger, runID, eventstore.EventRunFailed, map[string]any{"error": runErr.Error()})
	} else {
		p.appendEvent(ctx, logger, runID, eventstore.EventRunCompleted, map[string]any{
			"output":   art.Path,
			"mime":     art.MIME,
			"segments": art.Segments,
			"failed":   art.Failed,
			"duration": art.Duration.Seconds(),
		})
	}
	if err := p.store.FinishRun(ctx, runID, status, art.Path); err != nil {
		logger.Warn("failed to record run status", slog.String("error", err.Error()))
	}
	if err := p.store.Prune(ctx); err != nil {
		logger.Warn("event store prune failed", slog.String("error", err.Error()))
	}
}

func (p *Pipeline) appendEvent(ctx context.Context, logger *slog.Logger, runID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Warn("failed to encode event", slog.String("type", eventType), slog.String("error", err.Error()))
		return
	}
	if err := p.store.AppendEvent(ctx, eventstore.Event{RunID: runID, Type: eventType, Payload: data}); err != nil {
		logger.Warn("failed to append event", slog.String("type", eventType), slog.String("error", err.Error()))
	}
}
