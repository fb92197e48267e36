package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-audiobook/internal/audio"
	"github.com/loqalabs/loqa-audiobook/internal/tempfs"
	"github.com/loqalabs/loqa-audiobook/internal/text"
	"github.com/loqalabs/loqa-audiobook/internal/tts"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Chunk statuses reported through Progress.
const (
	StatusSynthesized = "synthesized"
	StatusFailed      = "failed"
	StatusSkipped     = "skipped"
)

// Progress is reported once per chunk, after the chunk is settled.
type Progress struct {
	RunID  string
	Index  int
	Total  int
	Status string
	Err    error
}

// Segment is the synthesized audio of one chunk, stored as a transient
// file in the run scope.
type Segment struct {
	Index  int
	Path   string
	Format audio.Format
	PCM    audio.PCMInfo
}

// ChunkFailure records why a chunk has no segment.
type ChunkFailure struct {
	Index int
	Err   error
}

// BatchResult holds one slot per input chunk. Absent chunks are nil.
type BatchResult struct {
	Segments []*Segment
	Failures []ChunkFailure
	Skipped  []int
}

// Present counts the filled slots.
func (r BatchResult) Present() int {
	n := 0
	for _, s := range r.Segments {
		if s != nil {
			n++
		}
	}
	return n
}

// Batch drives chunks through one backend, strictly in order.
type Batch struct {
	synth    tts.Synthesizer
	scope    *tempfs.Scope
	logger   *slog.Logger
	ins      *instruments
	progress func(Progress)
}

func newBatch(synth tts.Synthesizer, scope *tempfs.Scope, logger *slog.Logger, ins *instruments, progress func(Progress)) *Batch {
	return &Batch{
		synth:    synth,
		scope:    scope,
		logger:   logger,
		ins:      ins,
		progress: progress,
	}
}

// Run synthesizes every chunk. A failing chunk is logged and left absent;
// the batch only stops early when ctx is done, which is checked between
// chunks. A chunk already handed to the backend always runs to completion.
func (b *Batch) Run(ctx context.Context, chunks []string, language string, voice *tts.VoiceSample) (BatchResult, error) {
	result := BatchResult{Segments: make([]*Segment, len(chunks))}
	total := len(chunks)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("run abandoned before chunk %d: %w", i, err)
		}
		if text.Blank(chunk) {
			result.Skipped = append(result.Skipped, i)
			b.ins.skipped.Add(ctx, 1)
			b.report(Progress{Index: i, Total: total, Status: StatusSkipped})
			continue
		}

		seg, err := b.synthesize(ctx, i, chunk, language, voice)
		if err != nil {
			b.logger.Warn("chunk synthesis failed",
				slog.Int("chunk", i),
				slog.Int("total", total),
				slog.String("error", err.Error()))
			result.Failures = append(result.Failures, ChunkFailure{Index: i, Err: err})
			b.ins.failed.Add(ctx, 1)
			b.report(Progress{Index: i, Total: total, Status: StatusFailed, Err: err})
			continue
		}
		result.Segments[i] = seg
		b.ins.synthesized.Add(ctx, 1)
		b.logger.Debug("chunk synthesized", slog.Int("chunk", i), slog.Int("total", total))
		b.report(Progress{Index: i, Total: total, Status: StatusSynthesized})
	}
	return result, nil
}

func (b *Batch) synthesize(ctx context.Context, index int, chunk, language string, voice *tts.VoiceSample) (*Segment, error) {
	ctx, span := b.ins.tracer.Start(ctx, "audiobook.chunk",
		trace.WithAttributes(attribute.Int("chunk.index", index)))
	defer span.End()

	speech, err := b.synth.Synthesize(context.WithoutCancel(ctx), tts.SynthRequest{
		Index:    index,
		Text:     chunk,
		Language: language,
		Voice:    voice,
	})
	if err == nil {
		err = checkSpeech(speech)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		return nil, err
	}

	path, err := b.scope.Stage(fmt.Sprintf("chunk-%05d-*%s", index, speech.Format.Ext()), speech.Audio)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store segment")
		return nil, err
	}
	return &Segment{Index: index, Path: path, Format: speech.Format, PCM: speech.PCM}, nil
}

// checkSpeech rejects audio the assembler would not be able to read, so a
// garbled response costs one chunk instead of the whole run.
func checkSpeech(speech tts.Speech) error {
	if len(speech.Audio) == 0 {
		return &tts.SynthesisError{Backend: "segment", Err: errors.New("backend returned no audio")}
	}
	if _, err := audio.Decode(speech.Audio, speech.Format, speech.PCM); err != nil {
		return &tts.SynthesisError{Backend: "segment", Err: fmt.Errorf("undecodable %s audio: %w", speech.Format, err)}
	}
	return nil
}

func (b *Batch) report(p Progress) {
	if b.progress == nil {
		return
	}
	p.RunID = b.scope.ID()
	b.progress(p)
}
