package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-audiobook/internal/audio"
	"github.com/loqalabs/loqa-audiobook/internal/tempfs"
)

// Artifact is the finished audio file of a run.
type Artifact struct {
	RunID    string
	Path     string
	MIME     string
	Format   audio.Format
	Duration time.Duration
	// Segments is the number of chunks present in the output.
	Segments int
	// Failed lists the chunk indexes that failed to synthesize.
	Failed []int
}

// Assembler joins segments into one output file.
type Assembler struct {
	sampleRate int
	channels   int
	transcoder audio.Transcoder
	logger     *slog.Logger
}

// NewAssembler returns an assembler producing sampleRate/channels output.
// transcoder is only needed for MP3 output.
func NewAssembler(sampleRate, channels int, transcoder audio.Transcoder, logger *slog.Logger) *Assembler {
	return &Assembler{
		sampleRate: sampleRate,
		channels:   channels,
		transcoder: transcoder,
		logger:     logger,
	}
}

// Assemble concatenates the present segments in order and writes them to
// outPath. silence is inserted only between two present segments; absent
// slots contribute nothing. The segment files are left for their owner to
// release. Intermediate files go into scope.
func (a *Assembler) Assemble(ctx context.Context, scope *tempfs.Scope, segments []*Segment, outPath string, format audio.Format, silence time.Duration) (Artifact, error) {
	var joined *audio.Clip
	present := 0
	for _, seg := range segments {
		if seg == nil {
			continue
		}
		clip, err := a.load(seg)
		if err != nil {
			return Artifact{}, fmt.Errorf("segment %d: %w", seg.Index, err)
		}
		if joined == nil {
			joined = audio.NewClip(a.sampleRate, a.channels, nil)
		} else if silence > 0 {
			if err := joined.Append(audio.Silence(silence, a.sampleRate, a.channels)); err != nil {
				return Artifact{}, err
			}
		}
		if err := joined.Append(clip); err != nil {
			return Artifact{}, fmt.Errorf("segment %d: %w", seg.Index, err)
		}
		present++
	}
	if present == 0 {
		return Artifact{}, ErrEmptyResult
	}

	if err := a.export(ctx, scope, joined, outPath, format); err != nil {
		return Artifact{}, err
	}
	a.logger.Info("audio exported",
		slog.String("path", outPath),
		slog.String("format", string(format)),
		slog.Int("segments", present),
		slog.Duration("duration", joined.Duration()))
	return Artifact{
		Path:     outPath,
		MIME:     format.MIME(),
		Format:   format,
		Duration: joined.Duration(),
		Segments: present,
	}, nil
}

func (a *Assembler) load(seg *Segment) (*audio.Clip, error) {
	data, err := os.ReadFile(seg.Path)
	if err != nil {
		return nil, fmt.Errorf("read segment: %w", err)
	}
	clip, err := audio.Decode(data, seg.Format, seg.PCM)
	if err != nil {
		return nil, err
	}
	return audio.Conform(clip, a.sampleRate, a.channels)
}

// export writes next to outPath and renames into place, so a failed export
// never leaves a partial artifact behind.
func (a *Assembler) export(ctx context.Context, scope *tempfs.Scope, clip *audio.Clip, outPath string, format audio.Format) error {
	dir := filepath.Dir(outPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".partial-*-"+filepath.Base(outPath))
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				a.logger.Warn("failed to remove partial output", slog.String("path", tmpPath), slog.String("error", err.Error()))
			}
		}
	}()

	switch format {
	case audio.FormatWAV:
		err = audio.WriteWAV(tmp, clip)
		if cerr := tmp.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	case audio.FormatMP3:
		tmp.Close()
		if a.transcoder == nil {
			return errors.New("mp3 output requires a transcoder")
		}
		wavPath, err := scope.Path("joined.wav")
		if err != nil {
			return err
		}
		defer scope.Release(wavPath)
		wavFile, err := os.Create(wavPath)
		if err != nil {
			return fmt.Errorf("create joined wav: %w", err)
		}
		err = audio.WriteWAV(wavFile, clip)
		if cerr := wavFile.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		if err := a.transcoder.Transcode(ctx, wavPath, tmpPath); err != nil {
			return err
		}
		info, err := os.Stat(tmpPath)
		if err != nil {
			return fmt.Errorf("transcoded output: %w", err)
		}
		if info.Size() == 0 {
			return errors.New("transcoder produced an empty file")
		}
	default:
		tmp.Close()
		return fmt.Errorf("unsupported output format %q", format)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("finalize output: %w", err)
	}
	committed = true
	return nil
}
